// Package federation implements the consumer and provider run drivers: the
// full announce/bid/choose/deploy/stitch lifecycle, with phase telemetry.
package federation

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/config"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/ledger"
)

// Wait loop parameters shared by every run driver.
const (
	pollInterval = 200 * time.Millisecond
	waitBound    = 60 * time.Second
)

// Run failure categories.
var (
	// ErrNotEnoughBids means the bid quorum was not reached in time.
	ErrNotEnoughBids = errors.New("federation: not enough bids")
	// ErrNoQualifyingBid means every received bid exceeded the price threshold.
	ErrNoQualifyingBid = errors.New("federation: no qualifying bid")
	// ErrDeployTimeout means the winning provider never confirmed deployment.
	ErrDeployTimeout = errors.New("federation: timed out waiting for deployment")
	// ErrNoAnnouncement means no matching announcement arrived in time.
	ErrNoAnnouncement = errors.New("federation: no matching announcement")
	// ErrCloseTimeout means outstanding requests never closed.
	ErrCloseTimeout = errors.New("federation: timed out waiting for close")
)

// EventStream yields decoded contract events from a polling filter.
// *ledger.Subscription is the production implementation.
type EventStream interface {
	GetAllEntries(ctx context.Context) ([]ledger.Event, error)
	GetNewEntries(ctx context.Context) ([]ledger.Event, error)
}

// LedgerClient is the slice of the ledger adapter the run drivers use.
type LedgerClient interface {
	AnnounceService(ctx context.Context, domain, requirements, consumerEndpoint string) (common.Hash, ledger.ServiceID, EventStream, error)
	Subscribe(ctx context.Context, names ...ledger.EventName) (EventStream, error)
	PlaceBid(ctx context.Context, id ledger.ServiceID, price uint64, providerEndpoint string) (common.Hash, error)
	ChooseProvider(ctx context.Context, id ledger.ServiceID, bidIndex uint64) (common.Hash, error)
	GetServiceState(ctx context.Context, id ledger.ServiceID) (ledger.ServiceState, error)
	GetBid(ctx context.Context, id ledger.ServiceID, index uint64) (ledger.Bid, error)
	GetBids(ctx context.Context, id ledger.ServiceID) ([]ledger.Bid, error)
	IsWinner(ctx context.Context, id ledger.ServiceID) (bool, error)
	ServiceDeployed(ctx context.Context, id ledger.ServiceID, federatedHost string) (common.Hash, error)
	GetServiceInfo(ctx context.Context, id ledger.ServiceID, asProvider bool) (ledger.ServiceInfo, error)
}

// DomainClient is the slice of the DO surface the run drivers use.
type DomainClient interface {
	ConfigureVxlan(ctx context.Context, req ConfigureVxlanRequest) error
	DeployService(ctx context.Context, req DeployServiceRequest) (map[string]string, error)
	AttachToNetwork(ctx context.Context, containerName, networkName string) error
	Exec(ctx context.Context, containerName, command string) (ExecResult, error)
}

// adapterClient lifts *ledger.Adapter onto LedgerClient. Only the two
// methods that return the concrete subscription type need wrapping.
type adapterClient struct {
	*ledger.Adapter
}

func (c adapterClient) Subscribe(ctx context.Context, names ...ledger.EventName) (EventStream, error) {
	return c.Adapter.Subscribe(ctx, names...)
}

func (c adapterClient) AnnounceService(ctx context.Context, domain, requirements, consumerEndpoint string) (common.Hash, ledger.ServiceID, EventStream, error) {
	return c.Adapter.AnnounceService(ctx, domain, requirements, consumerEndpoint)
}

// Manager owns the ledger adapter and the DO client and drives runs for
// this domain. One Manager per FM process.
type Manager struct {
	ledger LedgerClient
	do     DomainClient
	domain config.DomainConfig
	csvDir string
	logger *slog.Logger

	pollEvery time.Duration
	waitFor   time.Duration
}

// NewManager wires a run driver for this domain.
func NewManager(adapter *ledger.Adapter, do *OrchestratorClient, domain config.DomainConfig, csvDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger:    adapterClient{adapter},
		do:        do,
		domain:    domain,
		csvDir:    csvDir,
		logger:    logger,
		pollEvery: pollInterval,
		waitFor:   waitBound,
	}
}

// RunResult is the outcome of one federation run.
type RunResult struct {
	Status     string      `json:"status"` // success, not_selected
	ServiceID  string      `json:"service_id,omitempty"`
	ServiceIDs []string    `json:"service_ids,omitempty"` // batched provider wins
	Steps      [][2]string `json:"steps"`
	CSVPath    string      `json:"csv_path,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

func (m *Manager) csvPath(kind, runTag string) string {
	if m.csvDir == "" {
		return ""
	}
	return filepath.Join(m.csvDir, kind+"-"+runTag+".csv")
}

var packetLossRe = regexp.MustCompile(`(\d+(?:\.\d+)?)% packet loss`)

// parsePacketLoss extracts the loss percentage from ping output.
func parsePacketLoss(output string) (float64, bool) {
	match := packetLossRe.FindStringSubmatch(output)
	if match == nil {
		return 0, false
	}
	loss, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return loss, true
}
