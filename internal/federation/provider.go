package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/endpoint"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/ledger"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/middleware"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/runid"
)

// ProviderParams configures one provider run.
type ProviderParams struct {
	Price uint64
	// Filter, when set, restricts participation to announcements whose
	// requirements string equals it.
	Filter string
	// RequestsToWait is how many distinct announcements a batched run
	// collects before bidding. Single-request mode uses 1.
	RequestsToWait int
	ExportCSV      bool
}

// RunProvider drives a single-request provider run: bid on the first
// matching announcement, wait for the close, deploy on win.
func (m *Manager) RunProvider(ctx context.Context, params ProviderParams) (*RunResult, error) {
	rec := NewRecorder()

	sid, err := m.firstOpenAnnouncement(ctx, params, rec)
	if err != nil {
		middleware.RecordRun("provider", "error")
		return nil, err
	}

	won, err := m.bidAndAwaitClose(ctx, sid, params.Price, rec)
	if err != nil {
		middleware.RecordRun("provider", "error")
		return nil, err
	}

	if !won {
		rec.Record("other_provider_choosen")
		return m.finishProvider(rec, "not_selected", sid.String(), nil, params.ExportCSV)
	}

	rec.Record("winner_received")
	if err := m.deployWin(ctx, sid, 1, rec, ""); err != nil {
		middleware.RecordRun("provider", "error")
		return nil, err
	}
	return m.finishProvider(rec, "success", sid.String(), []string{sid.String()}, params.ExportCSV)
}

// firstOpenAnnouncement waits for the first still-open announcement that
// matches the requirements filter.
func (m *Manager) firstOpenAnnouncement(ctx context.Context, params ProviderParams, rec *Recorder) (ledger.ServiceID, error) {
	sub, err := m.ledger.Subscribe(ctx, ledger.EventServiceAnnouncement)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(m.waitFor)
	seen := make(map[ledger.ServiceID]struct{})
	first := true
	for {
		var events []ledger.Event
		if first {
			events, err = sub.GetAllEntries(ctx)
			first = false
		} else {
			events, err = sub.GetNewEntries(ctx)
		}
		if err != nil {
			return "", fmt.Errorf("poll announcements: %w", err)
		}
		for _, ev := range events {
			if _, dup := seen[ev.ServiceID]; dup {
				continue
			}
			seen[ev.ServiceID] = struct{}{}
			if params.Filter != "" && ev.Requirements != params.Filter {
				continue
			}
			state, err := m.ledger.GetServiceState(ctx, ev.ServiceID)
			if err != nil {
				return "", fmt.Errorf("check announcement state: %w", err)
			}
			if state != ledger.StateOpen {
				continue
			}
			rec.Record("announce_received")
			m.logger.Info("announcement received", slog.String("service_id", ev.ServiceID.String()))
			return ev.ServiceID, nil
		}
		if time.Now().After(deadline) {
			return "", ErrNoAnnouncement
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// bidAndAwaitClose places a bid and waits for the request to close,
// reporting whether this domain won.
func (m *Manager) bidAndAwaitClose(ctx context.Context, sid ledger.ServiceID, price uint64, rec *Recorder) (bool, error) {
	closedSub, err := m.ledger.Subscribe(ctx, ledger.EventServiceAnnouncementClosed)
	if err != nil {
		return false, err
	}

	providerEP := endpoint.NewProvider(m.domain.IPAddress)
	if _, err := m.ledger.PlaceBid(ctx, sid, price, providerEP.Format()); err != nil {
		return false, fmt.Errorf("place bid: %w", err)
	}
	rec.Record("bid_offer_sent")

	if err := m.awaitClosed(ctx, sid, closedSub); err != nil {
		return false, err
	}
	won, err := m.ledger.IsWinner(ctx, sid)
	if err != nil {
		return false, fmt.Errorf("check winner: %w", err)
	}
	return won, nil
}

// awaitClosed waits for a single request to leave the Open state. Close is
// detected through the event filter and through direct state polling; the
// filter alone can miss logs emitted right after its start block.
func (m *Manager) awaitClosed(ctx context.Context, sid ledger.ServiceID, closedSub EventStream) error {
	deadline := time.Now().Add(m.waitFor)
	for {
		events, err := closedSub.GetNewEntries(ctx)
		if err != nil {
			return fmt.Errorf("poll close events: %w", err)
		}
		for _, ev := range events {
			if ev.ServiceID == sid {
				return nil
			}
		}
		state, err := m.ledger.GetServiceState(ctx, sid)
		if err != nil {
			return fmt.Errorf("poll service state: %w", err)
		}
		if state >= ledger.StateClosed {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrCloseTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// deployWin sets up the provider side of the overlay for a won request,
// deploys the workload and confirms on the ledger. labelSuffix
// distinguishes per-service telemetry rows in batched runs.
func (m *Manager) deployWin(ctx context.Context, sid ledger.ServiceID, k int, rec *Recorder, labelSuffix string) error {
	info, err := m.ledger.GetServiceInfo(ctx, sid, true)
	if err != nil {
		return fmt.Errorf("read service info: %w", err)
	}
	consumerEP, err := endpoint.Parse(info.PeerEndpoint)
	if err != nil {
		return fmt.Errorf("parse consumer endpoint: %w", err)
	}
	if consumerEP.VxlanID == nil || consumerEP.VxlanPort == nil || consumerEP.FederationNet == "" {
		return fmt.Errorf("consumer endpoint %q lacks vxlan parameters", info.PeerEndpoint)
	}

	subnet, err := DeriveSubnet(consumerEP.FederationNet, m.domain.NodeID)
	if err != nil {
		return err
	}

	containerName := fmt.Sprintf("mecapp-%d", k)
	netName := fmt.Sprintf("fed-net-%d", k)
	rec.Record("deployment_start" + labelSuffix)

	err = m.do.ConfigureVxlan(ctx, ConfigureVxlanRequest{
		LocalIP:       m.domain.IPAddress,
		RemoteIP:      consumerEP.IPAddress,
		Interface:     m.domain.Interface,
		VxlanID:       *consumerEP.VxlanID,
		DstPort:       *consumerEP.VxlanPort,
		Subnet:        consumerEP.FederationNet,
		IPRange:       subnet,
		DockerNetName: netName,
	})
	if err != nil {
		return fmt.Errorf("configure vxlan: %w", err)
	}

	ips, err := m.do.DeployService(ctx, DeployServiceRequest{
		Image:         m.domain.WorkloadImage,
		Name:          containerName,
		Network:       netName,
		Replicas:      1,
		ContainerPort: 5000,
		HostPortStart: 5000 + k,
	})
	if err != nil {
		return fmt.Errorf("deploy workload: %w", err)
	}
	rec.Record("deployment_finished" + labelSuffix)
	middleware.RecordDeployment()

	federatedHost := ""
	for _, ip := range ips {
		federatedHost = ip
		break
	}
	if _, err := m.ledger.ServiceDeployed(ctx, sid, federatedHost); err != nil {
		return fmt.Errorf("confirm deployment: %w", err)
	}
	rec.Record("confirm_deployment_sent" + labelSuffix)
	m.logger.Info("deployment confirmed",
		slog.String("service_id", sid.String()),
		slog.String("federated_host", federatedHost),
	)
	return nil
}

// RunProviderBatch drives the batched provider mode: collect a batch of
// announcements, fan bids out, detect closes on both paths, and deploy
// every win concurrently.
func (m *Manager) RunProviderBatch(ctx context.Context, params ProviderParams) (*RunResult, error) {
	if params.RequestsToWait < 1 {
		params.RequestsToWait = 1
	}
	rec := NewRecorder()
	runTag := runid.New()

	candidates, err := m.collectAnnouncements(ctx, params, rec)
	if err != nil {
		middleware.RecordRun("provider", "error")
		return nil, err
	}

	closedSub, err := m.ledger.Subscribe(ctx, ledger.EventServiceAnnouncementClosed)
	if err != nil {
		middleware.RecordRun("provider", "error")
		return nil, err
	}

	outstanding, err := m.bidFanOut(ctx, candidates, params.Price, rec)
	if err != nil {
		middleware.RecordRun("provider", "error")
		return nil, err
	}

	closed, err := m.awaitAllClosed(ctx, outstanding, closedSub)
	if err != nil {
		middleware.RecordRun("provider", "error")
		return nil, err
	}

	winners := make([]ledger.ServiceID, 0, len(closed))
	for _, sid := range closed {
		won, err := m.ledger.IsWinner(ctx, sid)
		if err != nil {
			middleware.RecordRun("provider", "error")
			return nil, fmt.Errorf("check winner for %s: %w", sid, err)
		}
		if won {
			winners = append(winners, sid)
		} else {
			rec.Recordf("other_provider_choosen_%s", sid)
		}
	}

	if len(winners) == 0 {
		rec.Record("no_wins")
		return m.finishProvider(rec, "not_selected", runTag, nil, params.ExportCSV)
	}

	if err := m.deployWinners(ctx, winners, rec); err != nil {
		middleware.RecordRun("provider", "error")
		return nil, err
	}

	ids := make([]string, len(winners))
	for i, sid := range winners {
		ids[i] = sid.String()
	}
	return m.finishProvider(rec, "success", runTag, ids, params.ExportCSV)
}

// collectAnnouncements gathers RequestsToWait distinct matching
// announcements, de-duplicated by service id.
func (m *Manager) collectAnnouncements(ctx context.Context, params ProviderParams, rec *Recorder) ([]ledger.ServiceID, error) {
	sub, err := m.ledger.Subscribe(ctx, ledger.EventServiceAnnouncement)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(m.waitFor)
	seen := make(map[ledger.ServiceID]struct{})
	var candidates []ledger.ServiceID
	first := true
	for {
		var events []ledger.Event
		if first {
			events, err = sub.GetAllEntries(ctx)
			first = false
		} else {
			events, err = sub.GetNewEntries(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("poll announcements: %w", err)
		}
		for _, ev := range events {
			if _, dup := seen[ev.ServiceID]; dup {
				continue
			}
			seen[ev.ServiceID] = struct{}{}
			if params.Filter != "" && ev.Requirements != params.Filter {
				continue
			}
			candidates = append(candidates, ev.ServiceID)
			rec.Recordf("announce_received_%s", ev.ServiceID)
			if len(candidates) == params.RequestsToWait {
				return candidates, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrNoAnnouncement
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// bidFanOut submits bids serially (each needs a nonce bump). Requests that
// closed in the meantime are dropped from the batch; any other revert is
// fatal.
func (m *Manager) bidFanOut(ctx context.Context, candidates []ledger.ServiceID, price uint64, rec *Recorder) ([]ledger.ServiceID, error) {
	providerEP := endpoint.NewProvider(m.domain.IPAddress).Format()
	outstanding := make([]ledger.ServiceID, 0, len(candidates))
	for _, sid := range candidates {
		state, err := m.ledger.GetServiceState(ctx, sid)
		if err != nil {
			return nil, fmt.Errorf("check state of %s: %w", sid, err)
		}
		if state != ledger.StateOpen {
			rec.Recordf("service_not_open_%s", sid)
			continue
		}
		if _, err := m.ledger.PlaceBid(ctx, sid, price, providerEP); err != nil {
			if errors.Is(err, ledger.ErrServiceNotOpen) {
				rec.Recordf("service_not_open_%s", sid)
				continue
			}
			return nil, fmt.Errorf("place bid on %s: %w", sid, err)
		}
		rec.Recordf("bid_offer_sent_%s", sid)
		outstanding = append(outstanding, sid)
	}
	return outstanding, nil
}

// awaitAllClosed waits until every outstanding request has left the Open
// state, using both the event filter and direct polling.
func (m *Manager) awaitAllClosed(ctx context.Context, outstanding []ledger.ServiceID, closedSub EventStream) ([]ledger.ServiceID, error) {
	pending := make(map[ledger.ServiceID]struct{}, len(outstanding))
	for _, sid := range outstanding {
		pending[sid] = struct{}{}
	}
	closed := make([]ledger.ServiceID, 0, len(outstanding))
	markClosed := func(sid ledger.ServiceID) {
		if _, ok := pending[sid]; ok {
			delete(pending, sid)
			closed = append(closed, sid)
		}
	}

	deadline := time.Now().Add(m.waitFor)
	for len(pending) > 0 {
		events, err := closedSub.GetNewEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("poll close events: %w", err)
		}
		for _, ev := range events {
			markClosed(ev.ServiceID)
		}
		for sid := range pending {
			state, err := m.ledger.GetServiceState(ctx, sid)
			if err != nil {
				return nil, fmt.Errorf("poll state of %s: %w", sid, err)
			}
			if state >= ledger.StateClosed {
				markClosed(sid)
			}
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrCloseTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
	return closed, nil
}

// deployWinners runs one deployment per won request concurrently, each with
// its own name, network and host port slot.
func (m *Manager) deployWinners(ctx context.Context, winners []ledger.ServiceID, rec *Recorder) error {
	var wg sync.WaitGroup
	errs := make([]error, len(winners))
	for i, sid := range winners {
		wg.Add(1)
		go func(k int, sid ledger.ServiceID) {
			defer wg.Done()
			suffix := "_" + sid.String()
			errs[k-1] = m.deployWin(ctx, sid, k, rec, suffix)
		}(i+1, sid)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) finishProvider(rec *Recorder, status, runTag string, winnerIDs []string, exportCSV bool) (*RunResult, error) {
	result := &RunResult{
		Status:     status,
		ServiceIDs: winnerIDs,
		Steps:      rec.Steps(),
		DurationMS: rec.Elapsed(),
	}
	if len(winnerIDs) == 1 {
		result.ServiceID = winnerIDs[0]
	}
	if exportCSV {
		path := m.csvPath("provider", runTag)
		if path != "" {
			finalID := ""
			if len(winnerIDs) > 0 {
				finalID = winnerIDs[0]
			}
			if err := rec.Export(path, finalID); err != nil {
				m.logger.Error("telemetry export failed", slog.String("error", err.Error()))
			} else {
				result.CSVPath = path
			}
		}
	}
	if status == "success" {
		middleware.RecordRun("provider", "success")
	} else {
		middleware.RecordRun("provider", "not_selected")
	}
	return result, nil
}
