package federation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/endpoint"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/ledger"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/middleware"
)

// ConsumerParams configures one consumer run.
type ConsumerParams struct {
	Requirements string
	OffersToWait int
	// PriceThreshold, when set, hides bids above it from both the quorum
	// count and the selection.
	PriceThreshold *uint64
	ExportCSV      bool
}

// RunConsumer drives a full consumer-side federation: announce, collect
// bids, choose the cheapest provider, wait for deployment, stitch the
// overlay and probe reachability.
func (m *Manager) RunConsumer(ctx context.Context, params ConsumerParams) (*RunResult, error) {
	if params.OffersToWait < 1 {
		params.OffersToWait = 1
	}
	rec := NewRecorder()

	consumerEP := endpoint.New(
		m.domain.IPAddress,
		VxlanID(m.domain.NodeID),
		VxlanPort(m.domain.NodeID),
		m.domain.FederationNet,
	)

	_, sid, bidSub, err := m.ledger.AnnounceService(ctx, m.domain.Name, params.Requirements, consumerEP.Format())
	if err != nil {
		middleware.RecordRun("consumer", "error")
		return nil, fmt.Errorf("announce service: %w", err)
	}
	rec.Record("service_announced")
	m.logger.Info("service announced", slog.String("service_id", sid.String()))

	if err := m.collectBids(ctx, sid, bidSub, params, rec); err != nil {
		middleware.RecordRun("consumer", "error")
		return nil, err
	}

	winner, err := m.selectWinner(ctx, sid, params.PriceThreshold)
	if err != nil {
		middleware.RecordRun("consumer", "error")
		return nil, err
	}
	if _, err := m.ledger.ChooseProvider(ctx, sid, winner.Index); err != nil {
		middleware.RecordRun("consumer", "error")
		return nil, fmt.Errorf("choose provider: %w", err)
	}
	rec.Record("winner_choosen")
	m.logger.Info("winner chosen",
		slog.String("service_id", sid.String()),
		slog.String("provider", winner.Provider.Hex()),
		slog.String("price", winner.Price.String()),
	)

	if err := m.waitDeployed(ctx, sid); err != nil {
		middleware.RecordRun("consumer", "error")
		return nil, err
	}
	rec.Record("confirm_deployment_received")

	if err := m.stitchOverlay(ctx, sid, rec); err != nil {
		middleware.RecordRun("consumer", "error")
		return nil, err
	}

	result := &RunResult{
		Status:     "success",
		ServiceID:  sid.String(),
		Steps:      rec.Steps(),
		DurationMS: rec.Elapsed(),
	}
	if params.ExportCSV {
		path := m.csvPath("consumer", sid.String())
		if path != "" {
			if err := rec.Export(path, sid.String()); err != nil {
				m.logger.Error("telemetry export failed", slog.String("error", err.Error()))
			} else {
				result.CSVPath = path
			}
		}
	}
	middleware.RecordRun("consumer", "success")
	return result, nil
}

// collectBids polls the NewBid filter until the quorum is reached. Bids
// above the price threshold are observed but never counted.
func (m *Manager) collectBids(ctx context.Context, sid ledger.ServiceID, sub EventStream, params ConsumerParams, rec *Recorder) error {
	deadline := time.Now().Add(m.waitFor)
	qualifying := 0
	for {
		events, err := sub.GetNewEntries(ctx)
		if err != nil {
			return fmt.Errorf("poll bids: %w", err)
		}
		for _, ev := range events {
			if ev.ServiceID != sid {
				continue
			}
			rec.Recordf("bid_received_%d", ev.BidIndex)
			middleware.RecordBidObserved()

			if params.PriceThreshold != nil {
				bid, err := m.ledger.GetBid(ctx, sid, ev.BidIndex)
				if err != nil {
					return fmt.Errorf("read bid %d: %w", ev.BidIndex, err)
				}
				if bid.Price.Uint64() > *params.PriceThreshold {
					continue
				}
			}
			qualifying++
		}
		if qualifying >= params.OffersToWait {
			rec.Record("required_bids_received")
			return nil
		}
		if time.Now().After(deadline) {
			if params.PriceThreshold != nil {
				return ErrNoQualifyingBid
			}
			return ErrNotEnoughBids
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// selectWinner reads all bids back and picks the cheapest qualifying one,
// breaking price ties by the lowest bid index.
func (m *Manager) selectWinner(ctx context.Context, sid ledger.ServiceID, threshold *uint64) (ledger.Bid, error) {
	bids, err := m.ledger.GetBids(ctx, sid)
	if err != nil {
		return ledger.Bid{}, fmt.Errorf("read bids: %w", err)
	}
	winner, ok := chooseBid(bids, threshold)
	if !ok {
		return ledger.Bid{}, ErrNoQualifyingBid
	}
	return winner, nil
}

// chooseBid picks the minimum-price bid under the optional threshold,
// breaking ties by lowest index.
func chooseBid(bids []ledger.Bid, threshold *uint64) (ledger.Bid, bool) {
	var best ledger.Bid
	found := false
	for _, bid := range bids {
		if threshold != nil && bid.Price.Uint64() > *threshold {
			continue
		}
		if !found {
			best = bid
			found = true
			continue
		}
		switch bid.Price.Cmp(best.Price) {
		case -1:
			best = bid
		case 0:
			if bid.Index < best.Index {
				best = bid
			}
		}
	}
	return best, found
}

func (m *Manager) waitDeployed(ctx context.Context, sid ledger.ServiceID) error {
	deadline := time.Now().Add(m.waitFor)
	for {
		state, err := m.ledger.GetServiceState(ctx, sid)
		if err != nil {
			return fmt.Errorf("poll service state: %w", err)
		}
		if state == ledger.StateDeployed {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDeployTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// stitchOverlay brings up the consumer side of the VXLAN tunnel, attaches
// the workload container and probes the federated host.
func (m *Manager) stitchOverlay(ctx context.Context, sid ledger.ServiceID, rec *Recorder) error {
	info, err := m.ledger.GetServiceInfo(ctx, sid, false)
	if err != nil {
		return fmt.Errorf("read service info: %w", err)
	}
	providerEP, err := endpoint.Parse(info.PeerEndpoint)
	if err != nil {
		return fmt.Errorf("parse provider endpoint: %w", err)
	}

	subnet, err := DeriveSubnet(m.domain.FederationNet, m.domain.NodeID)
	if err != nil {
		return err
	}

	netName := fmt.Sprintf("fed-net-%d", m.domain.NodeID)
	rec.Record("establish_vxlan_connection_with_provider_start")
	err = m.do.ConfigureVxlan(ctx, ConfigureVxlanRequest{
		LocalIP:       m.domain.IPAddress,
		RemoteIP:      providerEP.IPAddress,
		Interface:     m.domain.Interface,
		VxlanID:       VxlanID(m.domain.NodeID),
		DstPort:       VxlanPort(m.domain.NodeID),
		Subnet:        m.domain.FederationNet,
		IPRange:       subnet,
		DockerNetName: netName,
	})
	if err != nil {
		return fmt.Errorf("configure vxlan: %w", err)
	}
	if err := m.do.AttachToNetwork(ctx, m.domain.WorkloadContainer, netName); err != nil {
		return fmt.Errorf("attach workload: %w", err)
	}
	rec.Record("establish_vxlan_connection_with_provider_finished")

	m.probe(ctx, info.FederatedHost, rec)
	return nil
}

// probe pings the federated host from the workload container. A failed
// probe is recorded but does not fail the run.
func (m *Manager) probe(ctx context.Context, federatedHost string, rec *Recorder) {
	if federatedHost == "" {
		rec.Record("connection_test_failure")
		return
	}
	out, err := m.do.Exec(ctx, m.domain.WorkloadContainer, fmt.Sprintf("ping -c 6 -i 0.2 %s", federatedHost))
	if err != nil {
		m.logger.Error("reachability probe failed", slog.String("error", err.Error()))
		rec.Record("connection_test_failure")
		return
	}
	loss, ok := parsePacketLoss(out.Stdout + out.Stderr)
	if ok && loss < 100 {
		rec.Record("connection_test_success")
		return
	}
	rec.Record("connection_test_failure")
}
