package federation

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/ledger"
)

func bid(addr byte, price uint64, index uint64) ledger.Bid {
	return ledger.Bid{
		Provider: common.BytesToAddress([]byte{addr}),
		Price:    new(big.Int).SetUint64(price),
		Index:    index,
	}
}

func TestChooseBid_CheapestWins(t *testing.T) {
	bids := []ledger.Bid{
		bid(1, 30, 0),
		bid(2, 10, 1),
		bid(3, 20, 2),
	}
	winner, ok := chooseBid(bids, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(1), winner.Index)
	assert.Equal(t, uint64(10), winner.Price.Uint64())
}

func TestChooseBid_TieBrokenByLowestIndex(t *testing.T) {
	bids := []ledger.Bid{
		bid(1, 10, 2),
		bid(2, 10, 0),
		bid(3, 10, 1),
	}
	winner, ok := chooseBid(bids, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(0), winner.Index)
}

func TestChooseBid_ThresholdFiltersBids(t *testing.T) {
	threshold := uint64(15)
	bids := []ledger.Bid{
		bid(1, 10, 0),
		bid(2, 5, 1), // cheapest overall
		bid(3, 30, 2),
	}
	winner, ok := chooseBid(bids, &threshold)
	require.True(t, ok)
	assert.Equal(t, uint64(1), winner.Index)

	tight := uint64(1)
	_, ok = chooseBid(bids, &tight)
	assert.False(t, ok)
}

func TestChooseBid_Empty(t *testing.T) {
	_, ok := chooseBid(nil, nil)
	assert.False(t, ok)
}

func TestCollectBids_CountsOnlyMatchingService(t *testing.T) {
	sid := ledger.ServiceID("service1700000001-operator-a")
	other := ledger.ServiceID("service1700000002-operator-b")

	stream := &fakeStream{batches: [][]ledger.Event{
		{
			{Name: ledger.EventNewBid, ServiceID: other, BidIndex: 0},
			{Name: ledger.EventNewBid, ServiceID: sid, BidIndex: 0},
		},
		{{Name: ledger.EventNewBid, ServiceID: sid, BidIndex: 1}},
	}}
	m := newTestManager(&fakeLedger{}, &fakeDomain{})
	rec := NewRecorder()

	err := m.collectBids(context.Background(), sid, stream, ConsumerParams{OffersToWait: 2}, rec)
	require.NoError(t, err)

	labels := stepLabels(rec)
	assert.Equal(t, []string{"bid_received_0", "bid_received_1", "required_bids_received"}, labels)
}

func TestCollectBids_ThresholdSkipsExpensiveBids(t *testing.T) {
	sid := ledger.ServiceID("service1700000001-operator-a")
	threshold := uint64(15)

	stream := &fakeStream{batches: [][]ledger.Event{
		{{Name: ledger.EventNewBid, ServiceID: sid, BidIndex: 0}},
		{{Name: ledger.EventNewBid, ServiceID: sid, BidIndex: 1}},
	}}
	l := &fakeLedger{
		getBidFn: func(_ context.Context, _ ledger.ServiceID, index uint64) (ledger.Bid, error) {
			if index == 0 {
				return bid(1, 30, 0), nil
			}
			return bid(2, 10, 1), nil
		},
	}
	m := newTestManager(l, &fakeDomain{})
	rec := NewRecorder()

	err := m.collectBids(context.Background(), sid, stream, ConsumerParams{OffersToWait: 1, PriceThreshold: &threshold}, rec)
	require.NoError(t, err)

	// the expensive bid is observed but only the qualifying one counts
	labels := stepLabels(rec)
	assert.Contains(t, labels, "bid_received_0")
	assert.Contains(t, labels, "bid_received_1")
	assert.Contains(t, labels, "required_bids_received")
}

func TestCollectBids_Timeout(t *testing.T) {
	sid := ledger.ServiceID("service1700000001-operator-a")
	m := newTestManager(&fakeLedger{}, &fakeDomain{})
	m.waitFor = 20 * time.Millisecond

	err := m.collectBids(context.Background(), sid, &fakeStream{}, ConsumerParams{OffersToWait: 1}, NewRecorder())
	assert.ErrorIs(t, err, ErrNotEnoughBids)

	threshold := uint64(15)
	err = m.collectBids(context.Background(), sid, &fakeStream{}, ConsumerParams{OffersToWait: 1, PriceThreshold: &threshold}, NewRecorder())
	assert.ErrorIs(t, err, ErrNoQualifyingBid)
}

func TestRunConsumer_EndToEnd(t *testing.T) {
	sid := ledger.ServiceID("service1700000001-operator-a")

	var announcedEndpoint string
	var chosenIndex uint64
	l := &fakeLedger{
		announceFn: func(_ context.Context, _, _, consumerEndpoint string) (common.Hash, ledger.ServiceID, EventStream, error) {
			announcedEndpoint = consumerEndpoint
			stream := &fakeStream{batches: [][]ledger.Event{
				{{Name: ledger.EventNewBid, ServiceID: sid, BidIndex: 0}},
			}}
			return common.Hash{}, sid, stream, nil
		},
		getBidsFn: func(context.Context, ledger.ServiceID) ([]ledger.Bid, error) {
			return []ledger.Bid{bid(1, 10, 0)}, nil
		},
		chooseProviderFn: func(_ context.Context, _ ledger.ServiceID, bidIndex uint64) (common.Hash, error) {
			chosenIndex = bidIndex
			return common.Hash{}, nil
		},
		serviceStateFn: func(context.Context, ledger.ServiceID) (ledger.ServiceState, error) {
			return ledger.StateDeployed, nil
		},
		serviceInfoFn: func(_ context.Context, _ ledger.ServiceID, asProvider bool) (ledger.ServiceInfo, error) {
			assert.False(t, asProvider)
			return ledger.ServiceInfo{
				PeerEndpoint:  "ip_address=10.5.99.7;vxlan_id=None;vxlan_port=None;federation_net=None",
				FederatedHost: "10.70.7.2",
			}, nil
		},
	}

	var vxlanReq ConfigureVxlanRequest
	var attachedContainer, attachedNetwork string
	do := &fakeDomain{
		configureVxlanFn: func(_ context.Context, req ConfigureVxlanRequest) error {
			vxlanReq = req
			return nil
		},
		attachFn: func(_ context.Context, containerName, networkName string) error {
			attachedContainer, attachedNetwork = containerName, networkName
			return nil
		},
		execFn: func(_ context.Context, _, command string) (ExecResult, error) {
			assert.Equal(t, "ping -c 6 -i 0.2 10.70.7.2", command)
			return ExecResult{Stdout: "6 packets transmitted, 6 received, 0% packet loss"}, nil
		},
	}
	m := newTestManager(l, do)

	result, err := m.RunConsumer(context.Background(), ConsumerParams{Requirements: "service=mec;replicas=1", OffersToWait: 1})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, sid.String(), result.ServiceID)

	// this domain's derived tunnel parameters travel inside the announcement
	assert.Equal(t, "ip_address=10.5.99.2;vxlan_id=205;vxlan_port=6005;federation_net=10.70.0.0/16", announcedEndpoint)
	assert.Equal(t, uint64(0), chosenIndex)

	assert.Equal(t, "10.5.99.7", vxlanReq.RemoteIP)
	assert.Equal(t, uint32(205), vxlanReq.VxlanID)
	assert.Equal(t, uint16(6005), vxlanReq.DstPort)
	assert.Equal(t, "10.70.0.0/16", vxlanReq.Subnet)
	assert.Equal(t, "10.70.5.0/24", vxlanReq.IPRange)
	assert.Equal(t, "fed-net-5", vxlanReq.DockerNetName)
	assert.Equal(t, "mec-app", attachedContainer)
	assert.Equal(t, "fed-net-5", attachedNetwork)

	labels := make([]string, 0, len(result.Steps))
	for _, s := range result.Steps {
		labels = append(labels, s[0])
	}
	assert.Equal(t, []string{
		"service_announced",
		"bid_received_0",
		"required_bids_received",
		"winner_choosen",
		"confirm_deployment_received",
		"establish_vxlan_connection_with_provider_start",
		"establish_vxlan_connection_with_provider_finished",
		"connection_test_success",
	}, labels)
}

func TestParsePacketLoss(t *testing.T) {
	out := `PING 10.70.1.5 (10.70.1.5): 56 data bytes
64 bytes from 10.70.1.5: seq=0 ttl=64 time=0.512 ms

--- 10.70.1.5 ping statistics ---
6 packets transmitted, 6 packets received, 0% packet loss
round-trip min/avg/max = 0.412/0.497/0.512 ms
`
	loss, ok := parsePacketLoss(out)
	require.True(t, ok)
	assert.Zero(t, loss)

	loss, ok = parsePacketLoss("6 packets transmitted, 0 received, 100% packet loss, time 5080ms")
	require.True(t, ok)
	assert.Equal(t, 100.0, loss)

	loss, ok = parsePacketLoss("6 packets transmitted, 5 received, 16.6667% packet loss")
	require.True(t, ok)
	assert.InDelta(t, 16.6667, loss, 0.001)

	_, ok = parsePacketLoss("ping: bad address 'nope'")
	assert.False(t, ok)
}
