package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event is a decoded federation contract log entry. Only the fields the
// named event carries are populated.
type Event struct {
	Name         EventName
	ServiceID    ServiceID
	Requirements string
	BidIndex     uint64
	Operator     common.Address
	OperatorName string
	BlockNumber  uint64
	TxHash       common.Hash
}

// Subscription polls the node for contract logs matching a set of events.
// It is backed by plain log filters rather than a push subscription, so it
// survives node restarts: every poll is a fresh range query and a missed
// poll is recovered by the next one.
type Subscription struct {
	adapter *Adapter
	names   map[EventName]struct{}
	topics  [][]common.Hash

	mu         sync.Mutex
	startBlock uint64
	nextBlock  uint64
}

// Subscribe creates a subscription over one or more event streams, anchored
// lookback blocks behind the current head so events emitted immediately
// before the call are still visible.
func (a *Adapter) Subscribe(ctx context.Context, names ...EventName) (*Subscription, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("ledger: subscribe needs at least one event")
	}

	head, err := a.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	start := uint64(0)
	if head > a.lookback {
		start = head - a.lookback
	}

	nameSet := make(map[EventName]struct{}, len(names))
	topic0 := make([]common.Hash, 0, len(names))
	for _, name := range names {
		ev, ok := contractABI().Events[string(name)]
		if !ok {
			return nil, fmt.Errorf("ledger: unknown event %q", name)
		}
		nameSet[name] = struct{}{}
		topic0 = append(topic0, ev.ID)
	}

	return &Subscription{
		adapter:    a,
		names:      nameSet,
		topics:     [][]common.Hash{topic0},
		startBlock: start,
		nextBlock:  start,
	}, nil
}

// GetAllEntries returns every matching event from the subscription's anchor
// block to the current head. The poll cursor advances past the head, so a
// following GetNewEntries only reports events after this call.
func (s *Subscription) GetAllEntries(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poll(ctx, s.startBlock)
}

// GetNewEntries returns matching events mined since the previous poll.
func (s *Subscription) GetNewEntries(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poll(ctx, s.nextBlock)
}

func (s *Subscription) poll(ctx context.Context, from uint64) ([]Event, error) {
	head, err := s.adapter.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll events: %w", err)
	}
	if head < from {
		return nil, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{s.adapter.contract},
		Topics:    s.topics,
	}

	var logs []types.Log
	err = withRetry(ctx, func() error {
		var filterErr error
		logs, filterErr = s.adapter.client.FilterLogs(ctx, query)
		return filterErr
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		ev, ok, err := decodeLog(lg)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, wanted := s.names[ev.Name]; !wanted {
			continue
		}
		events = append(events, ev)
	}

	s.nextBlock = head + 1
	return events, nil
}

// decodeLog turns a raw contract log into an Event. Logs with an unknown
// topic are skipped rather than treated as errors so contract upgrades that
// add events do not break older adapters.
func decodeLog(lg types.Log) (Event, bool, error) {
	if len(lg.Topics) == 0 {
		return Event{}, false, nil
	}

	parsed := contractABI()
	abiEvent, err := parsed.EventByID(lg.Topics[0])
	if err != nil {
		return Event{}, false, nil
	}

	out, err := parsed.Unpack(abiEvent.Name, lg.Data)
	if err != nil {
		return Event{}, false, fmt.Errorf("decode %s log: %w", abiEvent.Name, err)
	}

	ev := Event{
		Name:        EventName(abiEvent.Name),
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
	}

	switch ev.Name {
	case EventServiceAnnouncement:
		id, ok := out[0].([32]byte)
		if !ok {
			return Event{}, false, fmt.Errorf("decode %s: unexpected id type %T", abiEvent.Name, out[0])
		}
		reqs, ok := out[1].(string)
		if !ok {
			return Event{}, false, fmt.Errorf("decode %s: unexpected requirements type %T", abiEvent.Name, out[1])
		}
		ev.ServiceID = ServiceID(fromBytes32(id))
		ev.Requirements = reqs

	case EventNewBid:
		id, ok := out[0].([32]byte)
		if !ok {
			return Event{}, false, fmt.Errorf("decode %s: unexpected id type %T", abiEvent.Name, out[0])
		}
		index, ok := out[1].(*big.Int)
		if !ok {
			return Event{}, false, fmt.Errorf("decode %s: unexpected index type %T", abiEvent.Name, out[1])
		}
		ev.ServiceID = ServiceID(fromBytes32(id))
		ev.BidIndex = index.Uint64()

	case EventServiceAnnouncementClosed:
		id, ok := out[0].([32]byte)
		if !ok {
			return Event{}, false, fmt.Errorf("decode %s: unexpected id type %T", abiEvent.Name, out[0])
		}
		ev.ServiceID = ServiceID(fromBytes32(id))

	case EventOperatorRegistered:
		operator, ok := out[0].(common.Address)
		if !ok {
			return Event{}, false, fmt.Errorf("decode %s: unexpected operator type %T", abiEvent.Name, out[0])
		}
		name, ok := out[1].([32]byte)
		if !ok {
			return Event{}, false, fmt.Errorf("decode %s: unexpected name type %T", abiEvent.Name, out[1])
		}
		ev.Operator = operator
		ev.OperatorName = fromBytes32(name)

	default:
		return Event{}, false, nil
	}

	return ev, true, nil
}
