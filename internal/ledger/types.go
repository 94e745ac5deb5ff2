// Package ledger implements the adapter through which the Federation Manager
// touches the blockchain: transaction assembly and signing, nonce management,
// receipt waiting, contract reads, and event log polling.
package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ServiceID identifies a federation service request. IDs are domain-scoped
// and generated by the announcing consumer: service<unix-sec>-<domain>.
type ServiceID string

// NewServiceID generates a fresh service identifier for a domain.
func NewServiceID(domain string) ServiceID {
	return ServiceID(fmt.Sprintf("service%d-%s", time.Now().Unix(), domain))
}

func (s ServiceID) String() string { return string(s) }

// ServiceState is the on-ledger lifecycle state of a service request.
// Transitions are strictly Open -> Closed -> Deployed.
type ServiceState uint8

const (
	// StateOpen means the request accepts bids.
	StateOpen ServiceState = iota
	// StateClosed means a winner has been chosen.
	StateClosed
	// StateDeployed means the winning provider has confirmed deployment.
	StateDeployed
)

func (s ServiceState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateDeployed:
		return "deployed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Bid is one provider offer for a service request.
type Bid struct {
	Provider common.Address
	Price    *big.Int
	Index    uint64
}

// ServiceInfo is the peer endpoint data read back from the ledger.
type ServiceInfo struct {
	PeerEndpoint  string
	FederatedHost string // empty until the request is Deployed
}

// toBytes32 encodes a string as a zero-padded fixed-length field. The ledger
// stores event and call arguments this way.
func toBytes32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) > 32 {
		return out, fmt.Errorf("ledger: string %q exceeds 32 bytes", s)
	}
	copy(out[:], s)
	return out, nil
}

// fromBytes32 decodes a zero-padded field, stripping trailing NUL bytes.
// Zero-stripping happens exactly here, at the adapter boundary.
func fromBytes32(b [32]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}
