package ledger

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EventName identifies one of the federation contract's logical event streams.
type EventName string

const (
	// EventServiceAnnouncement fires when a consumer opens a request.
	EventServiceAnnouncement EventName = "ServiceAnnouncement"
	// EventNewBid fires when a provider places a bid.
	EventNewBid EventName = "NewBid"
	// EventServiceAnnouncementClosed fires when the consumer chooses a winner.
	EventServiceAnnouncementClosed EventName = "ServiceAnnouncementClosed"
	// EventOperatorRegistered fires when a domain registers its display name.
	EventOperatorRegistered EventName = "OperatorRegistered"
)

// federationABI is the interface of the federation smart contract. The
// contract itself is out of scope; the adapter treats it as an opaque state
// store with event notifications.
const federationABI = `[
  {"type":"function","name":"addOperator","stateMutability":"nonpayable","inputs":[{"name":"name","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"removeOperator","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"announceService","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"requirements","type":"string"},{"name":"endpoint","type":"string"}],"outputs":[]},
  {"type":"function","name":"getServiceState","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"state","type":"uint8"}]},
  {"type":"function","name":"getBidCount","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"count","type":"uint256"}]},
  {"type":"function","name":"getBid","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"},{"name":"index","type":"uint256"}],"outputs":[{"name":"provider","type":"address"},{"name":"price","type":"uint256"},{"name":"bidIndex","type":"uint256"}]},
  {"type":"function","name":"placeBid","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"price","type":"uint256"},{"name":"endpoint","type":"string"}],"outputs":[]},
  {"type":"function","name":"chooseProvider","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"bidIndex","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"isWinner","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"},{"name":"provider","type":"address"}],"outputs":[{"name":"winner","type":"bool"}]},
  {"type":"function","name":"serviceDeployed","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"federatedHost","type":"string"}],"outputs":[]},
  {"type":"function","name":"getServiceInfo","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"},{"name":"asProvider","type":"bool"},{"name":"caller","type":"address"}],"outputs":[{"name":"endpoint","type":"string"},{"name":"federatedHost","type":"string"}]},
  {"type":"event","name":"OperatorRegistered","anonymous":false,"inputs":[{"name":"operator","type":"address","indexed":false},{"name":"name","type":"bytes32","indexed":false}]},
  {"type":"event","name":"ServiceAnnouncement","anonymous":false,"inputs":[{"name":"id","type":"bytes32","indexed":false},{"name":"requirements","type":"string","indexed":false}]},
  {"type":"event","name":"NewBid","anonymous":false,"inputs":[{"name":"id","type":"bytes32","indexed":false},{"name":"bidIndex","type":"uint256","indexed":false}]},
  {"type":"event","name":"ServiceAnnouncementClosed","anonymous":false,"inputs":[{"name":"id","type":"bytes32","indexed":false}]}
]`

var (
	parsedABI     abi.ABI
	parsedABIOnce sync.Once
)

// contractABI returns the parsed federation contract ABI.
func contractABI() abi.ABI {
	parsedABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(federationABI))
		if err != nil {
			panic("ledger: invalid embedded contract ABI: " + err.Error())
		}
		parsedABI = parsed
	})
	return parsedABI
}
