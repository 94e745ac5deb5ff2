// Package genesis provides helpers for preparing a clique (proof of
// authority) genesis block for a federation testbed.
package genesis

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// vanityHex is the 32-byte vanity prefix of a clique extraData field.
	vanityHex = "0000000000000000000000000000000000000000000000000000000000000000"
	// sealHex is the 65-byte empty seal suffix.
	sealHex = "00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000" + "00"
)

// ExtraData assembles the clique extraData field for the given initial
// signers: 32 zero bytes of vanity, the concatenated signer addresses, and
// a 65 zero byte seal.
func ExtraData(signers []string) (string, error) {
	if len(signers) == 0 {
		return "", fmt.Errorf("genesis: at least one signer is required")
	}

	var sb strings.Builder
	sb.WriteString("0x")
	sb.WriteString(vanityHex)
	for _, s := range signers {
		if !common.IsHexAddress(s) {
			return "", fmt.Errorf("genesis: %q is not a valid signer address", s)
		}
		addr := common.HexToAddress(s)
		sb.WriteString(strings.ToLower(addr.Hex()[2:]))
	}
	sb.WriteString(sealHex)

	out := sb.String()
	if want := 2 + 64 + 40*len(signers) + 130; len(out) != want {
		return "", fmt.Errorf("genesis: extraData length %d, want %d", len(out), want)
	}
	return out, nil
}

// Checksum normalizes an address to its EIP-55 checksummed form.
func Checksum(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("genesis: %q is not a valid address", address)
	}
	return common.HexToAddress(address).Hex(), nil
}
