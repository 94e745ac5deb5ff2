// Package endpoint implements the federation endpoint wire format exchanged
// between consumer and provider domains through the ledger.
//
// The payload is a bit-exact ASCII string of four k=v fields:
//
//	ip_address=<IPv4>;vxlan_id=<u24|None>;vxlan_port=<u16|None>;federation_net=<CIDR|None>
//
// The VXLAN fields may carry the literal "None" on provider-side
// announcements; the provider then adopts the consumer's parameters.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// none is the literal used for absent optional fields.
const none = "None"

// maxVxlanID is the largest valid VXLAN network identifier (24 bits).
const maxVxlanID = 1<<24 - 1

// Endpoint is a parsed federation endpoint.
type Endpoint struct {
	IPAddress     string
	VxlanID       *uint32 // nil means "None"
	VxlanPort     *uint16 // nil means "None"
	FederationNet string  // empty means "None"
}

// New builds an endpoint with all fields present.
func New(ip string, vxlanID uint32, vxlanPort uint16, federationNet string) Endpoint {
	return Endpoint{
		IPAddress:     ip,
		VxlanID:       &vxlanID,
		VxlanPort:     &vxlanPort,
		FederationNet: federationNet,
	}
}

// NewProvider builds a provider-side endpoint that adopts the consumer's
// VXLAN parameters (all optional fields absent).
func NewProvider(ip string) Endpoint {
	return Endpoint{IPAddress: ip}
}

// Format serializes the endpoint into its canonical wire form.
func (e Endpoint) Format() string {
	vxlanID := none
	if e.VxlanID != nil {
		vxlanID = strconv.FormatUint(uint64(*e.VxlanID), 10)
	}
	vxlanPort := none
	if e.VxlanPort != nil {
		vxlanPort = strconv.FormatUint(uint64(*e.VxlanPort), 10)
	}
	fedNet := e.FederationNet
	if fedNet == "" {
		fedNet = none
	}
	return fmt.Sprintf("ip_address=%s;vxlan_id=%s;vxlan_port=%s;federation_net=%s",
		e.IPAddress, vxlanID, vxlanPort, fedNet)
}

// Parse decodes a wire-format endpoint string. Field order is significant.
func Parse(s string) (Endpoint, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 4 {
		return Endpoint{}, fmt.Errorf("endpoint: expected 4 fields, got %d in %q", len(parts), s)
	}

	var e Endpoint

	ip, err := fieldValue(parts[0], "ip_address")
	if err != nil {
		return Endpoint{}, err
	}
	if net.ParseIP(ip) == nil || strings.Contains(ip, ":") {
		return Endpoint{}, fmt.Errorf("endpoint: invalid IPv4 address %q", ip)
	}
	e.IPAddress = ip

	rawID, err := fieldValue(parts[1], "vxlan_id")
	if err != nil {
		return Endpoint{}, err
	}
	if rawID != none {
		id, err := strconv.ParseUint(rawID, 10, 32)
		if err != nil || id < 1 || id > maxVxlanID {
			return Endpoint{}, fmt.Errorf("endpoint: vxlan_id %q out of range [1, %d]", rawID, maxVxlanID)
		}
		v := uint32(id)
		e.VxlanID = &v
	}

	rawPort, err := fieldValue(parts[2], "vxlan_port")
	if err != nil {
		return Endpoint{}, err
	}
	if rawPort != none {
		port, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || port < 1 {
			return Endpoint{}, fmt.Errorf("endpoint: vxlan_port %q out of range [1, 65535]", rawPort)
		}
		p := uint16(port)
		e.VxlanPort = &p
	}

	rawNet, err := fieldValue(parts[3], "federation_net")
	if err != nil {
		return Endpoint{}, err
	}
	if rawNet != none {
		if _, _, err := net.ParseCIDR(rawNet); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint: invalid federation_net %q: %w", rawNet, err)
		}
		e.FederationNet = rawNet
	}

	return e, nil
}

func fieldValue(part, key string) (string, error) {
	k, v, ok := strings.Cut(part, "=")
	if !ok || k != key {
		return "", fmt.Errorf("endpoint: expected field %q, got %q", key, part)
	}
	return v, nil
}
