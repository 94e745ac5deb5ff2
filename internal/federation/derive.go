package federation

import (
	"fmt"
	"net"
)

// Per-host overlay parameters are derived from the testbed node id, keeping
// tunnel ids and ports collision-free across hosts.
const (
	vxlanIDBase   = 200
	vxlanPortBase = 6000
)

// VxlanID returns the VXLAN network identifier for a node.
func VxlanID(nodeID int) uint32 {
	return uint32(vxlanIDBase + nodeID)
}

// VxlanPort returns the VXLAN UDP destination port for a node.
func VxlanPort(nodeID int) uint16 {
	return uint16(vxlanPortBase + nodeID)
}

// DeriveSubnet carves a /24 out of a consumer's federation /16 by placing
// the node id in the third octet.
func DeriveSubnet(federationNet string, nodeID int) (string, error) {
	ip, ipNet, err := net.ParseCIDR(federationNet)
	if err != nil {
		return "", fmt.Errorf("parse federation net %q: %w", federationNet, err)
	}
	ones, _ := ipNet.Mask.Size()
	if ones > 16 {
		return "", fmt.Errorf("federation net %q narrower than /16", federationNet)
	}
	if nodeID < 0 || nodeID > 255 {
		return "", fmt.Errorf("node id %d out of range for a /24 octet", nodeID)
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("federation net %q is not IPv4", federationNet)
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], nodeID), nil
}
