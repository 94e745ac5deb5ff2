package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/vishvananda/netlink"
)

// VxlanRequest describes one overlay attachment: a docker bridge network
// plus a kernel vxlan interface enslaved to its bridge.
type VxlanRequest struct {
	LocalIP       string
	RemoteIP      string
	Interface     string // parent device carrying the vxlan traffic
	VxlanID       uint32
	DstPort       uint16
	Subnet        string
	IPRange       string
	DockerNetName string
}

// ConfigureVxlan wires the host into a federated overlay: it creates (or
// reuses) the docker bridge network, adds a vxlan interface towards the
// remote endpoint, and enslaves it to the network's kernel bridge.
func (o *Orchestrator) ConfigureVxlan(ctx context.Context, req VxlanRequest) error {
	unlock := o.locks.Lock("network:" + req.DockerNetName)
	defer unlock()

	localIP := net.ParseIP(req.LocalIP)
	if localIP == nil {
		return fmt.Errorf("invalid local ip %q", req.LocalIP)
	}
	remoteIP := net.ParseIP(req.RemoteIP)
	if remoteIP == nil {
		return fmt.Errorf("invalid remote ip %q", req.RemoteIP)
	}

	netID, err := o.ensureNetwork(ctx, req.DockerNetName, req.Subnet, req.IPRange)
	if err != nil {
		return err
	}
	bridgeName := "br-" + netID[:12]

	parent, err := netlink.LinkByName(req.Interface)
	if err != nil {
		return fmt.Errorf("parent interface %s: %w", req.Interface, err)
	}

	linkName := fmt.Sprintf("vxlan%d", req.VxlanID)
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("lookup %s: %w", linkName, err)
		}
		vxlan := &netlink.Vxlan{
			LinkAttrs:    netlink.LinkAttrs{Name: linkName},
			VxlanId:      int(req.VxlanID),
			VtepDevIndex: parent.Attrs().Index,
			SrcAddr:      localIP,
			Group:        remoteIP,
			Port:         int(req.DstPort),
		}
		if err := netlink.LinkAdd(vxlan); err != nil {
			return fmt.Errorf("add %s: %w", linkName, err)
		}
		link = vxlan
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", linkName, err)
	}

	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", bridgeName, err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		return fmt.Errorf("enslave %s to %s: %w", linkName, bridgeName, err)
	}

	o.logger.Info("vxlan configured",
		slog.String("link", linkName),
		slog.String("bridge", bridgeName),
		slog.String("network", req.DockerNetName),
		slog.String("remote", req.RemoteIP),
	)
	return nil
}

// ensureNetwork returns the id of the named docker network, creating it
// with the requested subnet and ip range when absent.
func (o *Orchestrator) ensureNetwork(ctx context.Context, name, subnet, ipRange string) (string, error) {
	existing, err := o.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return existing.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect network %s: %w", name, err)
	}

	ipamCfg := network.IPAMConfig{Subnet: subnet}
	if ipRange != "" {
		ipamCfg.IPRange = ipRange
	}
	created, err := o.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM:   &network.IPAM{Config: []network.IPAMConfig{ipamCfg}},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}
	return created.ID, nil
}

// DeleteVxlan tears down an overlay attachment. Absent links and networks
// are not errors, so repeated teardowns succeed.
func (o *Orchestrator) DeleteVxlan(ctx context.Context, vxlanID uint32, dockerNetName string) error {
	unlock := o.locks.Lock("network:" + dockerNetName)
	defer unlock()

	linkName := fmt.Sprintf("vxlan%d", vxlanID)
	link, err := netlink.LinkByName(linkName)
	if err == nil {
		if err := netlink.LinkDel(link); err != nil {
			return fmt.Errorf("delete %s: %w", linkName, err)
		}
	} else {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("lookup %s: %w", linkName, err)
		}
	}

	if dockerNetName != "" {
		if err := o.cli.NetworkRemove(ctx, dockerNetName); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("remove network %s: %w", dockerNetName, err)
		}
	}

	o.logger.Info("vxlan removed", slog.String("link", linkName), slog.String("network", dockerNetName))
	return nil
}

// cleanupVxlanLinks deletes every kernel link whose name starts with prefix.
func (o *Orchestrator) cleanupVxlanLinks(prefix string) {
	links, err := netlink.LinkList()
	if err != nil {
		o.logger.Error("cleanup: list links", slog.String("error", err.Error()))
		return
	}
	for _, link := range links {
		name := link.Attrs().Name
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := netlink.LinkDel(link); err != nil {
			o.logger.Error("cleanup: delete link",
				slog.String("link", name), slog.String("error", err.Error()))
		}
	}
}
