package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

const (
	runningPollInterval = 500 * time.Millisecond
	runningDeadline     = 60 * time.Second
)

// Orchestrator executes host-local actions against the container runtime
// and the kernel network stack. It holds no state of its own besides the
// single monitor slot; everything else lives in docker and the kernel.
type Orchestrator struct {
	cli    *client.Client
	logger *slog.Logger
	locks  *keyedLocks

	monitor monitorSlot
}

// New connects to the local docker daemon.
func New(logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return &Orchestrator{
		cli:    cli,
		logger: logger,
		locks:  newKeyedLocks(),
	}, nil
}

// Close releases the docker connection and stops a running monitor.
func (o *Orchestrator) Close() error {
	o.MonitorStop()
	return o.cli.Close()
}

// DeployRequest describes one service deployment.
type DeployRequest struct {
	Image    string
	Name     string
	Network  string
	Replicas int
	// ContainerPort and HostPortStart are optional; when ContainerPort is
	// set, replica i binds it to HostPortStart+i-1 on the host.
	ContainerPort int
	HostPortStart int
	Env           []string
}

// Deploy starts Replicas containers named <name>_<i> on the requested
// network and waits for all of them to reach running state. Deployment is
// all-or-nothing: on any failure every started replica is removed.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (map[string]string, error) {
	if req.Replicas < 1 {
		req.Replicas = 1
	}
	opID := uuid.NewString()
	unlock := o.locks.Lock("container:" + req.Name)
	defer unlock()

	if err := o.pullIfAbsent(ctx, req.Image); err != nil {
		return nil, err
	}

	started := make([]string, 0, req.Replicas)
	rollback := func() {
		for _, name := range started {
			if err := o.cli.ContainerRemove(context.Background(), name, container.RemoveOptions{Force: true}); err != nil {
				o.logger.Error("rollback remove failed", slog.String("container", name), slog.String("error", err.Error()))
			}
		}
	}

	for i := 1; i <= req.Replicas; i++ {
		name := fmt.Sprintf("%s_%d", req.Name, i)
		if err := o.startReplica(ctx, req, name, i); err != nil {
			rollback()
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
		started = append(started, name)
	}

	deadline := time.Now().Add(runningDeadline)
	ips := make(map[string]string, len(started))
	for _, name := range started {
		ip, err := o.waitRunning(ctx, name, req.Network, deadline)
		if err != nil {
			rollback()
			return nil, err
		}
		ips[name] = ip
	}

	o.logger.Info("service deployed",
		slog.String("op_id", opID),
		slog.String("name", req.Name),
		slog.Int("replicas", req.Replicas),
		slog.String("network", req.Network),
	)
	return ips, nil
}

func (o *Orchestrator) pullIfAbsent(ctx context.Context, ref string) error {
	_, _, err := o.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	o.logger.Info("pulling image", slog.String("image", ref))
	reader, err := o.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// drain so the pull completes before we create containers
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (o *Orchestrator) startReplica(ctx context.Context, req DeployRequest, name string, index int) error {
	cfg := &container.Config{
		Image: req.Image,
		Env:   req.Env,
	}
	hostCfg := &container.HostConfig{}

	if req.ContainerPort > 0 {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", req.ContainerPort))
		if err != nil {
			return fmt.Errorf("port mapping: %w", err)
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", req.HostPortStart+index-1)}},
		}
	}

	var netCfg *network.NetworkingConfig
	if req.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				req.Network: {},
			},
		}
	}

	resp, err := o.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return err
	}
	return o.cli.ContainerStart(ctx, resp.ID, container.StartOptions{})
}

func (o *Orchestrator) waitRunning(ctx context.Context, name, networkName string, deadline time.Time) (string, error) {
	for {
		info, err := o.cli.ContainerInspect(ctx, name)
		if err != nil {
			return "", fmt.Errorf("inspect %s: %w", name, err)
		}
		if info.State != nil && info.State.Running {
			return containerIP(info, networkName), nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("container %s did not reach running state within %s", name, runningDeadline)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(runningPollInterval):
		}
	}
}

func containerIP(info types.ContainerJSON, networkName string) string {
	if info.NetworkSettings == nil {
		return ""
	}
	if ep, ok := info.NetworkSettings.Networks[networkName]; ok {
		return ep.IPAddress
	}
	for _, ep := range info.NetworkSettings.Networks {
		return ep.IPAddress
	}
	return ""
}

// Delete force-removes every container whose name starts with prefix and
// returns how many were removed.
func (o *Orchestrator) Delete(ctx context.Context, prefix string) (int, error) {
	unlock := o.locks.Lock("container:" + prefix)
	defer unlock()

	containers, err := o.listByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range containers {
		if err := o.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return removed, fmt.Errorf("remove %s: %w", containerName(c), err)
		}
		removed++
	}
	o.logger.Info("containers removed", slog.String("prefix", prefix), slog.Int("count", removed))
	return removed, nil
}

// AttachToNetwork connects a running container to an existing network.
func (o *Orchestrator) AttachToNetwork(ctx context.Context, containerName, networkName string) error {
	unlock := o.locks.Lock("network:" + networkName)
	defer unlock()

	net, err := o.cli.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("network %s not found", networkName)
		}
		return fmt.Errorf("inspect network %s: %w", networkName, err)
	}
	if err := o.cli.NetworkConnect(ctx, net.ID, containerName, &network.EndpointSettings{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s not found", containerName)
		}
		return fmt.Errorf("attach %s to %s: %w", containerName, networkName, err)
	}
	return nil
}

// ExecResult carries the demuxed output of an in-container command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs a shell command inside a container and captures its output.
func (o *Orchestrator) Exec(ctx context.Context, containerName, command string) (ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := o.cli.ContainerExecCreate(ctx, containerName, execCfg)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ExecResult{}, fmt.Errorf("container %s not found", containerName)
		}
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := o.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := o.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ServiceIPs returns container name to IP for every container whose name
// starts with prefix.
func (o *Orchestrator) ServiceIPs(ctx context.Context, prefix string) (map[string]string, error) {
	containers, err := o.listByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	ips := make(map[string]string, len(containers))
	for _, c := range containers {
		name := containerName(c)
		ip := ""
		if c.NetworkSettings != nil {
			for _, ep := range c.NetworkSettings.Networks {
				if ep.IPAddress != "" {
					ip = ep.IPAddress
					break
				}
			}
		}
		ips[name] = ip
	}
	return ips, nil
}

// CleanupByPrefix best-effort removes containers, networks and vxlan links
// matching the given prefixes. Failures are logged per resource and do not
// stop the sweep.
func (o *Orchestrator) CleanupByPrefix(ctx context.Context, containerPrefix, networkPrefix, vxlanPrefix string) {
	if containerPrefix != "" {
		containers, err := o.listByPrefix(ctx, containerPrefix)
		if err != nil {
			o.logger.Error("cleanup: list containers", slog.String("error", err.Error()))
		}
		for _, c := range containers {
			if err := o.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				o.logger.Error("cleanup: remove container",
					slog.String("container", containerName(c)), slog.String("error", err.Error()))
			}
		}
	}

	if vxlanPrefix != "" {
		o.cleanupVxlanLinks(vxlanPrefix)
	}

	if networkPrefix != "" {
		nets, err := o.cli.NetworkList(ctx, network.ListOptions{})
		if err != nil {
			o.logger.Error("cleanup: list networks", slog.String("error", err.Error()))
			return
		}
		for _, n := range nets {
			if !strings.HasPrefix(n.Name, networkPrefix) {
				continue
			}
			if err := o.cli.NetworkRemove(ctx, n.ID); err != nil {
				o.logger.Error("cleanup: remove network",
					slog.String("network", n.Name), slog.String("error", err.Error()))
			}
		}
	}
}

func (o *Orchestrator) listByPrefix(ctx context.Context, prefix string) ([]types.Container, error) {
	args := filters.NewArgs(filters.Arg("name", prefix))
	containers, err := o.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	// the name filter matches substrings; keep true prefixes only
	matched := containers[:0]
	for _, c := range containers {
		if strings.HasPrefix(containerName(c), prefix) {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return c.ID[:12]
	}
	return strings.TrimPrefix(c.Names[0], "/")
}
