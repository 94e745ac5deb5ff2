package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// OrchestratorClient is the FM-side client for the Domain Orchestrator's
// HTTP surface. The FM never touches docker or netlink directly.
type OrchestratorClient struct {
	baseURL        string
	http           *http.Client
	requestTimeout time.Duration
	deployTimeout  time.Duration
}

// NewOrchestratorClient builds a client. requestTimeout bounds every call
// except deployments, which wait out the DO's image pull and container
// startup under deployTimeout.
func NewOrchestratorClient(baseURL string, requestTimeout, deployTimeout time.Duration) *OrchestratorClient {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	if deployTimeout <= 0 {
		deployTimeout = 120 * time.Second
	}
	return &OrchestratorClient{
		baseURL:        baseURL,
		http:           &http.Client{},
		requestTimeout: requestTimeout,
		deployTimeout:  deployTimeout,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

type doEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (c *OrchestratorClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := withTimeout(ctx, c.requestTimeout)
	defer cancel()
	return c.doRaw(ctx, method, path, body, out)
}

func (c *OrchestratorClient) doRaw(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env doEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("orchestrator %s %s: decode response: %w", method, path, err)
	}
	if resp.StatusCode >= 400 || !env.Success {
		return fmt.Errorf("orchestrator %s %s: %s (status %d)", method, path, env.Message, resp.StatusCode)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("orchestrator %s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// DeployServiceRequest mirrors the DO deployment contract.
type DeployServiceRequest struct {
	Image         string   `json:"image"`
	Name          string   `json:"name"`
	Network       string   `json:"network"`
	Replicas      int      `json:"replicas"`
	ContainerPort int      `json:"container_port,omitempty"`
	HostPortStart int      `json:"host_port_start,omitempty"`
	Env           []string `json:"env,omitempty"`
}

// DeployService starts containers on the DO host and returns name -> ip.
func (c *OrchestratorClient) DeployService(ctx context.Context, req DeployServiceRequest) (map[string]string, error) {
	ctx, cancel := withTimeout(ctx, c.deployTimeout)
	defer cancel()

	var data struct {
		ContainerIPs map[string]string `json:"container_ips"`
	}
	if err := c.doRaw(ctx, http.MethodPost, "/deploy_docker_service", req, &data); err != nil {
		return nil, err
	}
	return data.ContainerIPs, nil
}

// DeleteService removes containers by name prefix.
func (c *OrchestratorClient) DeleteService(ctx context.Context, prefix string) (int, error) {
	var data struct {
		Removed int `json:"removed"`
	}
	path := "/delete_docker_service?name=" + url.QueryEscape(prefix)
	if err := c.do(ctx, http.MethodDelete, path, nil, &data); err != nil {
		return 0, err
	}
	return data.Removed, nil
}

// ConfigureVxlanRequest mirrors the DO overlay contract.
type ConfigureVxlanRequest struct {
	LocalIP       string `json:"local_ip"`
	RemoteIP      string `json:"remote_ip"`
	Interface     string `json:"interface"`
	VxlanID       uint32 `json:"vxlan_id"`
	DstPort       uint16 `json:"dst_port"`
	Subnet        string `json:"subnet"`
	IPRange       string `json:"ip_range,omitempty"`
	DockerNetName string `json:"docker_net_name"`
}

// ConfigureVxlan stitches this host into a federated overlay.
func (c *OrchestratorClient) ConfigureVxlan(ctx context.Context, req ConfigureVxlanRequest) error {
	return c.do(ctx, http.MethodPost, "/configure_vxlan", req, nil)
}

// DeleteVxlan tears an overlay attachment down.
func (c *OrchestratorClient) DeleteVxlan(ctx context.Context, vxlanID uint32, dockerNetName string) error {
	path := fmt.Sprintf("/delete_vxlan?vxlan_id=%d&docker_net_name=%s", vxlanID, url.QueryEscape(dockerNetName))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// AttachToNetwork connects an existing container to a network.
func (c *OrchestratorClient) AttachToNetwork(ctx context.Context, containerName, networkName string) error {
	body := map[string]string{
		"container_name": containerName,
		"network_name":   networkName,
	}
	return c.do(ctx, http.MethodPost, "/attach_to_network", body, nil)
}

// ExecResult carries an in-container command's outcome.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs a shell command inside a container on the DO host.
func (c *OrchestratorClient) Exec(ctx context.Context, containerName, command string) (ExecResult, error) {
	body := map[string]string{
		"container_name": containerName,
		"command":        command,
	}
	var out ExecResult
	if err := c.do(ctx, http.MethodPost, "/exec", body, &out); err != nil {
		return ExecResult{}, err
	}
	return out, nil
}

// ServiceIPs returns container name -> ip for a name prefix.
func (c *OrchestratorClient) ServiceIPs(ctx context.Context, prefix string) (map[string]string, error) {
	var data struct {
		ContainerIPs map[string]string `json:"container_ips"`
	}
	path := "/service_ips?name=" + url.QueryEscape(prefix)
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return data.ContainerIPs, nil
}

// Cleanup best-effort removes containers, networks and links by prefix.
func (c *OrchestratorClient) Cleanup(ctx context.Context, containerPrefix, networkPrefix, vxlanPrefix string) error {
	path := fmt.Sprintf("/cleanup?containers=%s&networks=%s&vxlan=%s",
		url.QueryEscape(containerPrefix), url.QueryEscape(networkPrefix), url.QueryEscape(vxlanPrefix))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
