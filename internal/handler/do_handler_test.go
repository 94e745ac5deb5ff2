package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/orchestrator"
)

type mockOrchestrator struct {
	deployFn      func(ctx context.Context, req orchestrator.DeployRequest) (map[string]string, error)
	deleteFn      func(ctx context.Context, prefix string) (int, error)
	attachFn      func(ctx context.Context, containerName, networkName string) error
	execFn        func(ctx context.Context, containerName, command string) (orchestrator.ExecResult, error)
	serviceIPsFn  func(ctx context.Context, prefix string) (map[string]string, error)
	configVxlanFn func(ctx context.Context, req orchestrator.VxlanRequest) error
	deleteVxlanFn func(ctx context.Context, vxlanID uint32, netName string) error
	cleanupFn     func(ctx context.Context, c, n, v string)
	monStartFn    func(ctx context.Context, cfg orchestrator.MonitorConfig) error
	monStopFn     func() error
}

func (m *mockOrchestrator) Deploy(ctx context.Context, req orchestrator.DeployRequest) (map[string]string, error) {
	return m.deployFn(ctx, req)
}
func (m *mockOrchestrator) Delete(ctx context.Context, prefix string) (int, error) {
	return m.deleteFn(ctx, prefix)
}
func (m *mockOrchestrator) AttachToNetwork(ctx context.Context, c, n string) error {
	return m.attachFn(ctx, c, n)
}
func (m *mockOrchestrator) Exec(ctx context.Context, c, cmd string) (orchestrator.ExecResult, error) {
	return m.execFn(ctx, c, cmd)
}
func (m *mockOrchestrator) ServiceIPs(ctx context.Context, prefix string) (map[string]string, error) {
	return m.serviceIPsFn(ctx, prefix)
}
func (m *mockOrchestrator) ConfigureVxlan(ctx context.Context, req orchestrator.VxlanRequest) error {
	return m.configVxlanFn(ctx, req)
}
func (m *mockOrchestrator) DeleteVxlan(ctx context.Context, id uint32, netName string) error {
	return m.deleteVxlanFn(ctx, id, netName)
}
func (m *mockOrchestrator) CleanupByPrefix(ctx context.Context, c, n, v string) {
	if m.cleanupFn != nil {
		m.cleanupFn(ctx, c, n, v)
	}
}
func (m *mockOrchestrator) MonitorStart(ctx context.Context, cfg orchestrator.MonitorConfig) error {
	return m.monStartFn(ctx, cfg)
}
func (m *mockOrchestrator) MonitorStop() error {
	return m.monStopFn()
}

func serveDO(h *DOHandler, method, path string, body interface{}) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)

	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestDeployService(t *testing.T) {
	mo := &mockOrchestrator{
		deployFn: func(_ context.Context, req orchestrator.DeployRequest) (map[string]string, error) {
			assert.Equal(t, "mecapp-1", req.Name)
			assert.Equal(t, "fed-net-1", req.Network)
			assert.Equal(t, 1, req.Replicas)
			return map[string]string{"mecapp-1_1": "10.70.2.2"}, nil
		},
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodPost, "/deploy_docker_service", DeployServiceRequest{
		Image:    "mec-app:latest",
		Name:     "mecapp-1",
		Network:  "fed-net-1",
		Replicas: 1,
	})

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Contains(t, rr.Body.String(), "10.70.2.2")
}

func TestDeployService_MissingImage(t *testing.T) {
	h := NewDOHandler(&mockOrchestrator{}, nil)
	rr := serveDO(h, http.MethodPost, "/deploy_docker_service", DeployServiceRequest{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteService(t *testing.T) {
	mo := &mockOrchestrator{
		deleteFn: func(_ context.Context, prefix string) (int, error) {
			assert.Equal(t, "mecapp-1", prefix)
			return 2, nil
		},
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodDelete, "/delete_docker_service?name=mecapp-1", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"removed":2`)
}

func TestDeleteService_MissingName(t *testing.T) {
	h := NewDOHandler(&mockOrchestrator{}, nil)
	rr := serveDO(h, http.MethodDelete, "/delete_docker_service", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConfigureVxlan(t *testing.T) {
	mo := &mockOrchestrator{
		configVxlanFn: func(_ context.Context, req orchestrator.VxlanRequest) error {
			assert.Equal(t, uint32(201), req.VxlanID)
			assert.Equal(t, uint16(6001), req.DstPort)
			return nil
		},
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodPost, "/configure_vxlan", ConfigureVxlanRequest{
		LocalIP:       "10.5.99.2",
		RemoteIP:      "10.5.99.1",
		Interface:     "eth0",
		VxlanID:       201,
		DstPort:       6001,
		Subnet:        "10.70.0.0/16",
		IPRange:       "10.70.2.0/24",
		DockerNetName: "fed-net-1",
	})

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestConfigureVxlan_InvalidIP(t *testing.T) {
	h := NewDOHandler(&mockOrchestrator{}, nil)
	rr := serveDO(h, http.MethodPost, "/configure_vxlan", ConfigureVxlanRequest{
		LocalIP:       "not-an-ip",
		RemoteIP:      "10.5.99.1",
		Interface:     "eth0",
		VxlanID:       201,
		DstPort:       6001,
		Subnet:        "10.70.0.0/16",
		DockerNetName: "fed-net-1",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteVxlan(t *testing.T) {
	mo := &mockOrchestrator{
		deleteVxlanFn: func(_ context.Context, id uint32, netName string) error {
			assert.Equal(t, uint32(201), id)
			assert.Equal(t, "fed-net-1", netName)
			return nil
		},
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodDelete, "/delete_vxlan?vxlan_id=201&docker_net_name=fed-net-1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDeleteVxlan_BadID(t *testing.T) {
	h := NewDOHandler(&mockOrchestrator{}, nil)
	rr := serveDO(h, http.MethodDelete, "/delete_vxlan?vxlan_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExec_ContainerNotFound(t *testing.T) {
	mo := &mockOrchestrator{
		execFn: func(_ context.Context, c, _ string) (orchestrator.ExecResult, error) {
			return orchestrator.ExecResult{}, errors.New("container " + c + " not found")
		},
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodPost, "/exec", ExecRequest{ContainerName: "ghost", Command: "true"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestExec_Success(t *testing.T) {
	mo := &mockOrchestrator{
		execFn: func(_ context.Context, _, cmd string) (orchestrator.ExecResult, error) {
			assert.Equal(t, "ping -c 6 -i 0.2 10.70.2.2", cmd)
			return orchestrator.ExecResult{ExitCode: 0, Stdout: "0% packet loss"}, nil
		},
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodPost, "/exec", ExecRequest{
		ContainerName: "mec-app",
		Command:       "ping -c 6 -i 0.2 10.70.2.2",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "packet loss")
}

func TestMonitorStart_Conflict(t *testing.T) {
	mo := &mockOrchestrator{
		monStartFn: func(_ context.Context, _ orchestrator.MonitorConfig) error {
			return orchestrator.ErrMonitorRunning
		},
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodPost, "/monitor/start", MonitorStartRequest{Container: "mec-app", IntervalS: 1})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestMonitorStop_NotRunning(t *testing.T) {
	mo := &mockOrchestrator{
		monStopFn: func() error { return orchestrator.ErrMonitorNotRunning },
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodPost, "/monitor/stop", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCleanup(t *testing.T) {
	var gotC, gotN, gotV string
	mo := &mockOrchestrator{
		cleanupFn: func(_ context.Context, c, n, v string) { gotC, gotN, gotV = c, n, v },
	}
	h := NewDOHandler(mo, nil)

	rr := serveDO(h, http.MethodDelete, "/cleanup?containers=mecapp-&networks=fed-net-&vxlan=vxlan", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "mecapp-", gotC)
	assert.Equal(t, "fed-net-", gotN)
	assert.Equal(t, "vxlan", gotV)
}

func TestCleanup_NoPrefixes(t *testing.T) {
	h := NewDOHandler(&mockOrchestrator{}, nil)
	rr := serveDO(h, http.MethodDelete, "/cleanup", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
