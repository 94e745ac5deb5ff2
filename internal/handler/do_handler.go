package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/orchestrator"
	apperrors "github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/errors"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/response"
)

// OrchestratorAPI is the subset of the orchestrator the DO handlers use.
type OrchestratorAPI interface {
	Deploy(ctx context.Context, req orchestrator.DeployRequest) (map[string]string, error)
	Delete(ctx context.Context, prefix string) (int, error)
	AttachToNetwork(ctx context.Context, containerName, networkName string) error
	Exec(ctx context.Context, containerName, command string) (orchestrator.ExecResult, error)
	ServiceIPs(ctx context.Context, prefix string) (map[string]string, error)
	ConfigureVxlan(ctx context.Context, req orchestrator.VxlanRequest) error
	DeleteVxlan(ctx context.Context, vxlanID uint32, dockerNetName string) error
	CleanupByPrefix(ctx context.Context, containerPrefix, networkPrefix, vxlanPrefix string)
	MonitorStart(ctx context.Context, cfg orchestrator.MonitorConfig) error
	MonitorStop() error
}

// DOHandler serves the Domain Orchestrator HTTP surface.
type DOHandler struct {
	orch     OrchestratorAPI
	validate *validator.Validate
	logger   *slog.Logger
}

// NewDOHandler builds the DO handler.
func NewDOHandler(orch OrchestratorAPI, logger *slog.Logger) *DOHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DOHandler{
		orch:     orch,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes mounts the DO endpoints.
func (h *DOHandler) Routes(r chi.Router) {
	r.Post("/deploy_docker_service", h.DeployService)
	r.Delete("/delete_docker_service", h.DeleteService)
	r.Post("/configure_vxlan", h.ConfigureVxlan)
	r.Delete("/delete_vxlan", h.DeleteVxlan)
	r.Post("/attach_to_network", h.AttachToNetwork)
	r.Post("/exec", h.Exec)
	r.Get("/service_ips", h.ServiceIPs)
	r.Post("/monitor/start", h.MonitorStart)
	r.Post("/monitor/stop", h.MonitorStop)
	r.Delete("/cleanup", h.Cleanup)
}

func (h *DOHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.BadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			response.ValidationError(w, verrs[0].Field(), verrs[0].Error())
		} else {
			response.BadRequest(w, err.Error())
		}
		return false
	}
	return true
}

func orchestrationError(w http.ResponseWriter, err error) {
	response.Error(w, apperrors.ErrOrchestration.WithMessage(err.Error()))
}

// DeployService starts containers and returns their addresses.
func (h *DOHandler) DeployService(w http.ResponseWriter, r *http.Request) {
	var req DeployServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	ips, err := h.orch.Deploy(r.Context(), orchestrator.DeployRequest{
		Image:         req.Image,
		Name:          req.Name,
		Network:       req.Network,
		Replicas:      req.Replicas,
		ContainerPort: req.ContainerPort,
		HostPortStart: req.HostPortStart,
		Env:           req.Env,
	})
	if err != nil {
		orchestrationError(w, err)
		return
	}
	response.Created(w, "service deployed", map[string]interface{}{"container_ips": ips})
}

// DeleteService removes containers by name prefix.
func (h *DOHandler) DeleteService(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("name")
	if prefix == "" {
		response.BadRequest(w, "name query parameter is required")
		return
	}
	removed, err := h.orch.Delete(r.Context(), prefix)
	if err != nil {
		orchestrationError(w, err)
		return
	}
	response.OK(w, "service deleted", map[string]int{"removed": removed})
}

// ConfigureVxlan stitches the host into an overlay.
func (h *DOHandler) ConfigureVxlan(w http.ResponseWriter, r *http.Request) {
	var req ConfigureVxlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.orch.ConfigureVxlan(r.Context(), orchestrator.VxlanRequest{
		LocalIP:       req.LocalIP,
		RemoteIP:      req.RemoteIP,
		Interface:     req.Interface,
		VxlanID:       req.VxlanID,
		DstPort:       req.DstPort,
		Subnet:        req.Subnet,
		IPRange:       req.IPRange,
		DockerNetName: req.DockerNetName,
	})
	if err != nil {
		orchestrationError(w, err)
		return
	}
	response.OK(w, "vxlan configured", nil)
}

// DeleteVxlan tears down an overlay attachment. Absent resources succeed.
func (h *DOHandler) DeleteVxlan(w http.ResponseWriter, r *http.Request) {
	idRaw := r.URL.Query().Get("vxlan_id")
	id, err := strconv.ParseUint(idRaw, 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(w, "vxlan_id query parameter must be a positive integer")
		return
	}
	netName := r.URL.Query().Get("docker_net_name")

	if err := h.orch.DeleteVxlan(r.Context(), uint32(id), netName); err != nil {
		orchestrationError(w, err)
		return
	}
	response.OK(w, "vxlan deleted", nil)
}

// AttachToNetwork connects a container to a network.
func (h *DOHandler) AttachToNetwork(w http.ResponseWriter, r *http.Request) {
	var req AttachToNetworkRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.orch.AttachToNetwork(r.Context(), req.ContainerName, req.NetworkName); err != nil {
		if isNotFoundMessage(err) {
			response.Error(w, apperrors.NewNotFoundError(err.Error()))
			return
		}
		orchestrationError(w, err)
		return
	}
	response.OK(w, "container attached", nil)
}

// Exec runs a shell command inside a container.
func (h *DOHandler) Exec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.orch.Exec(r.Context(), req.ContainerName, req.Command)
	if err != nil {
		if isNotFoundMessage(err) {
			response.Error(w, apperrors.NewNotFoundError(err.Error()))
			return
		}
		orchestrationError(w, err)
		return
	}
	response.OK(w, "command executed", result)
}

// ServiceIPs maps container names to addresses for a name prefix.
func (h *DOHandler) ServiceIPs(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("name")
	if prefix == "" {
		response.BadRequest(w, "name query parameter is required")
		return
	}
	ips, err := h.orch.ServiceIPs(r.Context(), prefix)
	if err != nil {
		orchestrationError(w, err)
		return
	}
	response.OK(w, "service ips", map[string]interface{}{"container_ips": ips})
}

// MonitorStart begins resource sampling; only one monitor runs at a time.
func (h *DOHandler) MonitorStart(w http.ResponseWriter, r *http.Request) {
	var req MonitorStartRequest
	if !h.decode(w, r, &req) {
		return
	}

	cfg := orchestrator.MonitorConfig{
		Container: req.Container,
		Interval:  time.Duration(req.IntervalS * float64(time.Second)),
		CSVPath:   req.CSVPath,
		Stdout:    req.Stdout,
	}
	if err := h.orch.MonitorStart(r.Context(), cfg); err != nil {
		if errors.Is(err, orchestrator.ErrMonitorRunning) {
			response.Error(w, apperrors.ErrMonitorRunning)
			return
		}
		orchestrationError(w, err)
		return
	}
	response.OK(w, "monitor started", nil)
}

// MonitorStop halts the running monitor.
func (h *DOHandler) MonitorStop(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.MonitorStop(); err != nil {
		if errors.Is(err, orchestrator.ErrMonitorNotRunning) {
			response.Error(w, apperrors.NewNotFoundError("running monitor"))
			return
		}
		orchestrationError(w, err)
		return
	}
	response.OK(w, "monitor stopped", nil)
}

// Cleanup best-effort removes resources by prefix; used as the garbage
// collection primitive between runs.
func (h *DOHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	containers := q.Get("containers")
	networks := q.Get("networks")
	vxlan := q.Get("vxlan")
	if containers == "" && networks == "" && vxlan == "" {
		response.BadRequest(w, "at least one of containers, networks, vxlan is required")
		return
	}
	h.orch.CleanupByPrefix(r.Context(), containers, networks, vxlan)
	response.OK(w, "cleanup completed", nil)
}

func isNotFoundMessage(err error) bool {
	return err != nil && strings.HasSuffix(err.Error(), "not found")
}
