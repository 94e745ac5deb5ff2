package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/config"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/federation"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/ledger"
	apperrors "github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/errors"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/response"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/runid"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/repository"
)

// LedgerAPI is the subset of the ledger adapter the FM handlers use for
// thin pass-through operations.
type LedgerAPI interface {
	AnnounceService(ctx context.Context, domain, requirements, consumerEndpoint string) (common.Hash, ledger.ServiceID, *ledger.Subscription, error)
	PlaceBid(ctx context.Context, id ledger.ServiceID, price uint64, providerEndpoint string) (common.Hash, error)
	ChooseProvider(ctx context.Context, id ledger.ServiceID, bidIndex uint64) (common.Hash, error)
	GetServiceState(ctx context.Context, id ledger.ServiceID) (ledger.ServiceState, error)
	ServiceDeployed(ctx context.Context, id ledger.ServiceID, federatedHost string) (common.Hash, error)
}

// RunDriver drives full federation runs.
type RunDriver interface {
	RunConsumer(ctx context.Context, params federation.ConsumerParams) (*federation.RunResult, error)
	RunProvider(ctx context.Context, params federation.ProviderParams) (*federation.RunResult, error)
	RunProviderBatch(ctx context.Context, params federation.ProviderParams) (*federation.RunResult, error)
}

// RunStore persists completed runs; nil disables persistence.
type RunStore interface {
	SaveRun(ctx context.Context, run repository.Run, steps [][2]string) error
	List(ctx context.Context, limit int) ([]repository.Run, error)
	Get(ctx context.Context, id string) (repository.Run, error)
}

// FMHandler serves the Federation Manager HTTP surface.
type FMHandler struct {
	ledger   LedgerAPI
	runs     RunDriver
	store    RunStore
	domain   config.DomainConfig
	validate *validator.Validate
	logger   *slog.Logger
}

// NewFMHandler builds the FM handler. store may be nil.
func NewFMHandler(ledgerAPI LedgerAPI, runs RunDriver, store RunStore, domain config.DomainConfig, logger *slog.Logger) *FMHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FMHandler{
		ledger:   ledgerAPI,
		runs:     runs,
		store:    store,
		domain:   domain,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes mounts the FM endpoints.
func (h *FMHandler) Routes(r chi.Router) {
	r.Post("/announce_service", h.AnnounceService)
	r.Post("/place_bid", h.PlaceBid)
	r.Post("/choose_provider", h.ChooseProvider)
	r.Get("/service_state/{id}", h.ServiceState)
	r.Post("/service_deployed", h.ServiceDeployed)

	r.Post("/start_experiments_consumer", h.StartConsumer)
	r.Post("/start_experiments_consumer_multiple_requests", h.StartConsumer)
	r.Post("/start_experiments_provider", h.StartProvider)
	r.Post("/start_experiments_provider_multiple_requests", h.StartProviderBatch)

	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{id}", h.GetRun)
}

func (h *FMHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
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

func (h *FMHandler) requireRole(w http.ResponseWriter, role config.Role) bool {
	if h.domain.Role != role {
		response.WrongRole(w)
		return false
	}
	return true
}

// ledgerError maps adapter failures onto the API error taxonomy, keeping
// revert reasons verbatim.
func ledgerError(w http.ResponseWriter, err error) {
	var revert *ledger.RevertError
	if errors.As(err, &revert) {
		response.Error(w, apperrors.NewLedgerError(revert.Reason))
		return
	}
	response.Error(w, apperrors.ErrLedger.WithMessage(err.Error()))
}

// runError maps run driver failures onto the API error taxonomy.
func runError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, federation.ErrNotEnoughBids):
		response.Error(w, apperrors.ErrProtocolTimeout.WithMessage("not enough bids received before the deadline"))
	case errors.Is(err, federation.ErrNoQualifyingBid):
		response.Error(w, apperrors.ErrProtocolTimeout.WithMessage("no qualifying bid received before the deadline"))
	case errors.Is(err, federation.ErrDeployTimeout):
		response.Error(w, apperrors.NewTimeoutError("provider deployment confirmation"))
	case errors.Is(err, federation.ErrNoAnnouncement):
		response.Error(w, apperrors.NewTimeoutError("a matching service announcement"))
	case errors.Is(err, federation.ErrCloseTimeout):
		response.Error(w, apperrors.NewTimeoutError("service announcement close"))
	default:
		ledgerError(w, err)
	}
}

// AnnounceService opens a request on the ledger without driving a full run.
func (h *FMHandler) AnnounceService(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, config.RoleConsumer) {
		return
	}
	var req AnnounceServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	ep := consumerEndpoint(h.domain)
	hash, sid, _, err := h.ledger.AnnounceService(r.Context(), h.domain.Name, req.Requirements, ep)
	if err != nil {
		ledgerError(w, err)
		return
	}
	response.Created(w, "service announced", map[string]string{
		"service_id": sid.String(),
		"tx_hash":    hash.Hex(),
	})
}

// PlaceBid submits a single bid without driving a full run.
func (h *FMHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, config.RoleProvider) {
		return
	}
	var req PlaceBidRequest
	if !h.decode(w, r, &req) {
		return
	}

	ep := providerEndpoint(h.domain)
	hash, err := h.ledger.PlaceBid(r.Context(), ledger.ServiceID(req.ServiceID), req.Price, ep)
	if err != nil {
		ledgerError(w, err)
		return
	}
	response.OK(w, "bid placed", map[string]string{"tx_hash": hash.Hex()})
}

// ChooseProvider closes a request on a chosen bid.
func (h *FMHandler) ChooseProvider(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, config.RoleConsumer) {
		return
	}
	var req ChooseProviderRequest
	if !h.decode(w, r, &req) {
		return
	}

	hash, err := h.ledger.ChooseProvider(r.Context(), ledger.ServiceID(req.ServiceID), req.BidIndex)
	if err != nil {
		ledgerError(w, err)
		return
	}
	response.OK(w, "provider chosen", map[string]string{"tx_hash": hash.Hex()})
}

// ServiceState reads the lifecycle state of a request.
func (h *FMHandler) ServiceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		response.BadRequest(w, "service id is required")
		return
	}
	state, err := h.ledger.GetServiceState(r.Context(), ledger.ServiceID(id))
	if err != nil {
		ledgerError(w, err)
		return
	}
	response.OK(w, "service state", map[string]interface{}{
		"service_id": id,
		"state":      state.String(),
	})
}

// ServiceDeployed confirms a deployment on the ledger.
func (h *FMHandler) ServiceDeployed(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, config.RoleProvider) {
		return
	}
	var req ServiceDeployedRequest
	if !h.decode(w, r, &req) {
		return
	}

	hash, err := h.ledger.ServiceDeployed(r.Context(), ledger.ServiceID(req.ServiceID), req.FederatedHost)
	if err != nil {
		ledgerError(w, err)
		return
	}
	response.OK(w, "deployment confirmed", map[string]string{"tx_hash": hash.Hex()})
}

// StartConsumer drives a full consumer run and responds when it completes.
func (h *FMHandler) StartConsumer(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, config.RoleConsumer) {
		return
	}
	var req ConsumerRunRequest
	if !h.decode(w, r, &req) {
		return
	}

	started := time.Now()
	result, err := h.runs.RunConsumer(r.Context(), federation.ConsumerParams{
		Requirements:   req.Requirements,
		OffersToWait:   req.OffersToWait,
		PriceThreshold: req.PriceThreshold,
		ExportCSV:      req.ExportCSV,
	})
	if err != nil {
		runError(w, err)
		return
	}
	h.persistRun(r.Context(), "consumer", started, result)
	response.OK(w, "consumer run completed", result)
}

// StartProvider drives a single-request provider run.
func (h *FMHandler) StartProvider(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, config.RoleProvider) {
		return
	}
	var req ProviderRunRequest
	if !h.decode(w, r, &req) {
		return
	}

	started := time.Now()
	result, err := h.runs.RunProvider(r.Context(), federation.ProviderParams{
		Price:     req.Price,
		Filter:    req.Filter,
		ExportCSV: req.ExportCSV,
	})
	if err != nil {
		runError(w, err)
		return
	}
	h.persistRun(r.Context(), "provider", started, result)
	response.OK(w, "provider run completed", result)
}

// StartProviderBatch drives a batched provider run.
func (h *FMHandler) StartProviderBatch(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, config.RoleProvider) {
		return
	}
	var req ProviderRunRequest
	if !h.decode(w, r, &req) {
		return
	}

	started := time.Now()
	result, err := h.runs.RunProviderBatch(r.Context(), federation.ProviderParams{
		Price:          req.Price,
		Filter:         req.Filter,
		RequestsToWait: req.RequestsToWait,
		ExportCSV:      req.ExportCSV,
	})
	if err != nil {
		runError(w, err)
		return
	}
	h.persistRun(r.Context(), "provider", started, result)
	response.OK(w, "provider run completed", result)
}

// persistRun writes a finished run to the optional store. Failures are
// logged, never surfaced; the ledger is the source of truth.
func (h *FMHandler) persistRun(ctx context.Context, role string, started time.Time, result *federation.RunResult) {
	if h.store == nil {
		return
	}
	finished := time.Now()
	run := repository.Run{
		ID:         runid.New(),
		Role:       role,
		DomainName: h.domain.Name,
		ServiceID:  result.ServiceID,
		Status:     result.Status,
		StartedAt:  started,
		FinishedAt: &finished,
	}
	if err := h.store.SaveRun(ctx, run, result.Steps); err != nil {
		h.logger.Error("persist run failed", slog.String("error", err.Error()))
	}
}

// ListRuns returns recent persisted runs.
func (h *FMHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		response.NotFound(w, "run store")
		return
	}
	runs, err := h.store.List(r.Context(), 100)
	if err != nil {
		response.Error(w, apperrors.ErrInternal.WithMessage(err.Error()))
		return
	}
	response.OK(w, "runs", runs)
}

// GetRun returns one persisted run with its phase steps.
func (h *FMHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		response.NotFound(w, "run store")
		return
	}
	run, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if repository.NotFound(err) {
			response.NotFound(w, "run")
			return
		}
		response.Error(w, apperrors.ErrInternal.WithMessage(err.Error()))
		return
	}
	response.OK(w, "run", run)
}
