package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loom-labs/loom-go/internal/cache"
	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/platform/auth"
	"github.com/loom-labs/loom-go/internal/repo"
	"github.com/loom-labs/loom-go/internal/service/batch"
	"github.com/loom-labs/loom-go/internal/service/functions"
	"github.com/loom-labs/loom-go/internal/session"
)

const (
	maxUploadBytes = 64 << 20

	// maxRegisterCores bounds the per-agent core count an agent may claim
	// at registration; anything larger is a malformed report.
	maxRegisterCores = 1024
)

type dispatcherAPI struct {
	logger *slog.Logger

	orchestrator *batch.Orchestrator
	functions    *functions.Service
	catalog      *cache.FunctionInfo
	sources      repo.SourceCodeRepository
	protocol     *session.Protocol
	reconciler   *session.Reconciler

	agentSecret  string
	agentMaxSkew time.Duration
}

func newDispatcherAPI(
	logger *slog.Logger,
	orchestrator *batch.Orchestrator,
	functionSvc *functions.Service,
	catalog *cache.FunctionInfo,
	sources repo.SourceCodeRepository,
	protocol *session.Protocol,
	reconciler *session.Reconciler,
	agentSecret string,
) *dispatcherAPI {
	return &dispatcherAPI{
		logger:       logger,
		orchestrator: orchestrator,
		functions:    functionSvc,
		catalog:      catalog,
		sources:      sources,
		protocol:     protocol,
		reconciler:   reconciler,
		agentSecret:  strings.TrimSpace(agentSecret),
		agentMaxSkew: 5 * time.Minute,
	}
}

func (api *dispatcherAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /source-codes", api.handleCreateSourceCode)
	mux.HandleFunc("GET /source-codes", api.handleListSourceCodes)

	mux.HandleFunc("POST /batches", api.handleCreateBatch)
	mux.HandleFunc("GET /batches/{batch_id}/status", api.handleBatchStatus)
	mux.HandleFunc("POST /batches/{batch_id}:start", api.handleStartBatch)
	mux.HandleFunc("POST /batches/{batch_id}:finish", api.handleFinishBatch)
	mux.HandleFunc("DELETE /batches/{batch_id}", api.handleDeleteBatch)

	mux.HandleFunc("POST /functions", api.handleUploadFunction)
	mux.HandleFunc("GET /functions", api.handleListFunctions)
	mux.HandleFunc("DELETE /functions/{code}", api.handleRemoveFunction)

	mux.Handle("POST /processors", api.agentOnly(api.handleRegisterProcessor))
	mux.Handle("POST /processors/{processor_id}/heartbeat", api.agentOnly(api.handleHeartbeat))
}

// agentOnly guards the processor-facing routes with the shared-secret
// signature headers worker agents attach to every call.
func (api *dispatcherAPI) agentOnly(h http.HandlerFunc) http.Handler {
	return auth.AgentMiddleware(api.agentSecret, api.agentMaxSkew, h)
}

type sourceCodeView struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Revision  int       `json:"revision"`
	CompanyID string    `json:"company_id"`
	Valid     bool      `json:"valid"`
	Archived  bool      `json:"archived"`
	Processes int       `json:"processes"`
	CreatedAt time.Time `json:"created_at"`
}

func newSourceCodeView(sc domain.SourceCode) sourceCodeView {
	return sourceCodeView{
		ID:        sc.ID,
		UID:       sc.UID,
		Revision:  sc.Revision,
		CompanyID: sc.CompanyID,
		Valid:     sc.Valid,
		Archived:  sc.Archived,
		Processes: len(sc.Processes),
		CreatedAt: sc.CreatedAt,
	}
}

// handleCreateSourceCode registers a pipeline template. The body is the
// declarative YAML definition, not JSON.
func (api *dispatcherAPI) handleCreateSourceCode(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	def, err := domain.ParseSourceCodeDefinition(raw)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_definition")
		return
	}
	sc, err := api.sources.Create(r.Context(), def.ToSourceCode())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, newSourceCodeView(sc))
}

func (api *dispatcherAPI) handleListSourceCodes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}
	list, err := api.sources.List(r.Context(), r.URL.Query().Get("company_id"), limit)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	views := make([]sourceCodeView, 0, len(list))
	for _, sc := range list {
		views = append(views, newSourceCodeView(sc))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"source_codes": views})
}

type createBatchRequest struct {
	SourceCodeID string          `json:"source_code_id"`
	AccountID    string          `json:"account_id"`
	CompanyID    string          `json:"company_id"`
	UploadBase64 string          `json:"upload_base64"`
	Inputs       domain.Metadata `json:"inputs,omitempty"`
}

type batchView struct {
	ID            string    `json:"id"`
	SourceCodeID  string    `json:"source_code_id"`
	ExecContextID string    `json:"exec_context_id,omitempty"`
	State         string    `json:"state"`
	Deleted       bool      `json:"deleted"`
	CreatedAt     time.Time `json:"created_at"`
}

func newBatchView(b domain.Batch) batchView {
	return batchView{
		ID:            b.ID,
		SourceCodeID:  b.SourceCodeID,
		ExecContextID: b.ExecContextID,
		State:         string(b.State),
		Deleted:       b.Deleted,
		CreatedAt:     b.CreatedAt,
	}
}

func (api *dispatcherAPI) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeJSONLimit(r, &req, maxUploadBytes); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	upload, err := base64.StdEncoding.DecodeString(req.UploadBase64)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_upload_encoding")
		return
	}
	b, err := api.orchestrator.CreateBatch(r.Context(), batch.CreateRequest{
		SourceCodeID: req.SourceCodeID,
		AccountID:    req.AccountID,
		CompanyID:    req.CompanyID,
		Upload:       upload,
		Inputs:       req.Inputs,
	})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, newBatchView(b))
}

func (api *dispatcherAPI) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	report, err := api.orchestrator.Status(r.Context(), r.PathValue("batch_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": report.BatchID,
		"state":    string(report.State),
		"ok":       report.OK,
		"text":     report.Text,
		"params":   report.Params,
	})
}

func (api *dispatcherAPI) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	if err := api.orchestrator.StartProcessing(r.Context(), r.PathValue("batch_id")); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *dispatcherAPI) handleFinishBatch(w http.ResponseWriter, r *http.Request) {
	if err := api.orchestrator.Finish(r.Context(), r.PathValue("batch_id")); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *dispatcherAPI) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	mode, err := batch.ParseDeleteMode(r.URL.Query().Get("mode"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_delete_mode")
		return
	}
	if err := api.orchestrator.Delete(r.Context(), r.PathValue("batch_id"), mode); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type uploadFunctionRequest struct {
	Code          string            `json:"code"`
	Type          string            `json:"type"`
	Sourcing      string            `json:"sourcing"`
	GitRepoURL    string            `json:"git_repo_url,omitempty"`
	GitRef        string            `json:"git_ref,omitempty"`
	Checksums     map[string]string `json:"checksums"`
	Trusted       bool              `json:"trusted"`
	PayloadBase64 string            `json:"payload_base64,omitempty"`
}

type functionView struct {
	Code      string    `json:"code"`
	Type      string    `json:"type"`
	Sourcing  string    `json:"sourcing"`
	Trusted   bool      `json:"trusted"`
	CreatedAt time.Time `json:"created_at"`
}

func (api *dispatcherAPI) handleUploadFunction(w http.ResponseWriter, r *http.Request) {
	var req uploadFunctionRequest
	if err := decodeJSONLimit(r, &req, maxUploadBytes); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	var payload []byte
	if req.PayloadBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_payload_encoding")
			return
		}
		payload = decoded
	}
	fn, err := api.functions.Upload(r.Context(), functions.UploadRequest{
		Code:       req.Code,
		Type:       req.Type,
		Sourcing:   domain.FunctionSourcing(req.Sourcing),
		GitRepoURL: req.GitRepoURL,
		GitRef:     req.GitRef,
		Checksums:  req.Checksums,
		Trusted:    req.Trusted,
		Payload:    payload,
	})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.catalog.Invalidate()
	api.writeJSON(w, http.StatusCreated, functionView{
		Code:      fn.Code,
		Type:      fn.Type,
		Sourcing:  string(fn.Sourcing),
		Trusted:   fn.Trusted,
		CreatedAt: fn.CreatedAt,
	})
}

// handleListFunctions serves the registered-function catalog agents sync
// against. Reads go through the single-flight cache, not the repository.
func (api *dispatcherAPI) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	byCode, err := api.catalog.Get(r.Context())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	views := make([]functionView, 0, len(byCode))
	for _, fn := range byCode {
		views = append(views, functionView{
			Code:      fn.Code,
			Type:      fn.Type,
			Sourcing:  string(fn.Sourcing),
			Trusted:   fn.Trusted,
			CreatedAt: fn.CreatedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"functions": views})
}

func (api *dispatcherAPI) handleRemoveFunction(w http.ResponseWriter, r *http.Request) {
	if err := api.functions.Remove(r.Context(), r.PathValue("code")); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

type environmentPayload struct {
	Disks []struct {
		Path      string `json:"path"`
		TotalByte int64  `json:"total_byte"`
		FreeByte  int64  `json:"free_byte"`
	} `json:"disks,omitempty"`
	QuotaByte int64    `json:"quota_byte,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

func (p environmentPayload) toDomain() domain.ProcessorEnvironment {
	env := domain.ProcessorEnvironment{
		QuotaByte: p.QuotaByte,
		Tags:      p.Tags,
	}
	for _, d := range p.Disks {
		env.Disks = append(env.Disks, domain.DiskInfo{
			Path:      d.Path,
			TotalByte: d.TotalByte,
			FreeByte:  d.FreeByte,
		})
	}
	return env
}

type registerProcessorRequest struct {
	CoreCount   int                `json:"core_count"`
	Environment environmentPayload `json:"environment"`
}

func (api *dispatcherAPI) handleRegisterProcessor(w http.ResponseWriter, r *http.Request) {
	var req registerProcessorRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.CoreCount < 0 || req.CoreCount > maxRegisterCores {
		api.writeError(w, r, http.StatusBadRequest, "invalid_core_count")
		return
	}
	proc, err := api.protocol.Register(r.Context(), req.Environment.toDomain(), req.CoreCount, time.Now().UTC())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"processor_id": proc.ID,
		"session_id":   proc.SessionID,
		"cores":        len(proc.Cores),
	})
}

type heartbeatRequest struct {
	SessionID       string             `json:"session_id"`
	Environment     environmentPayload `json:"environment"`
	InFlightTaskIDs []string           `json:"in_flight_task_ids,omitempty"`
}

// handleHeartbeat answers the agent's periodic check-in and reconciles its
// reported in-flight work against recorded assignments in the same call.
func (api *dispatcherAPI) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	now := time.Now().UTC()
	processorID := r.PathValue("processor_id")
	result, err := api.protocol.Heartbeat(r.Context(), processorID, req.SessionID, req.Environment.toDomain(), now)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	revoked, err := api.reconciler.ReconcileProcessor(r.Context(), result.ProcessorID, req.InFlightTaskIDs, now)
	if err != nil {
		api.logger.Warn("heartbeat reconciliation failed",
			"processor_id", result.ProcessorID, "error", err)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"processor_id":  result.ProcessorID,
		"session_id":    result.SessionID,
		"decision":      string(result.Decision),
		"revoked_tasks": revoked,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	return decodeJSONLimit(r, dst, 1<<20)
}

func decodeJSONLimit(r *http.Request, dst any, limit int64) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *dispatcherAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *dispatcherAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

// writeDomainError maps the coded error taxonomy onto HTTP statuses and
// surfaces the stable code to the caller.
func (api *dispatcherAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	case domain.IsIllegalTransition(err), domain.IsOptimisticConflict(err):
		status = http.StatusConflict
	case domain.IsIntegrityViolation(err), domain.IsCapacityExceeded(err):
		status = http.StatusUnprocessableEntity
	case domain.IsExternalIO(err):
		status = http.StatusBadGateway
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repo.ErrConflict):
		status = http.StatusConflict
	}
	code := "internal"
	var coded *domain.CodedError
	if errors.As(err, &coded) {
		code = coded.Code
	}
	if status == http.StatusInternalServerError {
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	api.writeError(w, r, status, code)
}
