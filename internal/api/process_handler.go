package api

import (
	"context"
	"net/http"

	"templatepipe/internal/observability/logging"
	"templatepipe/internal/pipeline"
	"templatepipe/internal/pipelineerrors"
)

// Pinger reports connectivity of an optional durable backend, satisfied
// by the Postgres job ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler aggregates the HTTP endpoints exposed by the templatepipe API
// along with the orchestrator they all eventually call into. Ledger, when
// non-nil, adds a job_ledger component to the health check.
type Handler struct {
	Orchestrator *pipeline.Orchestrator
	Ledger       Pinger
}

// NewHandler wires the API around an already-constructed Orchestrator.
func NewHandler(orchestrator *pipeline.Orchestrator) *Handler {
	return &Handler{Orchestrator: orchestrator}
}

type processRequest struct {
	TemplateCode   string `json:"templateCode"`
	VersionSemver  string `json:"versionSemver"`
	DownloadURL    string `json:"downloadUrl"`
	ChecksumSHA256 string `json:"checksumSha256"`
	RawPath        string `json:"rawPath"`
}

// Process implements POST /pipeline/v2/process. Per the service's
// never-500 contract, every outcome - success, a closed-taxonomy stage
// failure, or a malformed request body - is reported as HTTP 200 with
// ok/error encoding the status. Only a wrong HTTP method is rejected
// before an envelope can be built.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req processRequest
	if err := DecodeJSON(r, &req); err != nil {
		badBody := pipeline.JobResult{
			JobID: pipeline.NewJobID(),
			Ok:    false,
			Error: &pipeline.ErrorInfo{
				Code:      string(pipelineerrors.InternalError),
				Message:   "malformed request body",
				Retryable: pipelineerrors.InternalError.Retryable(),
			},
		}
		logging.SetJobID(r.Context(), badBody.JobID)
		WriteJSON(w, http.StatusOK, badBody)
		return
	}

	result := h.Orchestrator.Process(r.Context(), pipeline.Request{
		TemplateCode:   req.TemplateCode,
		VersionSemver:  req.VersionSemver,
		DownloadURL:    req.DownloadURL,
		ChecksumSHA256: req.ChecksumSHA256,
		RawPath:        req.RawPath,
	})
	logging.SetJobID(r.Context(), result.JobID)

	WriteJSON(w, http.StatusOK, result)
}
