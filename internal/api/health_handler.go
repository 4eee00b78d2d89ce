package api

import (
	"context"
	"net/http"
	"os"

	"templatepipe/internal/observability/metrics"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK

	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 3)
	components = append(components, recordComponent("resolver_cache", h.checkCacheRoot()))
	components = append(components, recordComponent("output_store", h.checkOutputRoot()))
	if h.Ledger != nil {
		components = append(components, recordComponent("job_ledger", h.Ledger.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

func (h *Handler) checkCacheRoot() error {
	if h.Orchestrator == nil || h.Orchestrator.Resolver == nil {
		return nil
	}
	_, err := os.Stat(h.Orchestrator.Resolver.CacheRoot())
	return err
}

func (h *Handler) checkOutputRoot() error {
	if h.Orchestrator == nil || h.Orchestrator.Store == nil {
		return nil
	}
	_, err := os.Stat(h.Orchestrator.Store.OutputRoot())
	return err
}

// Health implements GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overallStatus, statusCode := h.componentHealth(r.Context())
	payload := map[string]interface{}{
		"status":     overallStatus,
		"components": components,
		"activeJobs": metrics.Default().ActiveJobs(),
	}
	WriteJSON(w, statusCode, payload)
}
