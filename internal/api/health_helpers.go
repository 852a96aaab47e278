package api

import (
	"context"
	"fmt"
	"net/http"

	"cinetide/internal/requestqueue"
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

	components := make([]componentStatus, 0, 5)
	if h.Repo != nil {
		components = append(components, recordComponent("datastore", h.Repo.Ping(ctx)))
	}
	components = append(components, recordComponent("sessions", h.sessionManager().Ping(ctx)))
	if h.Broker != nil {
		if pinger, ok := h.Broker.(interface{ Ping(context.Context) error }); ok {
			components = append(components, recordComponent("job_queue", pinger.Ping(ctx)))
		}
	}
	for _, queue := range []*requestqueue.Queue{h.VideoQueue, h.SubtitleQueue} {
		if queue == nil {
			continue
		}
		stats := queue.Stats()
		var err error
		if stats.Circuit == requestqueue.CircuitOpen {
			err = fmt.Errorf("circuit open")
		}
		components = append(components, recordComponent("queue_"+stats.Name, err))
	}

	return components, overallStatus, statusCode
}

// Health reports per-component health for the readiness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// QueueMetrics exposes a JSON snapshot of the object-store admission queues.
func (h *Handler) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	queues := make([]requestqueue.Stats, 0, 2)
	for _, queue := range []*requestqueue.Queue{h.VideoQueue, h.SubtitleQueue} {
		if queue != nil {
			queues = append(queues, queue.Stats())
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": queues})
}
