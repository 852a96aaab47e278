package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"cinetide/internal/catalog"
	"cinetide/internal/jobqueue"
	"cinetide/internal/models"
	"cinetide/internal/transcode"
)

type transcodeRequest struct {
	ResourceID string `json:"resourceId"`
	Filename   string `json:"filename"`
	ClientID   string `json:"clientId"`
}

type jobResponse struct {
	ID              string  `json:"id"`
	Queue           string  `json:"queue"`
	Kind            string  `json:"kind"`
	Status          string  `json:"status"`
	Progress        int     `json:"progress"`
	Cancellable     bool    `json:"cancellable"`
	CancelRequested bool    `json:"cancelRequested"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
	CompletedAt     *string `json:"completedAt,omitempty"`
}

func newJobResponse(job models.Job) jobResponse {
	resp := jobResponse{
		ID:              job.ID,
		Queue:           job.Queue,
		Kind:            string(job.Kind),
		Status:          string(job.Status),
		Progress:        job.Progress,
		Cancellable:     job.Cancellable,
		CancelRequested: job.CancelRequested,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	return resp
}

// Transcode enqueues a transcode job for an assembled upload and returns the
// job id immediately; the work itself happens on the worker process.
func (h *Handler) Transcode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	userID, err := h.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid session token"))
		return
	}
	var req transcodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ResourceID) == "" || strings.TrimSpace(req.Filename) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("resourceId and filename are required"))
		return
	}
	ctx := r.Context()
	if _, ok := h.Repo.ResolveResource(ctx, req.ResourceID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("resource %s not found", req.ResourceID))
		return
	}
	source := h.Chunks.AssembledPath(req.Filename)
	if info, statErr := os.Stat(source); statErr != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, fmt.Errorf("assembled upload %s not found", req.Filename))
		return
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = userID
	}
	payload, err := json.Marshal(transcode.TranscodeRequest{
		ResourceID: req.ResourceID,
		SourcePath: source,
		Name:       req.Filename,
		ClientID:   clientID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	job, err := h.Repo.CreateJob(ctx, models.Job{
		Queue:       "transcode",
		Kind:        models.JobKindTranscode,
		Cancellable: true,
		ClientID:    clientID,
		Payload:     string(payload),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.Broker.Publish(ctx, jobqueue.Task{
		JobID:   job.ID,
		Queue:   job.Queue,
		Kind:    job.Kind,
		Payload: payload,
	}); err != nil {
		h.logger().Error("publish transcode task failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("job queue unavailable"))
		return
	}
	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

// JobByID serves GET (status) and DELETE (cancellation request) for one job.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	id := trimPathID(r, "/api/jobs/")
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("job id missing"))
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		job, ok := h.Repo.GetJob(ctx, id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, newJobResponse(job))
	case http.MethodDelete:
		job, err := h.Repo.RequestJobCancel(ctx, id)
		if err != nil {
			switch {
			case errors.Is(err, catalog.ErrNotFound):
				writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
			case errors.Is(err, catalog.ErrInvalidTransition):
				writeError(w, http.StatusConflict, fmt.Errorf("job %s already finished", id))
			default:
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		writeJSON(w, http.StatusAccepted, newJobResponse(job))
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
