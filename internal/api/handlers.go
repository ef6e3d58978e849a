package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	ContactID   string                `json:"contact_id"`
	Fields      []string              `json:"fields"`
	ContactData model.ContactIdentity `json:"contact_data"`
}

// BatchRequest is the body of POST /v1/jobs/batch.
type BatchRequest struct {
	Fields   []string                  `json:"fields"`
	Contacts []model.EnrichmentRequest `json:"contacts"`
}

// JobAccepted is returned for every created job.
type JobAccepted struct {
	JobID     string          `json:"job_id"`
	ContactID string          `json:"contact_id,omitempty"`
	Status    model.JobStatus `json:"status"`
}

// ProviderHealthView is one provider's health with its effective state.
type ProviderHealthView struct {
	model.ProviderHealth
	EffectiveState model.CircuitState `json:"effective_state"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(model.DedupFields(req.Fields)) == 0 {
		writeError(w, http.StatusBadRequest, "at least one field is required")
		return
	}
	if req.ContactData.IsEmpty() {
		writeError(w, http.StatusBadRequest, "contact_data must carry at least one identifier")
		return
	}

	job, err := s.deps.Intake.Submit(r.Context(), orgFrom(r.Context()), req.ContactID, req.Fields, req.ContactData)
	if err != nil {
		s.log.Error("api: submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	writeJSON(w, http.StatusAccepted, JobAccepted{JobID: job.ID, ContactID: job.ContactID, Status: job.Status})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(model.DedupFields(req.Fields)) == 0 {
		writeError(w, http.StatusBadRequest, "at least one field is required")
		return
	}
	switch n := len(req.Contacts); {
	case n == 0:
		writeError(w, http.StatusBadRequest, "at least one contact is required")
		return
	case n > MaxBatchSize:
		writeError(w, http.StatusRequestEntityTooLarge, "batch exceeds maximum size")
		return
	}
	for _, c := range req.Contacts {
		if c.Identity.IsEmpty() {
			writeError(w, http.StatusBadRequest, "contact "+c.ContactID+": contact_data must carry at least one identifier")
			return
		}
	}

	jobs, err := s.deps.Intake.SubmitBatch(r.Context(), orgFrom(r.Context()), req.Fields, req.Contacts)
	if err != nil {
		s.log.Error("api: batch submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit batch")
		return
	}
	out := make([]JobAccepted, len(jobs))
	for i, j := range jobs {
		out[i] = JobAccepted{JobID: j.ID, ContactID: j.ContactID, Status: j.Status}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("api: get job failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	// Other organizations' jobs are indistinguishable from missing ones.
	if job.OrganizationID != orgFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Health.List(r.Context(), orgFrom(r.Context()))
	if err != nil {
		s.log.Error("api: list provider health failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load provider health")
		return
	}
	now := s.deps.Now()
	out := make([]ProviderHealthView, len(records))
	for i := range records {
		out[i] = ProviderHealthView{
			ProviderHealth: records[i],
			EffectiveState: s.deps.Policy.State(&records[i], now),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.deps.Checks))
	status, code := "ok", http.StatusOK
	for name, p := range s.deps.Checks {
		if err := p.Ping(r.Context()); err != nil {
			s.log.Warn("api: health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = strings.SplitN(err.Error(), "\n", 2)[0]
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
