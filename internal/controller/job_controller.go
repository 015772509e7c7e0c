// internal/controller/job_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/massmail-backend/internal/auth"
	appErrors "github.com/unclebandit/massmail-backend/internal/errors"
	"github.com/unclebandit/massmail-backend/internal/model"
	"github.com/unclebandit/massmail-backend/internal/service"
)

// maxBodyBytes caps request bodies; a job body is plain text.
const maxBodyBytes = 1 << 20

// JobOperations is what the operator API needs from the job service.
type JobOperations interface {
	CreateJob(ctx context.Context, req service.CreateJobRequest) (*service.CreateJobResult, error)
	Preview(ctx context.Context, req service.CreateJobRequest, sampleID model.RecipientID) (*service.JobPreview, error)
	Pause(ctx context.Context) (bool, error)
	Resume(ctx context.Context) (bool, error)
	Cancel(ctx context.Context) error
	Status(ctx context.Context) (*service.JobStatus, error)
	Roles(ctx context.Context) ([]string, error)
	Groups(ctx context.Context) ([]model.Group, error)
}

var _ JobOperations = (*service.JobService)(nil)

type JobController struct {
	Jobs JobOperations
}

// Notice is the body of every operator response.
type Notice struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Routes mounts the job endpoints on r.
func (c *JobController) Routes(r chi.Router) {
	r.Get("/job", c.GetJob)
	r.Post("/job", c.CreateJob)
	r.Post("/job/preview", c.PreviewJob)
	r.Post("/job/pause", c.PauseJob)
	r.Post("/job/resume", c.ResumeJob)
	r.Delete("/job", c.CancelJob)
	r.Get("/roles", c.ListRoles)
	r.Get("/groups", c.ListGroups)
}

func (c *JobController) GetJob(w http.ResponseWriter, r *http.Request) {
	st, err := c.Jobs.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Notice{Status: "ok", Message: "job state: " + string(st.State), Data: st})
}

func (c *JobController) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req service.CreateJobRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := c.Jobs.CreateJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	operatorLog(r).Int64("version", res.Version).Int("recipients", res.TotalRecipients).Msg("job created")
	writeJSON(w, http.StatusCreated, Notice{Status: "success", Message: "Email job is created.", Data: res})
}

func (c *JobController) PreviewJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		service.CreateJobRequest
		SampleRecipientID int64 `json:"sample_recipient_id"`
	}
	if !decode(w, r, &body) {
		return
	}

	p, err := c.Jobs.Preview(r.Context(), body.CreateJobRequest, model.RecipientID(body.SampleRecipientID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Notice{Status: "ok", Message: "Please confirm the email job.", Data: p})
}

func (c *JobController) PauseJob(w http.ResponseWriter, r *http.Request) {
	changed, err := c.Jobs.Pause(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !changed {
		writeJSON(w, http.StatusOK, Notice{Status: "info", Message: "There is no active email job to pause."})
		return
	}
	operatorLog(r).Msg("job paused")
	writeJSON(w, http.StatusOK, Notice{Status: "success", Message: "Email job is paused."})
}

func (c *JobController) ResumeJob(w http.ResponseWriter, r *http.Request) {
	changed, err := c.Jobs.Resume(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !changed {
		writeJSON(w, http.StatusOK, Notice{Status: "info", Message: "There is no paused email job to resume."})
		return
	}
	operatorLog(r).Msg("job resumed")
	writeJSON(w, http.StatusOK, Notice{Status: "success", Message: "Email job is resumed."})
}

func (c *JobController) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := c.Jobs.Cancel(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	operatorLog(r).Msg("job cancelled")
	writeJSON(w, http.StatusOK, Notice{Status: "success", Message: "Email job is cancelled."})
}

func (c *JobController) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := c.Jobs.Roles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Notice{Status: "ok", Message: "recipient roles", Data: roles})
}

func (c *JobController) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := c.Jobs.Groups(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Notice{Status: "ok", Message: "recipient groups", Data: groups})
}

// operatorLog starts an audit entry naming the operator behind r, if known.
func operatorLog(r *http.Request) *zerolog.Event {
	ev := log.Info().Str("component", "api").Str("request_id", chimw.GetReqID(r.Context()))
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		ev = ev.Str("operator", op)
	}
	return ev
}

// decode reads a JSON body of at most maxBodyBytes into v, answering 400
// itself when that fails.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		msg := "invalid body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "body too large"
		}
		writeJSON(w, http.StatusBadRequest, Notice{Status: "error", Message: msg})
		return false
	}
	return true
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	var verr *appErrors.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, Notice{Status: "error", Message: verr.Reason, Field: verr.Field})
	case appErrors.IsNoRecipients(err):
		writeJSON(w, http.StatusUnprocessableEntity, Notice{Status: "error", Message: "No users found to send email."})
	case errors.Is(err, appErrors.ErrJobNotFound), errors.Is(err, appErrors.ErrRecipientNotFound):
		writeJSON(w, http.StatusNotFound, Notice{Status: "error", Message: err.Error()})
	case errors.Is(err, appErrors.ErrPendingJob), appErrors.IsInvalidTransition(err):
		writeJSON(w, http.StatusConflict, Notice{Status: "error", Message: err.Error()})
	default:
		log.Error().Err(err).Str("component", "api").Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, Notice{Status: "error", Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("failed to write response")
	}
}
