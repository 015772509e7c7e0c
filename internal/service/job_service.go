// internal/service/job_service.go
package service

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/massmail-backend/internal/errors"
	"github.com/unclebandit/massmail-backend/internal/model"
	"github.com/unclebandit/massmail-backend/internal/repository"
)

const (
	// SendHook names the periodic wake-up that drives the dispatcher.
	SendHook = "mass_email_send"

	DefaultTickInterval    = 10 * time.Minute
	DefaultResolvePageSize = 10000
)

// WakeupScheduler registers periodic handlers by name.
type WakeupScheduler interface {
	Register(name string, interval time.Duration, handler func(ctx context.Context)) error
	Deregister(name string)
	IsRegistered(name string) bool
}

// nextRunReporter is implemented by schedulers that know when a wake-up
// fires next.
type nextRunReporter interface {
	Next(name string) time.Time
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type CreateJobRequest struct {
	Subject      string   `json:"subject" validate:"required"`
	Body         string   `json:"body" validate:"required"`
	Roles        []string `json:"roles"`
	GroupIDs     []int64  `json:"group_ids"`
	UnloggedOnly bool     `json:"unlogged_only"`
	BatchSize    int      `json:"batch_size" validate:"required,min=10,max=10000"`
}

// Validate checks the request and builds its selector.
func (r CreateJobRequest) Validate() (model.Selector, error) {
	r.Subject = strings.TrimSpace(r.Subject)
	r.Body = strings.TrimSpace(r.Body)
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			if fe.Tag() == "required" {
				return nil, appErrors.NewValidation(fe.Field(), "is required")
			}
			return nil, appErrors.NewValidation(fe.Field(), "batch size "+strconv.Itoa(r.BatchSize)+" is invalid, must be between 10 and 10000")
		}
		return nil, appErrors.NewValidation("", err.Error())
	}

	var sel model.Selector
	switch {
	case len(r.Roles) > 0 && len(r.GroupIDs) > 0:
		return nil, appErrors.NewValidation("", "both recipient roles and groups are given but this is invalid")
	case len(r.GroupIDs) > 0:
		sel = model.GroupSelector{GroupIDs: r.GroupIDs, NeverLoggedIn: r.UnloggedOnly}
	default:
		for _, role := range r.Roles {
			if strings.TrimSpace(role) == "" {
				return nil, appErrors.NewValidation("roles", "role names must not be empty")
			}
		}
		sel = model.RoleSelector{Roles: r.Roles, NeverLoggedIn: r.UnloggedOnly}
	}
	if sel.Empty() {
		return nil, appErrors.NewValidation("", "recipient roles or groups are required")
	}
	return sel, nil
}

type CreateJobResult struct {
	Version         int64  `json:"version"`
	TotalRecipients int    `json:"total_recipients"`
	Subject         string `json:"subject"`
}

// JobStatus is the operator view of the current job.
type JobStatus struct {
	State           model.JobState `json:"state"`
	Job             *model.Job     `json:"job,omitempty"`
	Pending         int            `json:"pending"`
	NextBatchLogins []string       `json:"next_batch_logins"`
	WakeupScheduled bool           `json:"wakeup_scheduled"`
	NextTickAt      *time.Time     `json:"next_tick_at,omitempty"`
}

// JobPreview is the confirmation view of a request that has not been stored.
type JobPreview struct {
	Selector        string   `json:"selector"`
	UnloggedOnly    bool     `json:"unlogged_only"`
	BatchSize       int      `json:"batch_size"`
	Subject         string   `json:"subject"`
	Body            string   `json:"body"`
	SubjectTokens   []string `json:"subject_tokens"`
	BodyTokens      []string `json:"body_tokens"`
	SampleRecipient string   `json:"sample_recipient,omitempty"`
}

// JobService owns the job lifecycle: create, pause, resume and cancel.
type JobService struct {
	JobRepo   repository.JobRepositoryInterface
	Resolver  repository.RecipientResolver
	Catalog   repository.RecipientCatalog
	Users     repository.RecipientLookup
	Templates *TemplateService
	Scheduler WakeupScheduler

	// Handler runs on every wake-up, normally Dispatcher.Run.
	Handler      func(ctx context.Context)
	TickInterval time.Duration
	PageSize     int
}

// CreateJob replaces any existing job with a new active one. A selector that
// resolves to nobody still drops the previous job and its wake-up.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResult, error) {
	sel, err := s.checkRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	current, err := s.JobRepo.Get(ctx)
	if err != nil {
		return nil, err
	}
	next, err := transition(current.State(), model.ActionCreate)
	if err != nil {
		return nil, err
	}

	ids, err := s.resolve(ctx, sel)
	if err != nil {
		return nil, errors.Wrap(err, "resolve recipients")
	}
	if len(ids) == 0 {
		if err := s.JobRepo.DeleteAll(ctx); err != nil {
			return nil, err
		}
		s.Scheduler.Deregister(SendHook)
		if current != nil {
			log.Info().Str("component", "jobs").Int64("dropped_version", current.Version).Msg("previous job dropped, no recipients for the new one")
		}
		return nil, appErrors.NewNoRecipients()
	}

	job := &model.Job{
		Subject:         strings.TrimSpace(req.Subject),
		Body:            strings.TrimSpace(req.Body),
		Status:          next,
		BatchSize:       req.BatchSize,
		TotalRecipients: len(ids),
	}
	if err := s.JobRepo.Replace(ctx, job, ids); err != nil {
		return nil, err
	}
	if current != nil {
		log.Info().Str("component", "jobs").Int64("replaced_version", current.Version).Msg("previous job replaced")
	}

	if err := s.ensureWakeup(); err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "jobs").
		Int64("version", job.Version).
		Int("recipients", len(ids)).
		Int("batch_size", job.BatchSize).
		Msg("mass email job created")

	return &CreateJobResult{Version: job.Version, TotalRecipients: len(ids), Subject: job.Subject}, nil
}

// checkRequest validates req and checks that every role or group it names exists.
func (s *JobService) checkRequest(ctx context.Context, req CreateJobRequest) (model.Selector, error) {
	sel, err := req.Validate()
	if err != nil {
		return nil, err
	}
	switch sel := sel.(type) {
	case model.RoleSelector:
		unknown, err := s.Catalog.UnknownRoles(ctx, sel.Roles)
		if err != nil {
			return nil, errors.Wrap(err, "check roles")
		}
		if len(unknown) > 0 {
			return nil, appErrors.NewValidation("roles", fmt.Sprintf("recipient role %q is invalid", unknown[0]))
		}
	case model.GroupSelector:
		unknown, err := s.Catalog.UnknownGroups(ctx, sel.GroupIDs)
		if err != nil {
			return nil, errors.Wrap(err, "check groups")
		}
		if len(unknown) > 0 {
			return nil, appErrors.NewValidation("group_ids", fmt.Sprintf("recipient group \"%d\" is invalid", unknown[0]))
		}
	}
	return sel, nil
}

// resolve walks the resolver pages. An empty page is followed by one look-ahead at
// the next page before enumeration is considered finished.
func (s *JobService) resolve(ctx context.Context, sel model.Selector) ([]model.RecipientID, error) {
	pageSize := s.pageSize()

	var fetch func(page int) ([]model.RecipientID, error)
	filterLocally := false
	switch sel := sel.(type) {
	case model.RoleSelector:
		fetch = func(page int) ([]model.RecipientID, error) {
			return s.Resolver.ResolveByRoles(ctx, sel.Roles, sel.NeverLoggedIn, pageSize, page)
		}
	case model.GroupSelector:
		fetch = func(page int) ([]model.RecipientID, error) {
			return s.Resolver.ResolveByGroups(ctx, sel.GroupIDs, pageSize, page)
		}
		filterLocally = sel.NeverLoggedIn
	default:
		return nil, errors.Newf("unsupported selector %T", sel)
	}

	seen := map[model.RecipientID]struct{}{}
	out := []model.RecipientID{}
	for page := 1; ; page++ {
		ids, err := fetch(page)
		if err != nil {
			return nil, errors.Wrapf(err, "page %d", page)
		}
		if len(ids) == 0 {
			ids, err = fetch(page + 1)
			if err != nil {
				return nil, errors.Wrapf(err, "look ahead to page %d", page+1)
			}
			if len(ids) == 0 {
				break
			}
			page++
		}
		full := len(ids) >= pageSize

		if filterLocally {
			if ids, err = s.Resolver.FilterNeverLoggedIn(ctx, ids); err != nil {
				return nil, errors.Wrap(err, "filter never logged in")
			}
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
		if !full {
			break
		}
	}
	return out, nil
}

// Pause stops dispatch of an active job. It reports false when the job is
// already paused and fails with ErrJobNotFound when there is none.
func (s *JobService) Pause(ctx context.Context) (bool, error) {
	job, err := s.JobRepo.Get(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, appErrors.ErrJobNotFound
	}
	next, err := transition(job.Status, model.ActionPause)
	if err != nil {
		log.Debug().Err(err).Str("component", "jobs").Msg("pause ignored")
		return false, nil
	}
	changed, err := s.JobRepo.UpdateStatus(ctx, model.StateActive, next)
	if err != nil {
		return false, err
	}
	if changed {
		log.Info().Str("component", "jobs").Int64("version", job.Version).Msg("mass email job paused")
	}
	return changed, nil
}

// Resume reactivates a paused job and makes sure the wake-up is registered,
// also when the job was already active.
func (s *JobService) Resume(ctx context.Context) (bool, error) {
	job, err := s.JobRepo.Get(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, appErrors.ErrJobNotFound
	}
	changed := false
	if next, err := transition(job.Status, model.ActionResume); err == nil {
		if changed, err = s.JobRepo.UpdateStatus(ctx, model.StatePaused, next); err != nil {
			return false, err
		}
	} else {
		log.Debug().Err(err).Str("component", "jobs").Msg("resume ignored")
	}
	if err := s.ensureWakeup(); err != nil {
		return changed, err
	}
	if changed {
		log.Info().Str("component", "jobs").Int64("version", job.Version).Msg("mass email job resumed")
	}
	return changed, nil
}

// Cancel drops the job and its pending recipients whatever their state.
func (s *JobService) Cancel(ctx context.Context) error {
	job, err := s.JobRepo.Get(ctx)
	if err != nil {
		return err
	}
	if _, err := transition(job.State(), model.ActionCancel); err != nil {
		return err
	}
	if err := s.JobRepo.DeleteAll(ctx); err != nil {
		return err
	}
	s.Scheduler.Deregister(SendHook)
	ev := log.Info().Str("component", "jobs")
	if job != nil {
		ev = ev.Int64("version", job.Version)
	}
	ev.Msg("mass email job cancelled")
	return nil
}

func (s *JobService) Roles(ctx context.Context) ([]string, error) {
	return s.Catalog.ListRoles(ctx)
}

func (s *JobService) Groups(ctx context.Context) ([]model.Group, error) {
	return s.Catalog.ListGroups(ctx)
}

func (s *JobService) Status(ctx context.Context) (*JobStatus, error) {
	job, err := s.JobRepo.Get(ctx)
	if err != nil {
		return nil, err
	}
	st := &JobStatus{
		State:           job.State(),
		Job:             job,
		NextBatchLogins: []string{},
		WakeupScheduled: s.Scheduler.IsRegistered(SendHook),
	}
	if nr, ok := s.Scheduler.(nextRunReporter); ok && st.WakeupScheduled {
		if next := nr.Next(SendHook); !next.IsZero() {
			st.NextTickAt = &next
		}
	}
	if job == nil {
		return st, nil
	}
	if st.Pending, err = s.JobRepo.CountPending(ctx, job.Version); err != nil {
		return nil, err
	}
	ids, err := s.JobRepo.NextBatch(ctx, job.Version, job.BatchSize)
	if err != nil {
		return nil, err
	}
	if st.NextBatchLogins, err = s.Users.GetLogins(ctx, ids); err != nil {
		return nil, err
	}
	return st, nil
}

// Preview validates req and renders it for sampleID without storing anything.
// A zero sampleID leaves the per-recipient tokens in place.
func (s *JobService) Preview(ctx context.Context, req CreateJobRequest, sampleID model.RecipientID) (*JobPreview, error) {
	sel, err := s.checkRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	p := &JobPreview{
		UnloggedOnly:  sel.UnloggedOnly(),
		BatchSize:     req.BatchSize,
		Subject:       req.Subject,
		Body:          req.Body,
		SubjectTokens: SubjectTokens(),
		BodyTokens:    s.Templates.BodyTokens(),
	}
	switch sel := sel.(type) {
	case model.RoleSelector:
		p.Selector = "roles: " + strings.Join(sel.Roles, ", ")
	case model.GroupSelector:
		groups := make([]string, len(sel.GroupIDs))
		for i, g := range sel.GroupIDs {
			groups[i] = strconv.FormatInt(g, 10)
		}
		p.Selector = "groups: " + strings.Join(groups, ", ")
	}

	if sampleID == 0 {
		return p, nil
	}
	r, err := s.Users.GetRecipient(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	preview := *s.Templates
	preview.ResetKeys = previewResetKeys{}
	p.SampleRecipient = r.Login
	p.Subject = preview.RenderSubject(req.Subject, r)
	if p.Body, err = preview.RenderBody(ctx, req.Body, r); err != nil {
		return nil, err
	}
	return p, nil
}

// Reconcile registers the wake-up when a job exists and drops it otherwise.
// It is safe to call at startup and periodically.
func (s *JobService) Reconcile(ctx context.Context) error {
	job, err := s.JobRepo.Get(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		if s.Scheduler.IsRegistered(SendHook) {
			s.Scheduler.Deregister(SendHook)
			log.Info().Str("component", "jobs").Msg("no job stored, wake-up removed")
		}
		return nil
	}
	return s.ensureWakeup()
}

// EnsureIdle fails with ErrPendingJob while anything is left to deliver.
func (s *JobService) EnsureIdle(ctx context.Context) error {
	job, err := s.JobRepo.Get(ctx)
	if err != nil {
		return err
	}
	pending, err := s.JobRepo.CountAllPending(ctx)
	if err != nil {
		return err
	}
	if job != nil || pending > 0 || s.Scheduler.IsRegistered(SendHook) {
		return appErrors.ErrPendingJob
	}
	return nil
}

func (s *JobService) ensureWakeup() error {
	if s.Scheduler.IsRegistered(SendHook) {
		return nil
	}
	if s.Handler == nil {
		return errors.New("no wake-up handler configured")
	}
	if err := s.Scheduler.Register(SendHook, s.tickInterval(), s.Handler); err != nil {
		return errors.Wrap(err, "register wake-up")
	}
	return nil
}

// transition applies a to s, or reports the move as invalid.
func transition(s model.JobState, a model.JobAction) (model.JobState, error) {
	next, ok := model.Transition(s, a)
	if !ok {
		return s, &appErrors.ErrInvalidTransition{From: string(s), Action: string(a)}
	}
	return next, nil
}

func (s *JobService) tickInterval() time.Duration {
	if s.TickInterval > 0 {
		return s.TickInterval
	}
	return DefaultTickInterval
}

func (s *JobService) pageSize() int {
	if s.PageSize > 0 {
		return s.PageSize
	}
	return DefaultResolvePageSize
}

type previewResetKeys struct{}

func (previewResetKeys) IssueResetKey(context.Context, *model.Recipient) (string, error) {
	return "preview", nil
}
