package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/massmail-backend/internal/errors"
	"github.com/unclebandit/massmail-backend/internal/model"
	"github.com/unclebandit/massmail-backend/internal/scheduler"
	"github.com/unclebandit/massmail-backend/internal/service"
)

var testSite = model.SiteContext{
	Title:    "Example Site",
	HomeURL:  "https://example.com/",
	LoginURL: "https://example.com/login",
}

func newJobService(users *MockUserStore, repo *MockJobRepo) (*service.JobService, *scheduler.Registry) {
	reg := scheduler.NewRegistry()
	svc := &service.JobService{
		JobRepo:   repo,
		Resolver:  users,
		Catalog:   users,
		Users:     users,
		Templates: &service.TemplateService{Site: testSite, ResetKeys: &MockResetKeys{}},
		Scheduler: reg,
		Handler:   func(context.Context) {},
	}
	return svc, reg
}

func validRequest() service.CreateJobRequest {
	return service.CreateJobRequest{
		Subject:   "Hello {user_login}",
		Body:      "Welcome to {site_title}",
		Roles:     []string{"subscriber"},
		BatchSize: 10,
	}
}

func TestCreateJobRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *service.CreateJobRequest)
		field  string
	}{
		{"missing subject", func(r *service.CreateJobRequest) { r.Subject = "  " }, "subject"},
		{"missing body", func(r *service.CreateJobRequest) { r.Body = "" }, "body"},
		{"missing batch size", func(r *service.CreateJobRequest) { r.BatchSize = 0 }, "batch_size"},
		{"batch size too small", func(r *service.CreateJobRequest) { r.BatchSize = 9 }, "batch_size"},
		{"batch size too large", func(r *service.CreateJobRequest) { r.BatchSize = 10001 }, "batch_size"},
		{"roles and groups", func(r *service.CreateJobRequest) { r.GroupIDs = []int64{1} }, ""},
		{"no selector", func(r *service.CreateJobRequest) { r.Roles = nil }, ""},
		{"empty selector lists", func(r *service.CreateJobRequest) { r.Roles, r.GroupIDs = []string{}, []int64{} }, ""},
		{"blank role", func(r *service.CreateJobRequest) { r.Roles = []string{"subscriber", " "} }, "roles"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := req.Validate()
			require.Error(t, err)
			var verr *appErrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateJobRequest_ValidateBounds(t *testing.T) {
	for _, size := range []int{10, 1000, 10000} {
		req := validRequest()
		req.BatchSize = size
		_, err := req.Validate()
		assert.NoError(t, err, "batch size %d", size)
	}
}

func TestCreateJobRequest_ValidateSelectors(t *testing.T) {
	req := validRequest()
	req.UnloggedOnly = true
	sel, err := req.Validate()
	require.NoError(t, err)
	assert.Equal(t, model.RoleSelector{Roles: []string{"subscriber"}, NeverLoggedIn: true}, sel)

	req.Roles = nil
	req.GroupIDs = []int64{7, 8}
	sel, err = req.Validate()
	require.NoError(t, err)
	assert.Equal(t, model.GroupSelector{GroupIDs: []int64{7, 8}, NeverLoggedIn: true}, sel)
}

func TestCreateJob_ByRoles(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(25)}
	repo := NewMockJobRepo()
	svc, reg := newJobService(users, repo)

	res, err := svc.CreateJob(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, 25, res.TotalRecipients)

	job, _ := repo.Get(context.Background())
	require.NotNil(t, job)
	assert.Equal(t, model.StateActive, job.Status)
	assert.Equal(t, "Hello {user_login}", job.Subject)
	assert.Equal(t, 10, job.BatchSize)

	pending, _ := repo.CountPending(context.Background(), job.Version)
	assert.Equal(t, 25, pending)
	assert.True(t, reg.IsRegistered(service.SendHook))
	assert.Equal(t, service.DefaultTickInterval, reg.Interval(service.SendHook))
}

func TestCreateJob_InvalidLeavesStoreUntouched(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(3)}
	repo := NewMockJobRepo()
	svc, reg := newJobService(users, repo)

	req := validRequest()
	req.BatchSize = 5
	_, err := svc.CreateJob(context.Background(), req)
	assert.True(t, appErrors.IsValidation(err))

	job, _ := repo.Get(context.Background())
	assert.Nil(t, job)
	assert.False(t, reg.IsRegistered(service.SendHook))
}

func TestCreateJob_ReplacesExistingJob(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(5)}
	users.Users[0].Roles = []string{"editor"}
	users.Users[1].Roles = []string{"editor"}
	repo := NewMockJobRepo()
	svc, _ := newJobService(users, repo)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Pause(ctx)
	require.NoError(t, err)

	req := validRequest()
	req.Subject = "Editors only"
	req.Roles = []string{"editor"}
	res, err := svc.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
	assert.Equal(t, 2, res.TotalRecipients)

	job, _ := repo.Get(ctx)
	assert.Equal(t, "Editors only", job.Subject)
	assert.Equal(t, model.StateActive, job.Status)

	all, _ := repo.CountAllPending(ctx)
	assert.Equal(t, 2, all)
	batch, _ := repo.NextBatch(ctx, job.Version, 10)
	assert.Equal(t, []model.RecipientID{1, 2}, batch)
}

func TestCreateJob_NoRecipientsDropsPriorJob(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(3), ExtraRoles: []string{"editor"}}
	repo := NewMockJobRepo()
	svc, reg := newJobService(users, repo)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.Roles = []string{"editor"}
	_, err = svc.CreateJob(ctx, req)
	require.Error(t, err)
	assert.True(t, appErrors.IsNoRecipients(err))

	job, _ := repo.Get(ctx)
	assert.Nil(t, job)
	all, _ := repo.CountAllPending(ctx)
	assert.Zero(t, all)
	assert.False(t, reg.IsRegistered(service.SendHook))
}

func TestCreateJob_UnknownRoleOrGroupKeepsPriorJob(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(3), ExtraGroups: []int64{4}}
	repo := NewMockJobRepo()
	svc, reg := newJobService(users, repo)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.Roles = []string{"subscriber", "nobody"}
	_, err = svc.CreateJob(ctx, req)
	var verr *appErrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "roles", verr.Field)
	assert.Equal(t, `recipient role "nobody" is invalid`, verr.Reason)

	req.Roles = nil
	req.GroupIDs = []int64{4, 12}
	_, err = svc.CreateJob(ctx, req)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "group_ids", verr.Field)
	assert.Equal(t, `recipient group "12" is invalid`, verr.Reason)

	_, err = svc.Preview(ctx, req, 0)
	assert.True(t, appErrors.IsValidation(err))

	job, _ := repo.Get(ctx)
	require.NotNil(t, job)
	assert.Equal(t, int64(1), job.Version)
	pending, _ := repo.CountPending(ctx, 1)
	assert.Equal(t, 3, pending)
	assert.True(t, reg.IsRegistered(service.SendHook))
}

func TestRolesAndGroups(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(2), ExtraRoles: []string{"editor"}}
	users.Users[1].Groups = []int64{5}
	svc, _ := newJobService(users, NewMockJobRepo())

	roles, err := svc.Roles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"editor", "subscriber"}, roles)

	groups, err := svc.Groups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Group{{ID: 5, Name: "group 5"}}, groups)
}

func TestCreateJob_UnloggedOnlyByRole(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(4)}
	seen := time.Now()
	users.Users[1].LastLoginAt = &seen
	users.Users[3].LastLoginAt = &seen
	repo := NewMockJobRepo()
	svc, _ := newJobService(users, repo)

	req := validRequest()
	req.UnloggedOnly = true
	res, err := svc.CreateJob(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalRecipients)

	batch, _ := repo.NextBatch(context.Background(), res.Version, 10)
	assert.Equal(t, []model.RecipientID{1, 3}, batch)
}

func TestCreateJob_GroupsDedupAndUnloggedFilter(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(4)}
	users.Users[0].Groups = []int64{1, 2}
	users.Users[1].Groups = []int64{2}
	users.Users[2].Groups = []int64{1}
	seen := time.Now()
	users.Users[2].LastLoginAt = &seen
	repo := NewMockJobRepo()
	svc, _ := newJobService(users, repo)
	ctx := context.Background()

	req := validRequest()
	req.Roles = nil
	req.GroupIDs = []int64{1, 2}
	res, err := svc.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalRecipients)

	req.UnloggedOnly = true
	res, err = svc.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalRecipients)
	batch, _ := repo.NextBatch(ctx, res.Version, 10)
	assert.Equal(t, []model.RecipientID{1, 2}, batch)
}

func TestCreateJob_LooksPastEmptyPage(t *testing.T) {
	users := &MockUserStore{
		Users: makeUsers(5),
		Pages: map[int][]model.RecipientID{
			1: {1, 2},
			3: {3, 4},
			4: {5},
		},
	}
	repo := NewMockJobRepo()
	svc, _ := newJobService(users, repo)
	svc.PageSize = 2

	req := validRequest()
	req.Roles = nil
	req.GroupIDs = []int64{1}
	res, err := svc.CreateJob(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalRecipients)
	assert.Equal(t, []int{1, 2, 3, 4}, users.PagesRequested())
}

func TestCreateJob_StopsAfterEmptyLookAhead(t *testing.T) {
	users := &MockUserStore{
		Users: makeUsers(5),
		Pages: map[int][]model.RecipientID{
			1: {1, 2},
			4: {5},
		},
	}
	repo := NewMockJobRepo()
	svc, _ := newJobService(users, repo)
	svc.PageSize = 2

	req := validRequest()
	req.Roles = nil
	req.GroupIDs = []int64{1}
	res, err := svc.CreateJob(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalRecipients)
	assert.Equal(t, []int{1, 2, 3}, users.PagesRequested())
}

func TestCreateJob_NoHandlerConfigured(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(1)}
	svc, _ := newJobService(users, NewMockJobRepo())
	svc.Handler = nil
	_, err := svc.CreateJob(context.Background(), validRequest())
	assert.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(3)}
	repo := NewMockJobRepo()
	svc, reg := newJobService(users, repo)
	ctx := context.Background()

	// nothing to pause or resume yet
	changed, err := svc.Pause(ctx)
	assert.ErrorIs(t, err, appErrors.ErrJobNotFound)
	assert.False(t, changed)
	changed, err = svc.Resume(ctx)
	assert.ErrorIs(t, err, appErrors.ErrJobNotFound)
	assert.False(t, changed)
	assert.False(t, reg.IsRegistered(service.SendHook))

	_, err = svc.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	changed, err = svc.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	job, _ := repo.Get(ctx)
	assert.Equal(t, model.StatePaused, job.Status)
	assert.True(t, reg.IsRegistered(service.SendHook))

	changed, err = svc.Pause(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	// a lost wake-up is restored on resume
	reg.Deregister(service.SendHook)
	changed, err = svc.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	job, _ = repo.Get(ctx)
	assert.Equal(t, model.StateActive, job.Status)
	assert.True(t, reg.IsRegistered(service.SendHook))

	changed, err = svc.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCancel(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(3)}
	repo := NewMockJobRepo()
	svc, reg := newJobService(users, repo)
	ctx := context.Background()

	require.NoError(t, svc.Cancel(ctx))

	_, err := svc.CreateJob(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Pause(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx))
	job, _ := repo.Get(ctx)
	assert.Nil(t, job)
	all, _ := repo.CountAllPending(ctx)
	assert.Zero(t, all)
	assert.False(t, reg.IsRegistered(service.SendHook))
}

func TestStatus(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(12)}
	repo := NewMockJobRepo()
	svc, _ := newJobService(users, repo)
	ctx := context.Background()

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateNone, st.State)
	assert.Nil(t, st.Job)
	assert.Empty(t, st.NextBatchLogins)
	assert.False(t, st.WakeupScheduled)

	_, err = svc.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	st, err = svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)
	assert.Equal(t, 12, st.Pending)
	assert.Len(t, st.NextBatchLogins, 10)
	assert.Equal(t, "user1", st.NextBatchLogins[0])
	assert.True(t, st.WakeupScheduled)
	assert.Nil(t, st.NextTickAt)
}

// timedRegistry is a registry that also knows when the next run is due.
type timedRegistry struct {
	*scheduler.Registry
	next time.Time
}

func (r timedRegistry) Next(name string) time.Time {
	if !r.IsRegistered(name) {
		return time.Time{}
	}
	return r.next
}

func TestStatus_ReportsNextTick(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(3)}
	svc, reg := newJobService(users, NewMockJobRepo())
	due := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	svc.Scheduler = timedRegistry{Registry: reg, next: due}
	ctx := context.Background()

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.NextTickAt)

	_, err = svc.CreateJob(ctx, validRequest())
	require.NoError(t, err)
	st, err = svc.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.NextTickAt)
	assert.Equal(t, due, *st.NextTickAt)
}

func TestPreview(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(2)}
	repo := NewMockJobRepo()
	svc, _ := newJobService(users, repo)
	ctx := context.Background()

	req := validRequest()
	req.Body = "Hi {user_login}, reset at {resetpass_url}"

	p, err := svc.Preview(ctx, req, 0)
	require.NoError(t, err)
	assert.Equal(t, "roles: subscriber", p.Selector)
	assert.Equal(t, req.Body, p.Body)
	assert.Equal(t, service.SubjectTokens(), p.SubjectTokens)

	p, err = svc.Preview(ctx, req, 2)
	require.NoError(t, err)
	assert.Equal(t, "user2", p.SampleRecipient)
	assert.Equal(t, "Hello user2", p.Subject)
	assert.Contains(t, p.Body, "Hi user2, reset at https://example.com/login?")
	assert.Contains(t, p.Body, "key=preview")

	// nothing is stored and no real key is issued
	job, _ := repo.Get(ctx)
	assert.Nil(t, job)
	assert.Empty(t, svc.Templates.ResetKeys.(*MockResetKeys).Issued)

	_, err = svc.Preview(ctx, req, 99)
	assert.ErrorIs(t, err, appErrors.ErrRecipientNotFound)
}

func TestReconcile(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(2)}
	repo := NewMockJobRepo()
	svc, reg := newJobService(users, repo)
	ctx := context.Background()

	require.NoError(t, reg.Register(service.SendHook, time.Minute, func(context.Context) {}))
	require.NoError(t, svc.Reconcile(ctx))
	assert.False(t, reg.IsRegistered(service.SendHook))

	require.NoError(t, repo.Replace(ctx, &model.Job{Subject: "s", Body: "b", Status: model.StatePaused, BatchSize: 10}, []model.RecipientID{1}))
	require.NoError(t, svc.Reconcile(ctx))
	assert.True(t, reg.IsRegistered(service.SendHook))
}

func TestEnsureIdle(t *testing.T) {
	users := &MockUserStore{Users: makeUsers(2)}
	repo := NewMockJobRepo()
	svc, _ := newJobService(users, repo)
	ctx := context.Background()

	require.NoError(t, svc.EnsureIdle(ctx))

	_, err := svc.CreateJob(ctx, validRequest())
	require.NoError(t, err)
	assert.ErrorIs(t, svc.EnsureIdle(ctx), appErrors.ErrPendingJob)

	require.NoError(t, svc.Cancel(ctx))
	assert.NoError(t, svc.EnsureIdle(ctx))
}
