package service_test

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	appErrors "github.com/unclebandit/massmail-backend/internal/errors"
	"github.com/unclebandit/massmail-backend/internal/model"
	"github.com/unclebandit/massmail-backend/internal/repository"
)

// MockJobRepo keeps the job and its pending set in memory.
type MockJobRepo struct {
	mu      sync.Mutex
	job     *model.Job
	pending map[model.RecipientID]int64
	seq     int64
}

var _ repository.JobRepositoryInterface = (*MockJobRepo)(nil)

func NewMockJobRepo() *MockJobRepo {
	return &MockJobRepo{pending: map[model.RecipientID]int64{}}
}

func (m *MockJobRepo) Get(ctx context.Context) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return nil, nil
	}
	j := *m.job
	return &j, nil
}

func (m *MockJobRepo) Replace(ctx context.Context, job *model.Job, recipients []model.RecipientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job.Version = m.seq
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	j := *job
	m.job = &j
	m.pending = map[model.RecipientID]int64{}
	for _, id := range recipients {
		m.pending[id] = job.Version
	}
	return nil
}

func (m *MockJobRepo) UpdateStatus(ctx context.Context, from, to model.JobState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil || m.job.Status != from {
		return false, nil
	}
	m.job.Status = to
	return true, nil
}

func (m *MockJobRepo) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.job = nil
	m.pending = map[model.RecipientID]int64{}
	return nil
}

func (m *MockJobRepo) DeleteVersion(ctx context.Context, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.pending {
		if v == version {
			delete(m.pending, id)
		}
	}
	if m.job == nil || m.job.Version != version {
		return false, nil
	}
	m.job = nil
	return true, nil
}

func (m *MockJobRepo) NextBatch(ctx context.Context, version int64, limit int) ([]model.RecipientID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.idsFor(version)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MockJobRepo) RemoveRecipients(ctx context.Context, version int64, ids []model.RecipientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if m.pending[id] == version {
			delete(m.pending, id)
		}
	}
	return nil
}

func (m *MockJobRepo) CountPending(ctx context.Context, version int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idsFor(version)), nil
}

func (m *MockJobRepo) CountAllPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

func (m *MockJobRepo) idsFor(version int64) []model.RecipientID {
	ids := []model.RecipientID{}
	for id, v := range m.pending {
		if v == version {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MockUser is one row of the fake identity store.
type MockUser struct {
	model.Recipient
	Roles  []string
	Groups []int64
}

// MockUserStore resolves and looks up users from a fixed slice ordered by id.
// Pages, when set, script ResolveByGroups by page number. ExtraRoles and
// ExtraGroups are defined but have no members. OnLookup runs before each
// GetRecipient.
type MockUserStore struct {
	Users       []MockUser
	Pages       map[int][]model.RecipientID
	ExtraRoles  []string
	ExtraGroups []int64
	OnLookup    func(n int)

	mu      sync.Mutex
	calls   []int
	lookups int
}

var (
	_ repository.RecipientResolver = (*MockUserStore)(nil)
	_ repository.RecipientLookup   = (*MockUserStore)(nil)
	_ repository.RecipientCatalog  = (*MockUserStore)(nil)
)

func (m *MockUserStore) ResolveByRoles(ctx context.Context, roles []string, unloggedOnly bool, pageSize, page int) ([]model.RecipientID, error) {
	var all []model.RecipientID
	for _, u := range m.Users {
		if unloggedOnly && u.LastLoginAt != nil {
			continue
		}
		if hasAny(u.Roles, roles) {
			all = append(all, u.ID)
		}
	}
	return m.page(all, pageSize, page), nil
}

func (m *MockUserStore) ResolveByGroups(ctx context.Context, groupIDs []int64, pageSize, page int) ([]model.RecipientID, error) {
	if m.Pages != nil {
		m.mu.Lock()
		m.calls = append(m.calls, page)
		m.mu.Unlock()
		return m.Pages[page], nil
	}
	var all []model.RecipientID
	for _, gid := range groupIDs {
		for _, u := range m.Users {
			for _, g := range u.Groups {
				if g == gid {
					all = append(all, u.ID)
				}
			}
		}
	}
	return m.page(all, pageSize, page), nil
}

func (m *MockUserStore) FilterNeverLoggedIn(ctx context.Context, ids []model.RecipientID) ([]model.RecipientID, error) {
	out := []model.RecipientID{}
	for _, id := range ids {
		if u := m.find(id); u != nil && u.LastLoginAt == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// PagesRequested lists the scripted pages asked for, in order.
func (m *MockUserStore) PagesRequested() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.calls...)
}

func (m *MockUserStore) GetRecipient(ctx context.Context, id model.RecipientID) (*model.Recipient, error) {
	m.mu.Lock()
	m.lookups++
	n := m.lookups
	m.mu.Unlock()
	if m.OnLookup != nil {
		m.OnLookup(n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u := m.find(id)
	if u == nil {
		return nil, appErrors.ErrRecipientNotFound
	}
	r := u.Recipient
	return &r, nil
}

func (m *MockUserStore) GetLogins(ctx context.Context, ids []model.RecipientID) ([]string, error) {
	out := []string{}
	for _, id := range ids {
		if u := m.find(id); u != nil {
			out = append(out, u.Login)
		}
	}
	return out, nil
}

func (m *MockUserStore) ListRoles(ctx context.Context) ([]string, error) {
	set := map[string]struct{}{}
	for _, r := range m.ExtraRoles {
		set[r] = struct{}{}
	}
	for _, u := range m.Users {
		for _, r := range u.Roles {
			set[r] = struct{}{}
		}
	}
	roles := make([]string, 0, len(set))
	for r := range set {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles, nil
}

func (m *MockUserStore) ListGroups(ctx context.Context) ([]model.Group, error) {
	set := map[int64]struct{}{}
	for _, g := range m.ExtraGroups {
		set[g] = struct{}{}
	}
	for _, u := range m.Users {
		for _, g := range u.Groups {
			set[g] = struct{}{}
		}
	}
	groups := make([]model.Group, 0, len(set))
	for g := range set {
		groups = append(groups, model.Group{ID: g, Name: "group " + strconv.FormatInt(g, 10)})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (m *MockUserStore) UnknownRoles(ctx context.Context, roles []string) ([]string, error) {
	known, _ := m.ListRoles(ctx)
	unknown := []string{}
	for _, r := range roles {
		if !hasAny(known, []string{r}) {
			unknown = append(unknown, r)
		}
	}
	return unknown, nil
}

// UnknownGroups treats every group as defined while Pages scripts resolution.
func (m *MockUserStore) UnknownGroups(ctx context.Context, groupIDs []int64) ([]int64, error) {
	unknown := []int64{}
	if m.Pages != nil {
		return unknown, nil
	}
	known, _ := m.ListGroups(ctx)
	for _, id := range groupIDs {
		found := false
		for _, g := range known {
			found = found || g.ID == id
		}
		if !found {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

func (m *MockUserStore) page(all []model.RecipientID, pageSize, page int) []model.RecipientID {
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []model.RecipientID{}
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func (m *MockUserStore) find(id model.RecipientID) *MockUser {
	for i := range m.Users {
		if m.Users[i].ID == id {
			return &m.Users[i]
		}
	}
	return nil
}

func hasAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// MockResetKeys hands out predictable keys and counts them.
type MockResetKeys struct {
	mu     sync.Mutex
	Issued []string
}

func (m *MockResetKeys) IssueResetKey(ctx context.Context, r *model.Recipient) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Issued = append(m.Issued, r.Login)
	return "key-" + r.Login, nil
}

// SentMail is one call to MockMailer.
type SentMail struct {
	To, Subject, Body string
}

// MockMailer records sends. Fail, when set, decides per address whether the
// send errors. OnSend runs after each recorded send.
type MockMailer struct {
	mu     sync.Mutex
	Sent   []SentMail
	Fail   func(to string) error
	OnSend func(n int)
}

func (m *MockMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, SentMail{To: to, Subject: subject, Body: body})
	n := len(m.Sent)
	m.mu.Unlock()
	if m.OnSend != nil {
		m.OnSend(n)
	}
	if m.Fail != nil {
		return m.Fail(to)
	}
	return nil
}

func (m *MockMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// makeUsers builds n subscribers with ids 1..n.
func makeUsers(n int) []MockUser {
	users := make([]MockUser, 0, n)
	for i := 1; i <= n; i++ {
		login := "user" + strconv.Itoa(i)
		users = append(users, MockUser{
			Recipient: model.Recipient{ID: model.RecipientID(i), Login: login, Email: login + "@example.com"},
			Roles:     []string{"subscriber"},
		})
	}
	return users
}
