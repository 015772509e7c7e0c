package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/massmail-backend/internal/errors"
	"github.com/unclebandit/massmail-backend/internal/model"
)

// RecipientResolver enumerates candidate recipients page by page. Pages are
// 1-indexed and an exhausted source returns an empty slice.
type RecipientResolver interface {
	ResolveByRoles(ctx context.Context, roles []string, unloggedOnly bool, pageSize, page int) ([]model.RecipientID, error)
	ResolveByGroups(ctx context.Context, groupIDs []int64, pageSize, page int) ([]model.RecipientID, error)
	// FilterNeverLoggedIn keeps the ids of users with no recorded login.
	FilterNeverLoggedIn(ctx context.Context, ids []model.RecipientID) ([]model.RecipientID, error)
}

// RecipientLookup fetches recipient detail at send time.
type RecipientLookup interface {
	GetRecipient(ctx context.Context, id model.RecipientID) (*model.Recipient, error)
	GetLogins(ctx context.Context, ids []model.RecipientID) ([]string, error)
}

// RecipientCatalog lists the roles and groups a selector may name.
type RecipientCatalog interface {
	ListRoles(ctx context.Context) ([]string, error)
	ListGroups(ctx context.Context) ([]model.Group, error)
	// UnknownRoles returns the entries of roles that are not defined, in order.
	UnknownRoles(ctx context.Context, roles []string) ([]string, error)
	UnknownGroups(ctx context.Context, groupIDs []int64) ([]int64, error)
}

// UserRepository reads the identity tables (users, roles, user_roles, groups,
// group_members).
type UserRepository struct {
	DB *sql.DB
}

func (r *UserRepository) ResolveByRoles(ctx context.Context, roles []string, unloggedOnly bool, pageSize, page int) ([]model.RecipientID, error) {
	query := `
        SELECT DISTINCT u.id
        FROM users u
        JOIN user_roles ur ON ur.user_id = u.id
        WHERE ur.role = ANY($1)`
	if unloggedOnly {
		query += ` AND u.last_login_at IS NULL`
	}
	query += ` ORDER BY u.id LIMIT $2 OFFSET $3`

	return r.queryIDs(ctx, query, pq.Array(roles), pageSize, offset(pageSize, page))
}

func (r *UserRepository) ResolveByGroups(ctx context.Context, groupIDs []int64, pageSize, page int) ([]model.RecipientID, error) {
	query := `
        SELECT DISTINCT user_id
        FROM group_members
        WHERE group_id = ANY($1)
        ORDER BY user_id LIMIT $2 OFFSET $3
    `
	return r.queryIDs(ctx, query, pq.Array(groupIDs), pageSize, offset(pageSize, page))
}

func (r *UserRepository) FilterNeverLoggedIn(ctx context.Context, ids []model.RecipientID) ([]model.RecipientID, error) {
	if len(ids) == 0 {
		return []model.RecipientID{}, nil
	}
	query := `SELECT id FROM users WHERE id = ANY($1) AND last_login_at IS NULL ORDER BY id`
	return r.queryIDs(ctx, query, pq.Array(toInt64s(ids)))
}

// GetRecipient returns appErrors.ErrRecipientNotFound for unknown ids.
func (r *UserRepository) GetRecipient(ctx context.Context, id model.RecipientID) (*model.Recipient, error) {
	query := `SELECT id, login, email, last_login_at FROM users WHERE id = $1`
	var u model.Recipient
	var uid int64
	err := r.DB.QueryRowContext(ctx, query, int64(id)).Scan(&uid, &u.Login, &u.Email, &u.LastLoginAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrRecipientNotFound
		}
		return nil, errors.Wrapf(err, "get recipient %d", id)
	}
	u.ID = model.RecipientID(uid)
	return &u, nil
}

func (r *UserRepository) GetLogins(ctx context.Context, ids []model.RecipientID) ([]string, error) {
	logins := []string{}
	if len(ids) == 0 {
		return logins, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT login FROM users WHERE id = ANY($1) ORDER BY id`, pq.Array(toInt64s(ids)))
	if err != nil {
		return nil, errors.Wrap(err, "get logins")
	}
	defer rows.Close()
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, errors.Wrap(err, "scan login")
		}
		logins = append(logins, login)
	}
	return logins, errors.Wrap(rows.Err(), "iterate logins")
}

func (r *UserRepository) ListRoles(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM roles ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list roles")
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ListGroups returns up to 999 groups, largest first.
func (r *UserRepository) ListGroups(ctx context.Context) ([]model.Group, error) {
	query := `
        SELECT g.id, g.name
        FROM groups g
        LEFT JOIN group_members m ON m.group_id = g.id
        GROUP BY g.id, g.name
        ORDER BY COUNT(m.user_id) DESC, g.id
        LIMIT 999
    `
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	defer rows.Close()

	groups := []model.Group{}
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, errors.Wrap(err, "scan group")
		}
		groups = append(groups, g)
	}
	return groups, errors.Wrap(rows.Err(), "iterate groups")
}

func (r *UserRepository) UnknownRoles(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return []string{}, nil
	}
	query := `
        SELECT want.name
        FROM unnest($1::text[]) WITH ORDINALITY AS want(name, pos)
        WHERE NOT EXISTS (SELECT 1 FROM roles WHERE roles.name = want.name)
        ORDER BY want.pos
    `
	rows, err := r.DB.QueryContext(ctx, query, pq.Array(roles))
	if err != nil {
		return nil, errors.Wrap(err, "check roles")
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (r *UserRepository) UnknownGroups(ctx context.Context, groupIDs []int64) ([]int64, error) {
	unknown := []int64{}
	if len(groupIDs) == 0 {
		return unknown, nil
	}
	query := `
        SELECT want.id
        FROM unnest($1::bigint[]) WITH ORDINALITY AS want(id, pos)
        WHERE NOT EXISTS (SELECT 1 FROM groups WHERE groups.id = want.id)
        ORDER BY want.pos
    `
	rows, err := r.DB.QueryContext(ctx, query, pq.Array(groupIDs))
	if err != nil {
		return nil, errors.Wrap(err, "check groups")
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan group id")
		}
		unknown = append(unknown, id)
	}
	return unknown, errors.Wrap(rows.Err(), "iterate groups")
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate rows")
}

func (r *UserRepository) queryIDs(ctx context.Context, query string, args ...interface{}) ([]model.RecipientID, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "resolve recipients")
	}
	defer rows.Close()

	ids := []model.RecipientID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan recipient id")
		}
		ids = append(ids, model.RecipientID(id))
	}
	return ids, errors.Wrap(rows.Err(), "iterate recipients")
}

func offset(pageSize, page int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}

var (
	_ RecipientResolver = (*UserRepository)(nil)
	_ RecipientLookup   = (*UserRepository)(nil)
	_ RecipientCatalog  = (*UserRepository)(nil)
)
