package db

import (
	"context"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDirectory reads the user registry from the chat_users table.
type PGDirectory struct {
	Pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory { return &PGDirectory{Pool: pool} }

func (d *PGDirectory) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	return d.collect(ctx, `SELECT id FROM chat_users WHERE active ORDER BY id`)
}

func (d *PGDirectory) ListUserIDsInGroup(ctx context.Context, tag string) ([]string, error) {
	return d.collect(ctx, `SELECT id FROM chat_users WHERE active AND $1 = ANY(groups) ORDER BY id`, tag)
}

func (d *PGDirectory) collect(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := d.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertUser registers or updates an end user.
func (d *PGDirectory) UpsertUser(ctx context.Context, id string, active bool, groups []string) error {
	if groups == nil {
		groups = []string{}
	}
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO chat_users(id, active, groups) VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, groups = EXCLUDED.groups
	`, id, active, groups)
	return err
}

type memUser struct {
	active bool
	groups []string
}

// MemoryDirectory is an in-process user registry.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]memUser
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: map[string]memUser{}}
}

func (d *MemoryDirectory) UpsertUser(_ context.Context, id string, active bool, groups []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = memUser{active: active, groups: slices.Clone(groups)}
	return nil
}

func (d *MemoryDirectory) ListActiveUserIDs(context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, u := range d.users {
		if u.active {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (d *MemoryDirectory) ListUserIDsInGroup(_ context.Context, tag string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, u := range d.users {
		if u.active && slices.Contains(u.groups, tag) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
