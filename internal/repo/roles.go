package repo

import (
	"context"
	"database/sql"
)

// UpsertActorRole stores an actor's role level (USER, MANAGER, ADMIN).
func (r Repo) UpsertActorRole(ctx context.Context, actorID, role, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actor_roles(actor_id,role,created_at) VALUES (?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET role=excluded.role`, actorID, role, now)
	return err
}

// GetActorRole returns the stored role for an actor, "" when unknown.
func (r Repo) GetActorRole(ctx context.Context, actorID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=?`, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}
