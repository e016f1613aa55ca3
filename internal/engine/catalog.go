package engine

import (
	"context"
	"fmt"

	"casematch/internal/domain"
	"casematch/internal/events"
)

// SyncResult summarizes one catalog sync run. Per-row failures are counted
// and reported here instead of aborting the batch.
type SyncResult struct {
	Synced      int      `json:"synced"`
	Deactivated int      `json:"deactivated"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors,omitempty"`
}

// SyncTables upserts a full catalog snapshot and deactivates rows missing
// from it. Deactivation keeps the row so past matches stay resolvable. The
// sync is idempotent; re-running the same snapshot is a no-op.
func (e Engine) SyncTables(ctx context.Context, snapshot []domain.DataTable, actorID string) (SyncResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SyncResult{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	var res SyncResult
	var keepIDs []string
	for i, t := range snapshot {
		if t.ID == "" || t.Name == "" {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: id and name are required", i))
			continue
		}
		t.Active = true
		t.SyncedAt = &now
		if t.CreatedAt == "" {
			t.CreatedAt = now
		}
		if err := e.Repo.UpsertTableTx(ctx, tx, t); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("row %d (%s): %v", i, t.ID, err))
			continue
		}
		keepIDs = append(keepIDs, t.ID)
		res.Synced++
	}

	deactivated, err := e.Repo.DeactivateTablesNotInTx(ctx, tx, keepIDs)
	if err != nil {
		return SyncResult{}, err
	}
	res.Deactivated = deactivated

	if err := e.Events.Append(ctx, tx, "catalog.synced", "", "catalog", "", actorID, "", events.EventPayload{
		"synced": res.Synced, "deactivated": res.Deactivated, "failed": res.Failed,
	}); err != nil {
		return SyncResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncResult{}, err
	}
	return res, nil
}
