// Package repository persists judge records and fans out their changes.
package repository

import (
	"context"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

// RecordStore is the durable home of submission records.
type RecordStore interface {
	Get(ctx context.Context, domainID, id string) (*model.Record, error)
	Insert(ctx context.Context, rec *model.Record) error
	// Update applies upd when cond holds and returns the record after the
	// change. A failed condition yields RecordFinished or VersionConflict.
	Update(ctx context.Context, domainID, id string, upd model.RecordUpdate, cond model.UpdateCondition) (*model.Record, error)
	// GetMulti lists records of domainID, or of every domain when it is empty.
	GetMulti(ctx context.Context, domainID string, q model.RecordQuery) ([]*model.Record, error)
}

func recordNotFound(domainID, id string) error {
	return appErr.Newf(appErr.RecordNotFound, "record %s/%s not found", domainID, id)
}

// conditionError explains why cond rejected rec.
func conditionError(rec *model.Record, cond model.UpdateCondition) error {
	if cond.NotTerminal && rec.Status.IsTerminal() {
		return appErr.Newf(appErr.RecordFinished, "record %s is already %s", rec.ID, rec.Status).
			WithDetail("status", rec.Status)
	}
	return appErr.Newf(appErr.VersionConflict, "record %s version is %d, want %d", rec.ID, rec.Version, cond.Version)
}

func matchesQuery(rec *model.Record, domainID string, q model.RecordQuery) bool {
	if domainID != "" && rec.DomainID != domainID {
		return false
	}
	if q.UID != 0 && rec.UID != q.UID {
		return false
	}
	if !q.CreatedAfter.IsZero() && rec.CreatedAt.Before(q.CreatedAfter) {
		return false
	}
	if q.ExcludeRejudged && rec.Rejudged {
		return false
	}
	return true
}
