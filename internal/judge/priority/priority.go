// Package priority estimates the queue priority of a new submission from
// the submitter's recent activity.
package priority

import (
	"context"
	"math"
	"time"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

// Base priorities by submission kind.
const (
	BaseNormal  = 0
	BasePretest = -20
	BaseRejudge = -20
	BaseContest = 50

	// Penalty is the largest amount a base is lowered by.
	Penalty = 10000

	DefaultWindow = 30 * time.Minute
)

// RecordFinder lists records across domains when domainID is empty.
type RecordFinder interface {
	GetMulti(ctx context.Context, domainID string, q model.RecordQuery) ([]*model.Record, error)
}

type Estimator struct {
	records RecordFinder
	window  time.Duration
	now     func() time.Time
}

func NewEstimator(records RecordFinder, window time.Duration) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{records: records, window: window, now: time.Now}
}

// ComputePriority looks at uid's records created within the window that are
// not rejudges and lowers base by their pending count and consumed time.
func (e *Estimator) ComputePriority(ctx context.Context, uid int64, base int) (int, error) {
	recent, err := e.records.GetMulti(ctx, "", model.RecordQuery{
		UID:             uid,
		CreatedAfter:    e.now().Add(-e.window),
		ExcludeRejudged: true,
	})
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "load recent records failed")
	}
	pending := 0
	var timeSum int64
	for _, r := range recent {
		if r.Status.IsPending() {
			pending++
		}
		timeSum += r.Time
	}
	return Compute(base, pending, timeSum), nil
}

// Compute is max(base-10000, base-(pending*1000+1)*(timeSum/10000+1)),
// truncated toward zero.
func Compute(base, pending int, timeSum int64) int {
	penalty := float64(pending*1000+1) * (float64(timeSum)/10000 + 1)
	v := math.Max(float64(base-Penalty), float64(base)-penalty)
	return int(v)
}
