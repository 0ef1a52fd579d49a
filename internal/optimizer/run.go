package optimizer

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/radiusdt/spend-optimizer/internal/analytics"
	"github.com/radiusdt/spend-optimizer/internal/models"
)

// ErrSuperseded is the result of a run replaced by a newer request for the
// same client before it finished.
var ErrSuperseded = errors.New("optimization superseded by a newer request")

// Progress reports how far a run got through the pipeline.
type Progress struct {
	Step      analytics.Step `json:"step,omitempty"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
}

// Run is the handle of one asynchronous optimization.
type Run struct {
	Seq     uint64
	Key     string
	Request Request

	completed atomic.Int32
	done      chan struct{}
	report    *models.Report
	err       error
}

func newRun(req Request) *Run {
	return &Run{
		Key:     req.Key(),
		Request: req,
		done:    make(chan struct{}),
	}
}

// Done is closed once the run has a result.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done. A superseded run
// returns ErrSuperseded.
func (r *Run) Wait(ctx context.Context) (*models.Report, error) {
	select {
	case <-r.done:
		return r.report, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) Progress() Progress {
	n := int(r.completed.Load())
	p := Progress{Completed: n, Total: len(analytics.Steps)}
	if n > 0 {
		p.Step = analytics.Steps[n-1]
	}
	return p
}

func (r *Run) onStep(step analytics.Step) {
	for i, s := range analytics.Steps {
		if s == step {
			r.completed.Store(int32(i + 1))
			return
		}
	}
}

func (r *Run) finish(report *models.Report, err error) {
	r.report = report
	r.err = err
	close(r.done)
}
