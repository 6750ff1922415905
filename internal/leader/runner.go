package leader

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Elector emits leadership transitions for a single process identity.
type Elector interface {
	Run(ctx context.Context, emit func(isLeader bool)) error
}

// StaticElector emits a fixed role and then waits for context cancellation.
type StaticElector struct {
	IsLeader bool
}

// Run emits the configured static role until context cancellation.
func (e StaticElector) Run(ctx context.Context, emit func(isLeader bool)) error {
	emit(e.IsLeader)
	<-ctx.Done()
	return nil
}

// Runner runs leader-only work while this replica holds leadership.
type Runner struct {
	elector Elector
	logger  *zap.Logger

	// OnRole observes every role change, including the first one.
	OnRole func(isLeader bool)
}

// NewRunner creates a leader-election runner. A nil elector always leads.
func NewRunner(elector Elector, logger *zap.Logger) *Runner {
	if elector == nil {
		elector = StaticElector{IsLeader: true}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		elector: elector,
		logger:  logger,
	}
}

// Run blocks until ctx is done or the elector fails. Each time leadership is gained, work
// starts in its own context; that context is cancelled, and work awaited, when leadership
// is lost.
func (r *Runner) Run(ctx context.Context, work func(ctx context.Context)) error {
	electCtx, stopElection := context.WithCancel(ctx)
	defer stopElection()

	roles := make(chan bool, 8)
	electErr := make(chan error, 1)
	go func() {
		electErr <- r.elector.Run(electCtx, func(isLeader bool) {
			select {
			case roles <- isLeader:
			case <-electCtx.Done():
			}
		})
	}()

	var (
		haveRole bool
		leading  bool
		stop     context.CancelFunc
		done     chan struct{}
	)
	stopWork := func() {
		if stop == nil {
			return
		}
		stop()
		<-done
		stop = nil
	}
	defer stopWork()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-electErr:
			stopWork()
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		case isLeader := <-roles:
			if haveRole && isLeader == leading {
				continue
			}
			haveRole = true
			leading = isLeader
			r.logger.Info("leadership transition", zap.Bool("is_leader", isLeader))
			if r.OnRole != nil {
				r.OnRole(isLeader)
			}

			if !isLeader {
				stopWork()
				continue
			}
			workCtx, cancel := context.WithCancel(ctx)
			stop = cancel
			done = make(chan struct{})
			go func(finished chan struct{}) {
				defer close(finished)
				work(workCtx)
			}(done)
		}
	}
}
