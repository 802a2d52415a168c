/*
Package supervise handles directives pushed by the watcher, chiefly "shutdown".

The subsystems a shutdown must stop are registered explicitly in a Set.
The handler only holds references to them; their owners remain responsible for creating them and must tolerate concurrent stop calls.
*/
package supervise

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/guseggert/watchlink/packet"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ActionShutdown is the directive the watcher pushes to shut the process down.
const ActionShutdown = "shutdown"

// Scheduler is a unit of ongoing work, such as an audio track scheduler.
type Scheduler interface {
	Stop() error
}

// Shard is a sub-connection of the host process.
type Shard interface {
	// PrepareShutdown asks the shard to begin a graceful stop.
	PrepareShutdown() error
	// Terminate forcibly closes the shard's underlying connection.
	Terminate() error
}

type SchedulerFunc func() error

func (f SchedulerFunc) Stop() error { return f() }

// Set is the set of subsystems stopped on shutdown. It is safe for concurrent use.
type Set struct {
	mut        sync.Mutex
	schedulers []Scheduler
	shards     []Shard
}

func (s *Set) AddScheduler(sc Scheduler) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.schedulers = append(s.schedulers, sc)
}

func (s *Set) AddShard(sh Shard) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.shards = append(s.shards, sh)
}

func (s *Set) snapshot() ([]Scheduler, []Shard) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]Scheduler(nil), s.schedulers...), append([]Shard(nil), s.shards...)
}

// Handler reacts to pushed directives.
type Handler struct {
	log  *zap.SugaredLogger
	set  *Set
	exit func(code int)

	shutdownOnce sync.Once
	errMut       sync.Mutex
	// shutdownErr holds the per-unit failures of the shutdown sequence, for callers whose exit func returns.
	shutdownErr error
}

type Option func(h *Handler)

// WithExitFunc replaces os.Exit as the final shutdown step.
func WithExitFunc(f func(code int)) Option {
	return func(h *Handler) {
		h.exit = f
	}
}

func NewHandler(log *zap.SugaredLogger, set *Set, opts ...Option) *Handler {
	h := &Handler{
		log:  log.Named("push_handler"),
		set:  set,
		exit: os.Exit,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandlePush dispatches a pushed packet. Unrecognized directives are ignored.
func (h *Handler) HandlePush(ctx context.Context, p packet.Packet) {
	switch p.Action {
	case ActionShutdown:
		h.Shutdown(ctx)
	default:
		h.log.Debugw("ignoring pushed packet", "Action", p.Action, "ID", p.ID)
	}
}

// Shutdown stops every registered subsystem and then exits the process.
// It runs at most once. Each step is best-effort: failures are logged and never prevent later units or steps.
func (h *Handler) Shutdown(ctx context.Context) {
	h.shutdownOnce.Do(func() {
		h.log.Info("shutdown requested by watcher")
		schedulers, shards := h.set.snapshot()

		errs := h.stopSchedulers(schedulers)

		for i, sh := range shards {
			err := sh.PrepareShutdown()
			if err != nil {
				h.log.Errorw("error preparing shard shutdown", "Shard", i, "Error", err)
				errs = multierr.Append(errs, fmt.Errorf("preparing shard %d: %w", i, err))
			}
		}

		for i, sh := range shards {
			err := sh.Terminate()
			if err != nil {
				h.log.Errorw("error terminating shard", "Shard", i, "Error", err)
				errs = multierr.Append(errs, fmt.Errorf("terminating shard %d: %w", i, err))
			}
		}

		h.errMut.Lock()
		h.shutdownErr = errs
		h.errMut.Unlock()
		if errs != nil {
			h.log.Warnw("shutdown completed with errors", "Failures", len(multierr.Errors(errs)))
		}
		h.log.Info("exiting")
		h.exit(0)
	})
}

// Err returns the failures recorded by Shutdown, if it has run.
func (h *Handler) Err() error {
	h.errMut.Lock()
	defer h.errMut.Unlock()
	return h.shutdownErr
}

// stopSchedulers stops all schedulers concurrently and waits for them.
func (h *Handler) stopSchedulers(schedulers []Scheduler) error {
	var (
		group  errgroup.Group
		errMut sync.Mutex
		errs   error
	)
	for i, sc := range schedulers {
		i, sc := i, sc
		group.Go(func() error {
			err := stopScheduler(sc)
			if err != nil {
				h.log.Errorw("error stopping scheduler", "Scheduler", i, "Error", err)
				errMut.Lock()
				errs = multierr.Append(errs, fmt.Errorf("stopping scheduler %d: %w", i, err))
				errMut.Unlock()
			}
			// never fail the group, every scheduler gets a stop attempt
			return nil
		})
	}
	_ = group.Wait()
	return errs
}

// stopScheduler converts a panicking Stop into an error so one bad scheduler can't abort the sequence.
func stopScheduler(sc Scheduler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sc.Stop()
}
