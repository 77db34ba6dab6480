package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nateabele/jsengine/internal/host"
	"github.com/nateabele/jsengine/internal/loader"
	"github.com/nateabele/jsengine/internal/model"
	"github.com/nateabele/jsengine/internal/store"
)

// DefaultTimeoutS is the default run timeout in seconds when none is specified.
const DefaultTimeoutS = 30

var (
	ErrEnvNotFound    = errors.New("environment not found")
	ErrDefaultEnv     = errors.New("the default environment cannot be destroyed")
	ErrClosed         = errors.New("engine is closed")
	ErrInvalidRequest = errors.New("invalid request")
)

// Options configures an Engine.
type Options struct {
	// ModuleRoot is the directory imports and loaded files resolve in. Empty
	// disables file access entirely.
	ModuleRoot string
	// MaxPendingTimers is passed to every host instance.
	MaxPendingTimers int
	// DefaultTimeoutS applies to runs that carry no timeout. Zero means
	// DefaultTimeoutS.
	DefaultTimeoutS int
	// Echo, if set, also receives every console record of every environment.
	Echo host.Sink
}

// Request describes one evaluation against an environment.
type Request struct {
	EnvID    string
	Kind     string
	TimeoutS *int

	// KindRun: script text, evaluated as an ES module when Specifier is set.
	Source    string
	Specifier string
	// KindLoad: root-relative files.
	Files []string
	// KindCall: global function and its arguments.
	Function string
	Args     []any
}

func (r Request) validate() error {
	switch r.Kind {
	case model.KindRun:
	case model.KindLoad:
		if len(r.Files) == 0 {
			return errors.New("load requires at least one file")
		}
	case model.KindCall:
		if r.Function == "" {
			return errors.New("call requires a function name")
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.TimeoutS != nil && *r.TimeoutS < 0 {
		return errors.New("timeout_s must not be negative")
	}
	return nil
}

func (r Request) recordedSource() string {
	switch r.Kind {
	case model.KindLoad:
		return strings.Join(r.Files, "\n")
	case model.KindCall:
		return r.Function
	}
	return r.Source
}

// Engine owns the live environments and the lifecycle of every run.
type Engine struct {
	store   store.Store
	logger  *slog.Logger
	opts    Options
	modules *loader.Loader
	envs    *xsync.MapOf[string, *environment]
	broker  *OutputBroker
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewEngine creates an engine with its default environment.
func NewEngine(s store.Store, opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.DefaultTimeoutS <= 0 {
		opts.DefaultTimeoutS = DefaultTimeoutS
	}
	e := &Engine{
		store:  s,
		logger: logger,
		opts:   opts,
		envs:   xsync.NewMapOf[string, *environment](),
		broker: NewOutputBroker(),
	}

	if opts.ModuleRoot != "" {
		l, err := loader.New(opts.ModuleRoot)
		if err != nil {
			return nil, err
		}
		e.modules = l
	}

	if _, err := e.createEnv(model.DefaultEnvID); err != nil {
		if e.modules != nil {
			e.modules.Close()
		}
		return nil, err
	}
	return e, nil
}

// Broker returns the engine's output broker for SSE subscription.
func (e *Engine) Broker() *OutputBroker {
	return e.broker
}

// CreateEnv starts a new isolated environment.
func (e *Engine) CreateEnv() (*model.Env, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	env, err := e.createEnv(model.NewID())
	if err != nil {
		return nil, err
	}
	return env.describe(), nil
}

func (e *Engine) createEnv(id string) (*environment, error) {
	out := &routingSink{echo: e.opts.Echo}
	var source host.SourceLoader
	if e.modules != nil {
		source = e.modules
	}

	inst, err := host.New(host.Options{
		Sink:             out,
		Source:           source,
		MaxPendingTimers: e.opts.MaxPendingTimers,
		Logger:           e.logger.With("env_id", id),
	})
	if err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}

	env := &environment{
		id:        id,
		createdAt: time.Now().UTC(),
		inst:      inst,
		out:       out,
	}
	e.envs.Store(id, env)
	environments.Inc()
	e.logger.Info("environment created", "env_id", id)
	return env, nil
}

// DestroyEnv shuts an environment down, cancelling its pending timers and any
// run in progress. The default environment cannot be destroyed.
func (e *Engine) DestroyEnv(id string) error {
	if id == model.DefaultEnvID {
		return ErrDefaultEnv
	}
	env, ok := e.envs.LoadAndDelete(id)
	if !ok {
		return ErrEnvNotFound
	}
	env.inst.Shutdown()
	environments.Dec()
	e.logger.Info("environment destroyed", "env_id", id)
	return nil
}

// GetEnv describes one environment.
func (e *Engine) GetEnv(id string) (*model.Env, error) {
	env, ok := e.envs.Load(id)
	if !ok {
		return nil, ErrEnvNotFound
	}
	return env.describe(), nil
}

// ListEnvs describes every environment, oldest first.
func (e *Engine) ListEnvs() []*model.Env {
	envs := make([]*model.Env, 0, e.envs.Size())
	e.envs.Range(func(_ string, env *environment) bool {
		envs = append(envs, env.describe())
		return true
	})
	slices.SortFunc(envs, func(a, b *model.Env) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return envs
}

// Run records and executes req, blocking until it finishes. Script failures
// are recorded on the returned run, not returned as errors.
func (e *Engine) Run(ctx context.Context, req Request) (*model.Run, error) {
	env, run, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	e.execute(ctx, env, run, req)
	return e.store.GetRun(context.Background(), run.ID)
}

// Submit records req with status "pending" and executes it in a goroutine.
// The goroutine operates on a copy of the run to avoid data races with the
// caller.
func (e *Engine) Submit(ctx context.Context, req Request) (*model.Run, error) {
	env, run, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCopy := *run
	e.wg.Go(func() {
		e.execute(context.Background(), env, &runCopy, req)
	})
	return run, nil
}

// Global reads one global binding of an environment.
func (e *Engine) Global(ctx context.Context, envID, name string) (any, error) {
	env, ok := e.envs.Load(envID)
	if !ok {
		return nil, ErrEnvNotFound
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.inst.Global(ctx, name)
}

// Wait blocks until all submitted runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close shuts every environment down, waits for submitted runs to finish and
// releases the module root. It is idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var g errgroup.Group
	e.envs.Range(func(id string, env *environment) bool {
		g.Go(func() error {
			env.inst.Shutdown()
			e.logger.Debug("environment shut down", "env_id", id)
			return nil
		})
		return true
	})
	if err := g.Wait(); err != nil {
		return err
	}
	e.envs.Clear()
	environments.Set(0)
	e.wg.Wait()

	if e.modules != nil {
		return e.modules.Close()
	}
	return nil
}

func (e *Engine) prepare(ctx context.Context, req Request) (*environment, *model.Run, error) {
	if e.closed.Load() {
		return nil, nil, ErrClosed
	}
	if err := req.validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.EnvID == "" {
		req.EnvID = model.DefaultEnvID
	}
	env, ok := e.envs.Load(req.EnvID)
	if !ok {
		return nil, nil, ErrEnvNotFound
	}

	run := &model.Run{
		ID:        model.NewID(),
		EnvID:     req.EnvID,
		Kind:      req.Kind,
		Status:    model.StatusPending,
		Source:    req.recordedSource(),
		Specifier: req.Specifier,
		TimeoutS:  req.TimeoutS,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	return env, run, nil
}

// execute runs one request through its lifecycle: pending→running→
// completed/failed/cancelled.
func (e *Engine) execute(parent context.Context, env *environment, run *model.Run, req Request) {
	// Close the output stream when execution finishes, regardless of outcome.
	defer e.broker.Close(run.ID)

	if err := e.store.UpdateRunStatus(context.Background(), run.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "run_id", run.ID, "error", err)
		e.finish(run, nil, model.StatusFailed, "", fmt.Errorf("failed to start: %w", err))
		return
	}
	start := time.Now()

	timeoutS := e.opts.DefaultTimeoutS
	if run.TimeoutS != nil && *run.TimeoutS > 0 {
		timeoutS = *run.TimeoutS
	}
	ctx, cancel := context.WithTimeout(parent, time.Duration(timeoutS)*time.Second)
	defer cancel()

	env.mu.Lock()
	// The writer dual-writes: persist to SQLite for history, then publish to
	// the broker for live SSE.
	seq := 0
	env.out.attach(func(rec host.OutputRecord) {
		line := model.OutputLine{
			RunID:     run.ID,
			Seq:       seq,
			Stream:    string(rec.Stream),
			Text:      rec.Text,
			CreatedAt: time.Now().UTC(),
		}
		seq++
		if err := e.store.InsertOutputLine(context.Background(), run.ID, line.Seq, line.Stream, line.Text); err != nil {
			e.logger.Error("failed to persist output line", "run_id", run.ID, "seq", line.Seq, "error", err)
		}
		e.broker.Publish(line)
	})
	value, err := dispatch(ctx, env.inst, req)
	env.out.attach(nil)
	env.mu.Unlock()

	runDuration.WithLabelValues(run.Kind).Observe(time.Since(start).Seconds())

	if err != nil {
		status := model.StatusFailed
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil && parent.Err() == nil:
			err = fmt.Errorf("run timed out after %ds", timeoutS)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, host.ErrShutdown):
			status = model.StatusCancelled
		}
		e.finish(run, &start, status, "", err)
		return
	}

	result, err := host.EncodeResult(value)
	if err != nil {
		e.finish(run, &start, model.StatusFailed, "", err)
		return
	}
	e.finish(run, &start, model.StatusCompleted, result, nil)
}

func dispatch(ctx context.Context, inst *host.Instance, req Request) (any, error) {
	switch req.Kind {
	case model.KindLoad:
		return host.Undefined, inst.LoadFiles(ctx, req.Files...)
	case model.KindCall:
		return inst.Call(ctx, req.Function, req.Args...)
	}
	var mod *host.ModuleContext
	if req.Specifier != "" {
		mod = &host.ModuleContext{Specifier: req.Specifier}
	}
	return inst.RunScript(ctx, req.Source, mod)
}

// finish records a run's outcome. startedAt may be nil if execution never
// started.
func (e *Engine) finish(run *model.Run, startedAt *time.Time, status, result string, runErr error) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	done := &model.Run{
		ID:         run.ID,
		Status:     status,
		Result:     result,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}
	if runErr != nil {
		done.Error = runErr.Error()
		var serr *host.ScriptEvaluationError
		if errors.As(runErr, &serr) {
			done.Error = serr.Message
			if serr.Location != nil {
				done.ErrorLine = &serr.Location.Line
				done.ErrorColumn = &serr.Location.Column
			}
		}
	}

	runsTotal.WithLabelValues(run.Kind, status).Inc()
	if err := e.store.UpdateRun(context.Background(), done); err != nil {
		e.logger.Error("failed to record run outcome", "run_id", run.ID, "status", status, "error", err)
		return
	}
	e.logger.Info("run finished", "run_id", run.ID, "env_id", run.EnvID, "kind", run.Kind,
		"status", status, "duration_ms", durationMS)
}
