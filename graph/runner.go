package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/superstep-go/graph/codec"
	"github.com/dshills/superstep-go/graph/log"
	"github.com/dshills/superstep-go/graph/store"
)

// Checkpoint labels.
const (
	checkpointInitial        = "after_initial_execution"
	checkpointTypeInitial    = "initial"
	checkpointTypeSuperstep  = "superstep"
	superstepCheckpointLabel = "superstep_%d"
)

// Runner drives the superstep loop of one graph.
//
// Each superstep drains every queued message, delivers the messages of each
// source executor through that source's edge runners, waits for all handlers
// to return and then checkpoints. The loop ends when a superstep leaves no
// messages behind or the iteration cap is hit.
//
// Only one run may be active per Runner at a time.
type Runner struct {
	executors   map[string]Executor
	edgeRunners map[string][]EdgeRunner
	fanIns      []*fanInEdgeRunner
	state       *SharedState
	rc          RunnerContext
	cfg         workflowConfig

	graphSignatureHash string

	iteration int
	resumed   bool
	running   atomic.Bool
}

// NewRunner wires edge groups to executors. Options other than iteration
// cap, timeouts, pool size and metrics are ignored by the runner.
func NewRunner(groups []EdgeGroup, executors map[string]Executor, state *SharedState, rc RunnerContext, opts ...Option) (*Runner, error) {
	cfg := defaultWorkflowConfig()
	if err := applyOptions(&cfg, opts); err != nil {
		return nil, err
	}
	return newRunner(groups, executors, state, rc, cfg)
}

func newRunner(groups []EdgeGroup, executors map[string]Executor, state *SharedState, rc RunnerContext, cfg workflowConfig) (*Runner, error) {
	r := &Runner{
		executors:   executors,
		edgeRunners: make(map[string][]EdgeRunner),
		state:       state,
		rc:          rc,
		cfg:         cfg,
	}
	for _, g := range groups {
		er, err := newEdgeRunner(g, executors, r.invoke)
		if err != nil {
			return nil, err
		}
		for _, source := range g.SourceIDs() {
			r.edgeRunners[source] = append(r.edgeRunners[source], er)
		}
		if fi, ok := er.(*fanInEdgeRunner); ok {
			r.fanIns = append(r.fanIns, fi)
		}
	}
	return r, nil
}

// Context returns the runner's RunnerContext.
func (r *Runner) Context() RunnerContext { return r.rc }

// SharedState returns the runner's shared state.
func (r *Runner) SharedState() *SharedState { return r.state }

// Iteration returns the number of the next superstep.
func (r *Runner) Iteration() int { return r.iteration }

// ResetIterationCount sets the superstep counter back to zero.
func (r *Runner) ResetIterationCount() { r.iteration = 0 }

// ResetForNewRun prepares the runner for an independent run: the superstep
// counter goes back to zero, a previous resume is forgotten and messages
// waiting in fan-in groups are dropped.
func (r *Runner) ResetForNewRun() {
	r.iteration = 0
	r.resumed = false
	for _, fi := range r.fanIns {
		fi.resetBuffer()
	}
}

// IsRunning reports whether RunUntilConvergence is in progress.
func (r *Runner) IsRunning() bool { return r.running.Load() }

// SetGraphSignatureHash sets the hash stored in, and checked against,
// checkpoints.
func (r *Runner) SetGraphSignatureHash(hash string) { r.graphSignatureHash = hash }

// RunUntilConvergence runs supersteps until no messages remain, passing
// every event to yield as soon as it is emitted.
//
// Events emitted during a superstep are yielded while the superstep is still
// delivering. If delivery fails, events already emitted (for example the
// ExecutorFailedEvent) are yielded before the error is returned.
func (r *Runner) RunUntilConvergence(ctx context.Context, yield func(WorkflowEvent)) error {
	if !r.running.CompareAndSwap(false, true) {
		return &WorkflowError{Message: "runner is already running", Code: CodeAlreadyRunning, Err: ErrAlreadyRunning}
	}
	defer r.running.Store(false)

	r.cfg.metrics.RunStarted()
	defer r.cfg.metrics.RunFinished()

	flush := func() {
		for _, ev := range r.rc.DrainEvents() {
			yield(ev)
		}
	}

	if r.rc.HasEvents() {
		log.Debugf("Yielding pre-loop events")
		flush()
	}

	if r.rc.HasMessages() && r.rc.HasCheckpointing() {
		if !r.resumed {
			r.createCheckpoint(ctx, checkpointInitial)
		} else {
			log.Debugf("Skipping %q checkpoint because the run resumed from a checkpoint", checkpointInitial)
		}
	}

	pool, err := ants.NewPool(r.cfg.deliveryPoolSize)
	if err != nil {
		return fmt.Errorf("failed to create delivery pool: %w", err)
	}
	defer pool.Release()

	for r.iteration < r.cfg.maxIterations {
		log.Debugf("Starting superstep %d", r.iteration+1)
		start := time.Now()

		done := make(chan error, 1)
		go func() { done <- r.runIteration(ctx, pool) }()

		var iterErr error
	deliver:
		for {
			select {
			case <-r.rc.EventSignal():
				flush()
			case iterErr = <-done:
				break deliver
			}
		}
		flush()
		if iterErr != nil {
			return iterErr
		}

		r.iteration++
		r.cfg.metrics.RecordSuperstep(r.rc.WorkflowID(), time.Since(start))
		log.Debugf("Completed superstep %d", r.iteration)

		r.createCheckpoint(ctx, fmt.Sprintf(superstepCheckpointLabel, r.iteration))

		if !r.rc.HasMessages() {
			break
		}
	}

	if r.iteration >= r.cfg.maxIterations && r.rc.HasMessages() {
		return &WorkflowError{
			Message: fmt.Sprintf("runner did not converge after %d iterations", r.cfg.maxIterations),
			Code:    CodeMaxIterationsExceeded,
			Err:     ErrConvergence,
		}
	}

	log.Debugf("Workflow completed after %d supersteps", r.iteration)
	r.iteration = 0
	r.resumed = false
	return nil
}

// runIteration delivers one superstep. Source buckets run concurrently on
// pool; messages within a bucket are delivered in order, each one through
// all of the source's edge runners at once.
func (r *Runner) runIteration(ctx context.Context, pool *ants.Pool) error {
	messages := r.rc.DrainMessages()

	sources := make([]string, 0, len(messages))
	pending := 0
	for source, msgs := range messages {
		sources = append(sources, source)
		pending += len(msgs)
	}
	sort.Strings(sources)
	r.cfg.metrics.SetPendingMessages(pending)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for _, source := range sources {
		msgs := messages[source]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if err := r.deliverBucket(ctx, source, msgs); err != nil {
				record(err)
			}
		})
		if err != nil {
			wg.Done()
			record(fmt.Errorf("failed to schedule delivery for %s: %w", source, err))
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Runner) deliverBucket(ctx context.Context, source string, msgs []Message) error {
	runners := r.edgeRunners[source]
	if len(runners) == 0 {
		log.Warnf("No outgoing edges found for executor %s; dropping messages.", source)
		return nil
	}
	delivered := 0
	defer func() { r.cfg.metrics.AddMessagesDelivered(source, delivered) }()
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg = normalizePayload(msg)
		g, gctx := errgroup.WithContext(ctx)
		for _, er := range runners {
			g.Go(func() error {
				_, err := er.SendMessage(gctx, msg, r.state, r.rc)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		delivered++
	}
	return nil
}

// normalizePayload decodes payloads still in checkpoint form so handlers
// never see encoded placeholders.
func normalizePayload(msg Message) Message {
	if !codec.IsEncoded(msg.Data) {
		return msg
	}
	decoded := codec.Decode(msg.Data)
	if codec.IsEncoded(decoded) {
		log.Debugf("Payload from %s stayed encoded after decoding", msg.SourceID)
	}
	msg.Data = decoded
	return msg
}

// invoke wraps one handler call with tracing, timeouts and metrics.
func (r *Runner) invoke(ctx context.Context, exec Executor, msg Message, sourceIDs []string, state *SharedState, rc RunnerContext) error {
	ctx, span := startExecutorSpan(ctx, exec, msg)
	start := time.Now()

	timeout := handlerTimeout(exec.ID(), r.cfg.executorTimeouts, r.cfg.defaultHandlerTimeout)
	err := executeWithTimeout(ctx, exec, msg, sourceIDs, state, rc, timeout)

	status := "success"
	var we *WorkflowError
	switch {
	case errors.As(err, &we) && we.Code == CodeHandlerTimeout:
		status = "timeout"
	case err != nil:
		status = "error"
	}
	r.cfg.metrics.RecordHandlerLatency(exec.ID(), time.Since(start), status)
	endSpan(span, err)
	return err
}

// createCheckpoint snapshots executors and saves a checkpoint. Failures are
// logged; the run continues.
func (r *Runner) createCheckpoint(ctx context.Context, label string) string {
	if !r.rc.HasCheckpointing() {
		return ""
	}
	r.snapshotExecutorStates(ctx)

	category := checkpointTypeSuperstep
	if label == checkpointInitial {
		category = checkpointTypeInitial
	}
	metadata := map[string]any{
		store.MetaSuperstep:      r.iteration,
		store.MetaCheckpointType: category,
	}
	if r.graphSignatureHash != "" {
		metadata[store.MetaGraphSignature] = r.graphSignatureHash
	}
	if buffers := r.fanInBuffers(); len(buffers) > 0 {
		metadata[store.MetaFanInBuffers] = buffers
	}

	id, err := r.rc.CreateCheckpoint(ctx, r.state, r.iteration, metadata)
	if err != nil {
		log.Warnf("Failed to create %s checkpoint: %v", label, err)
		r.cfg.metrics.IncrementCheckpoints(category, "error")
		return ""
	}
	r.cfg.metrics.IncrementCheckpoints(category, "success")
	log.Debugf("Created %s checkpoint: %s", label, id)
	return id
}

func (r *Runner) snapshotExecutorStates(ctx context.Context) {
	ids := make([]string, 0, len(r.executors))
	for id := range r.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s, ok := r.executors[id].(Snapshottable)
		if !ok {
			continue
		}
		st, err := s.SnapshotState(ctx)
		if err != nil {
			log.Debugf("Executor %s snapshot_state failed: %v", id, err)
			continue
		}
		if st == nil {
			continue
		}
		if err := setExecutorState(r.state, id, st); err != nil {
			log.Debugf("Failed to persist state for executor %s: %v", id, err)
		}
	}
}

// RestoreFromCheckpoint loads checkpointID and prepares the runner to resume
// from it. The checkpoint is read from the runner context when it has
// checkpointing, otherwise from storage.
//
// Most failures are logged and reported as false with a nil error. A graph
// signature mismatch (ErrGraphSignatureMismatch) and malformed executor state
// (ErrInvalidExecutorState) are returned as errors.
func (r *Runner) RestoreFromCheckpoint(ctx context.Context, checkpointID string, storage store.CheckpointStorage) (bool, error) {
	var (
		cp  *store.WorkflowCheckpoint
		err error
	)
	switch {
	case r.rc.HasCheckpointing():
		cp, err = r.rc.LoadCheckpoint(ctx, checkpointID)
	case storage != nil:
		cp, err = storage.LoadCheckpoint(ctx, checkpointID)
	default:
		log.Warnf("Context does not support checkpointing and no external storage was provided")
		return false, nil
	}
	if errors.Is(err, store.ErrNotFound) || (err == nil && cp == nil) {
		log.Errorf("Checkpoint %s not found", checkpointID)
		return false, nil
	}
	if err != nil {
		log.Errorf("Failed to restore from checkpoint %s: %v", checkpointID, err)
		return false, nil
	}

	checkpointHash := cp.GraphSignature()
	if r.graphSignatureHash != "" && checkpointHash != "" && r.graphSignatureHash != checkpointHash {
		return false, fmt.Errorf("%w: checkpoint %s; rebuild the original workflow before resuming",
			ErrGraphSignatureMismatch, checkpointID)
	}
	if r.graphSignatureHash != "" && checkpointHash == "" {
		log.Warnf("Checkpoint %s does not include graph signature metadata; skipping topology validation.", checkpointID)
	}

	r.rc.SetWorkflowID(cp.WorkflowID)
	if decoded, ok := codec.Decode(cp.SharedState).(map[string]any); ok {
		r.state.Import(decoded)
	}
	if err := r.restoreExecutorStates(ctx); err != nil {
		return false, err
	}
	if err := r.rc.ApplyCheckpoint(cp); err != nil {
		log.Errorf("Failed to restore from checkpoint %s: %v", checkpointID, err)
		return false, nil
	}
	if err := r.restoreFanInBuffers(cp.Metadata[store.MetaFanInBuffers]); err != nil {
		log.Errorf("Failed to restore from checkpoint %s: %v", checkpointID, err)
		return false, nil
	}
	r.markResumed(cp.IterationCount)

	log.Infof("Successfully restored workflow from checkpoint: %s", checkpointID)
	return true, nil
}

func (r *Runner) restoreExecutorStates(ctx context.Context) error {
	if !r.state.Has(ExecutorStateKey) {
		return nil
	}
	raw, err := r.state.Get(ExecutorStateKey)
	if err != nil {
		return nil
	}
	states, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: executor states are %T, not a map", ErrInvalidExecutorState, raw)
	}

	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st, ok := states[id].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: state for executor %s is %T, not a map", ErrInvalidExecutorState, id, states[id])
		}
		exec, ok := r.executors[id]
		if !ok {
			return fmt.Errorf("%w: executor %s not found during state restoration", ErrInvalidExecutorState, id)
		}
		s, ok := exec.(Snapshottable)
		if !ok {
			log.Debugf("Executor %s does not support state restoration; skipping.", id)
			continue
		}
		if err := s.RestoreState(ctx, st); err != nil {
			return fmt.Errorf("%w: executor %s restore failed: %v", ErrInvalidExecutorState, id, err)
		}
	}
	return nil
}

// fanInBuffers collects the messages waiting in fan-in groups, keyed by
// group.
func (r *Runner) fanInBuffers() map[string]any {
	out := make(map[string]any)
	for _, fi := range r.fanIns {
		if snap := fi.snapshotBuffer(); snap != nil {
			out[fi.bufferKey()] = snap
		}
	}
	return out
}

// restoreFanInBuffers replaces every fan-in buffer with the checkpoint's.
// Groups the checkpoint does not mention start empty.
func (r *Runner) restoreFanInBuffers(raw any) error {
	for _, fi := range r.fanIns {
		fi.resetBuffer()
	}
	if raw == nil {
		return nil
	}
	buffers, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("fan-in buffers are %T, not a map", raw)
	}
	byKey := make(map[string]*fanInEdgeRunner, len(r.fanIns))
	for _, fi := range r.fanIns {
		byKey[fi.bufferKey()] = fi
	}
	for key, snap := range buffers {
		fi, ok := byKey[key]
		if !ok {
			log.Warnf("Checkpoint holds messages for unknown fan-in group %s; dropping them.", key)
			continue
		}
		m, ok := snap.(map[string]any)
		if !ok {
			return fmt.Errorf("fan-in buffer %s is %T, not a map", key, snap)
		}
		if err := fi.restoreBuffer(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) markResumed(iteration int) {
	r.resumed = true
	r.iteration = iteration
}
