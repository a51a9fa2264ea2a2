package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/unitofwork/internal/cache"
	"github.com/roach88/unitofwork/internal/hooks"
	"github.com/roach88/unitofwork/internal/metrics"
	"github.com/roach88/unitofwork/internal/model"
)

// Pipeline drains an identity cache into command executors: inserts first,
// then updates, then deletes.
//
// A Pipeline belongs to one transaction context and runs on that context's
// flow. It adds no concurrency of its own.
type Pipeline struct {
	cache    *cache.IdentityCache
	contexts *Contexts

	contextID string
	hooks     *hooks.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	maxPasses int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithHooks sets the hook registry fired before and after submit.
func WithHooks(h *hooks.Registry) Option {
	return func(p *Pipeline) { p.hooks = h }
}

// WithContextID labels hook events and log lines.
func WithContextID(id string) Option {
	return func(p *Pipeline) { p.contextID = id }
}

// WithMaxPasses bounds the insert loop. Zero means unbounded; the loop
// still stops as soon as a pass makes no progress.
func WithMaxPasses(n int) Option {
	return func(p *Pipeline) { p.maxPasses = n }
}

// NewPipeline returns a pipeline over c writing through cs.
func NewPipeline(c *cache.IdentityCache, cs *Contexts, opts ...Option) *Pipeline {
	p := &Pipeline{cache: c, contexts: cs}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Stats summarises one run.
type Stats struct {
	Passes   int
	Inserted int
	FixedUp  int
	Updated  int
	Deleted  int
}

// run carries the state of one Run call.
type run struct {
	*Pipeline
	ctx      context.Context
	acquired []*Acquisition
	byStore  map[string]*Acquisition
	stats    Stats
}

// Run issues every pending write. When forFlush is set the cache is
// relabelled afterwards so later reads in the same transaction see the
// flushed objects as ordinary persisted rows.
//
// Every command context acquired during the run is released before Run
// returns, including on failure; release errors are joined to the result.
// Writes already issued are not undone here. Undo belongs to the store
// transaction.
func (p *Pipeline) Run(ctx context.Context, forFlush bool) (stats Stats, err error) {
	start := time.Now()
	r := &run{Pipeline: p, ctx: ctx, byStore: make(map[string]*Acquisition)}

	p.cache.BeginCommit()
	defer p.cache.EndCommit()
	defer func() {
		var releaseErrs []error
		for _, a := range r.acquired {
			if rerr := a.Release(); rerr != nil {
				releaseErrs = append(releaseErrs, rerr)
			}
		}
		err = errors.Join(append([]error{err}, releaseErrs...)...)
		stats = r.stats
		p.metrics.ObserveCommit(forFlush, err, time.Since(start))
	}()

	pending := p.pendingObjects()
	if err := p.fire(ctx, hooks.BeforeSubmit, pending, forFlush); err != nil {
		return r.stats, err
	}
	if err := r.commitNew(); err != nil {
		return r.stats, err
	}
	if err := r.commitUpdated(); err != nil {
		return r.stats, err
	}
	if err := r.commitDeleted(); err != nil {
		return r.stats, err
	}
	if err := p.fire(ctx, hooks.AfterSubmit, pending, forFlush); err != nil {
		return r.stats, err
	}
	if forFlush {
		if err := p.cache.CommitCompleted(); err != nil {
			return r.stats, err
		}
	}
	p.logger.Debug("commit pipeline finished",
		"context", p.contextID,
		"flush", forFlush,
		"passes", r.stats.Passes,
		"inserted", r.stats.Inserted,
		"fixups", r.stats.FixedUp,
		"updated", r.stats.Updated,
		"deleted", r.stats.Deleted)
	return r.stats, nil
}

func (p *Pipeline) fire(ctx context.Context, point hooks.Point, objs []*model.Record, flush bool) error {
	return p.hooks.Fire(ctx, hooks.Event{Point: point, ContextID: p.contextID, Objects: objs, Flush: flush})
}

// pendingObjects lists everything the run is about to write.
func (p *Pipeline) pendingObjects() []*model.Record {
	var out []*model.Record
	out = append(out, p.cache.NotReady()...)
	for _, r := range p.cache.NewObjects() {
		if !r.Inserted() {
			out = append(out, r)
		}
	}
	out = append(out, p.changedObjects()...)
	out = append(out, p.cache.DeletedObjects()...)
	return out
}

func (p *Pipeline) changedObjects() []*model.Record {
	var out []*model.Record
	for _, src := range [][]*model.Record{p.cache.ObjectsByID(), p.cache.ObjectsByPredicate()} {
		for _, r := range src {
			if r.State().Is(model.Changed) && !r.State().Is(model.New) && len(r.ChangedFields()) > 0 {
				out = append(out, r)
			}
		}
	}
	return out
}

// acquire returns the run's lease on store, taking it on first use.
func (r *run) acquire(store string) (*Acquisition, error) {
	if a, ok := r.byStore[store]; ok {
		return a, nil
	}
	a, err := r.contexts.Acquire(r.ctx, store)
	if err != nil {
		return nil, err
	}
	r.byStore[store] = a
	r.acquired = append(r.acquired, a)
	return a, nil
}

// commitNew inserts new objects with a retry-until-fixed-point loop.
//
// Each pass inserts every object whose required references point at rows
// that already exist (or every object, when the store defers constraint
// checks). Objects the executor could not write are retried next pass. The
// loop ends when nothing is left, and fails when a pass makes no progress.
// References written as NULL are patched with one update per object after
// every insert settled.
func (r *run) commitNew() error {
	var pending []*model.Record
	for _, obj := range r.cache.NewObjects() {
		if !obj.Inserted() {
			pending = append(pending, obj)
		}
	}
	var fixups []Fixup
	for {
		promoted, err := r.cache.PromoteReady()
		if err != nil {
			return err
		}
		pending = append(pending, promoted...)
		if len(pending) == 0 {
			break
		}
		if r.maxPasses > 0 && r.stats.Passes >= r.maxPasses {
			return model.NewUnresolvedDependency(pending)
		}
		r.stats.Passes++

		ready, retry, err := r.partition(pending)
		if err != nil {
			return err
		}
		progress := 0
		for _, g := range groupByType(ready) {
			a, err := r.acquire(g.typ.StoreName())
			if err != nil {
				return err
			}
			res, err := a.Executor().Insert(r.ctx, g.typ, g.objs)
			if err != nil {
				return fmt.Errorf("insert %s: %w", g.typ.Name, err)
			}
			written, err := classify(g.objs, res)
			if err != nil {
				return fmt.Errorf("insert %s: %w", g.typ.Name, err)
			}
			for _, obj := range written {
				obj.MarkInserted(true)
			}
			progress += len(written)
			retry = append(retry, res.ToRetry...)
			fixups = append(fixups, res.ToFixUp...)
			r.metrics.AddWrites(a.Store(), "insert", len(written))
			r.stats.Inserted += len(written)
		}
		r.logger.Debug("insert pass",
			"context", r.contextID,
			"pass", r.stats.Passes,
			"ready", len(ready),
			"retry", len(retry),
			"fixups", len(fixups))
		pending = retry
		if progress == 0 {
			if len(r.cache.NotReady()) > 0 {
				if err := r.cache.AssertObjectsAreReadyForCommit(); err != nil {
					return err
				}
			}
			return model.NewUnresolvedDependency(pending)
		}
	}
	r.metrics.ObservePasses(r.stats.Passes)

	if err := r.cache.AssertObjectsAreReadyForCommit(); err != nil {
		return err
	}
	return r.applyFixups(fixups)
}

// partition splits pending objects into those insertable now and those that
// must wait for a pass.
func (r *run) partition(pending []*model.Record) (ready, later []*model.Record, err error) {
	for _, obj := range pending {
		a, err := r.acquire(obj.Type().StoreName())
		if err != nil {
			return nil, nil, err
		}
		if readyNow(obj, a.Executor().DeferredConstraints()) {
			ready = append(ready, obj)
		} else {
			later = append(later, obj)
		}
	}
	return ready, later, nil
}

func readyNow(obj *model.Record, deferred bool) bool {
	if !obj.CommitReady() {
		return false
	}
	if deferred {
		return true
	}
	for _, ref := range obj.Type().Refs {
		if ref.Required && Pending(liveRef(obj, ref.Name)) {
			return false
		}
	}
	return true
}

// classify checks the executor's answer: retries and fixups must come from
// the batch and must not overlap. It returns the written objects.
func classify(batch []*model.Record, res InsertResult) ([]*model.Record, error) {
	inBatch := make(map[*model.Record]bool, len(batch))
	for _, obj := range batch {
		inBatch[obj] = true
	}
	retried := make(map[*model.Record]bool, len(res.ToRetry))
	for _, obj := range res.ToRetry {
		if !inBatch[obj] {
			return nil, fmt.Errorf("executor returned %s for retry, which was not in the batch", obj)
		}
		retried[obj] = true
	}
	for _, f := range res.ToFixUp {
		if !inBatch[f.Object] {
			return nil, fmt.Errorf("executor returned %s for fixup, which was not in the batch", f.Object)
		}
		if retried[f.Object] {
			return nil, fmt.Errorf("executor returned %s both for fixup and for retry", f.Object)
		}
	}
	written := make([]*model.Record, 0, len(batch)-len(retried))
	for _, obj := range batch {
		if !retried[obj] {
			written = append(written, obj)
		}
	}
	return written, nil
}

func (r *run) applyFixups(fixups []Fixup) error {
	if len(fixups) == 0 {
		return nil
	}
	changes := make([]Change, len(fixups))
	for i, f := range fixups {
		changes[i] = Change{Object: f.Object, Fields: f.Refs, Fixup: true}
	}
	for _, g := range groupChanges(changes) {
		a, err := r.acquire(g.typ.StoreName())
		if err != nil {
			return err
		}
		if err := a.Executor().Update(r.ctx, g.typ, g.changes); err != nil {
			return fmt.Errorf("fixup %s: %w", g.typ.Name, err)
		}
		r.metrics.AddWrites(a.Store(), "fixup", len(g.changes))
		r.stats.FixedUp += len(g.changes)
	}
	return nil
}

// commitUpdated writes every changed keyed or predicate-addressed object.
func (r *run) commitUpdated() error {
	changed := r.changedObjects()
	changes := make([]Change, len(changed))
	for i, obj := range changed {
		changes[i] = Change{Object: obj, Fields: obj.ChangedFields()}
	}
	for _, g := range groupChanges(changes) {
		a, err := r.acquire(g.typ.StoreName())
		if err != nil {
			return err
		}
		if err := a.Executor().Update(r.ctx, g.typ, g.changes); err != nil {
			return fmt.Errorf("update %s: %w", g.typ.Name, err)
		}
		r.metrics.AddWrites(a.Store(), "update", len(g.changes))
		r.stats.Updated += len(g.changes)
	}
	return nil
}

// commitDeleted deletes every object in the deleted index. Types are visited
// in reverse order of first appearance so that rows cached after the rows
// they reference are removed first.
func (r *run) commitDeleted() error {
	groups := groupByType(r.cache.DeletedObjects())
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		a, err := r.acquire(g.typ.StoreName())
		if err != nil {
			return err
		}
		if err := a.Executor().Delete(r.ctx, g.typ, g.objs); err != nil {
			return fmt.Errorf("delete %s: %w", g.typ.Name, err)
		}
		r.metrics.AddWrites(a.Store(), "delete", len(g.objs))
		r.stats.Deleted += len(g.objs)
	}
	return nil
}

type typeGroup struct {
	typ  *model.Type
	objs []*model.Record
}

// groupByType groups objects by concrete type, keeping first-appearance order
// of types and original order within a type.
func groupByType(objs []*model.Record) []typeGroup {
	var groups []typeGroup
	idx := make(map[*model.Type]int)
	for _, obj := range objs {
		i, ok := idx[obj.Type()]
		if !ok {
			i = len(groups)
			idx[obj.Type()] = i
			groups = append(groups, typeGroup{typ: obj.Type()})
		}
		groups[i].objs = append(groups[i].objs, obj)
	}
	return groups
}

type changeGroup struct {
	typ     *model.Type
	changes []Change
}

func groupChanges(changes []Change) []changeGroup {
	var groups []changeGroup
	idx := make(map[*model.Type]int)
	for _, c := range changes {
		t := c.Object.Type()
		i, ok := idx[t]
		if !ok {
			i = len(groups)
			idx[t] = i
			groups = append(groups, changeGroup{typ: t})
		}
		groups[i].changes = append(groups[i].changes, c)
	}
	return groups
}
