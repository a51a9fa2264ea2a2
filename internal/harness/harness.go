package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/config"
	"github.com/roach88/unitofwork/internal/model"
	"github.com/roach88/unitofwork/internal/schema"
	"github.com/roach88/unitofwork/internal/testutil"
	"github.com/roach88/unitofwork/internal/txn"
)

// Harness is the scenario execution engine.
// It runs steps against recorded backends with deterministic transaction IDs.
type Harness struct {
	model   *model.Model
	manager *txn.Manager
	logger  *slog.Logger

	// Current transaction; nil between commit and the next step.
	ctx     context.Context
	scope   *txn.Scope
	aliases map[string]*model.Record
}

// Option configures a run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes the run's logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh stores for isolation. Deterministic
// helpers ensure reproducible traces.
//
// Execution flow:
// 1. Load and compile the CUE models
// 2. Open a backend per store, wrapped by a command recorder
// 3. Execute steps, checking step expectations
// 4. Snapshot the trace, then evaluate assertions
//
// An error is returned only when the scenario cannot run at all; failed
// expectations and assertions are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	m, err := schema.Load(scenario.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}

	tmp, err := os.MkdirTemp("", "unitofwork-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	cfg, err := storeConfig(scenario, m, tmp)
	if err != nil {
		return nil, err
	}
	backends, err := cfg.Open(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to open stores: %w", err)
	}
	defer backends.Close()

	rec := testutil.NewRecorder()
	var wrapped []commit.Backend
	for _, b := range backends.List() {
		faults, err := parseFaults(scenario.Faults[b.Name()])
		if err != nil {
			return nil, err
		}
		wrapped = append(wrapped, rec.Wrap(b, faults))
	}

	mgr, err := txn.New(m, wrapped, append(cfg.ManagerOptions(),
		txn.WithLogger(o.logger),
		txn.WithIDGenerator(testutil.NewSequenceIDGenerator("tx")),
	)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	h := &Harness{model: m, manager: mgr, logger: o.logger}
	result := NewResult()
	h.executeSteps(ctx, scenario.Steps, result)
	// An open transaction at the end of the steps rolls back.
	if err := h.finish(); err != nil {
		result.AddError(fmt.Sprintf("closing open transaction: %v", err))
	}

	// Reads below go through the root context and must not appear in the trace.
	result.Trace = rec.Lines()

	actx := &AssertionContext{Manager: mgr, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// storeConfig merges the scenario's store overrides over memory defaults.
func storeConfig(s *Scenario, m *model.Model, tmp string) (*config.Config, error) {
	cfg := config.Default(m.Stores()...)
	for name, sc := range s.Stores {
		if sc.Driver == "" {
			sc.Driver = config.DriverMemory
		}
		if sc.Driver == config.DriverSQLite && sc.Path == "" {
			sc.Path = filepath.Join(tmp, name+".db")
		}
		cfg.Stores[name] = sc
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stores: %w", err)
	}
	return cfg, nil
}

func parseFaults(ops map[string]string) (testutil.Faults, error) {
	var f testutil.Faults
	for op, msg := range ops {
		err := errors.New(msg)
		switch op {
		case "begin":
			f.Begin = err
		case "insert":
			f.Insert = err
		case "update":
			f.Update = err
		case "delete":
			f.Delete = err
		case "prepare":
			f.Prepare = err
		case "commit":
			f.Commit = err
		case "rollback":
			f.Rollback = err
		case "close":
			f.Close = err
		default:
			return f, fmt.Errorf("unknown fault operation %q", op)
		}
	}
	return f, nil
}

// executeSteps runs steps in order and stops at the first step whose
// outcome differs from its expectation.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) {
	for i, step := range steps {
		op := step.Op()
		outcome, err := h.execute(ctx, step)
		if err != nil {
			outcome = "error " + errorCode(err)
		}
		result.AddStep(op, outcome)

		h.logger.Debug("step completed", "step", i, "op", op, "outcome", outcome)

		if msg := checkStep(step, outcome, err); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, op, msg))
			return
		}
	}
}

// checkStep compares an outcome with the step's expectation.
func checkStep(step Step, outcome string, err error) string {
	exp := step.Expect
	switch {
	case exp != nil && exp.Error != "":
		if err == nil {
			return fmt.Sprintf("expected error %s, got %s", exp.Error, outcome)
		}
		if errorCode(err) != exp.Error {
			return fmt.Sprintf("expected error %s, got %v", exp.Error, err)
		}
	case err != nil:
		return fmt.Sprintf("unexpected error: %v", err)
	case exp != nil && exp.Count != nil:
		if want := fmt.Sprintf("count %d", *exp.Count); outcome != want {
			return fmt.Sprintf("expected %s, got %s", want, outcome)
		}
	case exp != nil && exp.Missing:
		if outcome != "missing" {
			return fmt.Sprintf("expected missing, got %s", outcome)
		}
	case outcome == "missing":
		return "object not found"
	}
	return ""
}

// errorCode returns the code of the outermost model error in err's chain, or
// its message when it carries none.
func errorCode(err error) string {
	var me *model.Error
	if errors.As(err, &me) {
		return string(me.Code)
	}
	return err.Error()
}

// current returns the context of the running transaction, beginning one if
// needed.
func (h *Harness) current(ctx context.Context) (context.Context, *txn.Context, error) {
	if h.scope == nil {
		sctx, scope, err := h.manager.Scope(ctx, txn.ScopeRequiresNew)
		if err != nil {
			return nil, nil, err
		}
		h.ctx, h.scope = sctx, scope
		h.aliases = make(map[string]*model.Record)
	}
	return h.ctx, h.scope.Context(), nil
}

// finish closes the running transaction. A completed scope commits.
func (h *Harness) finish() error {
	if h.scope == nil {
		return nil
	}
	ctx, scope := h.ctx, h.scope
	h.ctx, h.scope, h.aliases = nil, nil, nil
	return scope.Close(ctx)
}

func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	switch step.Op() {
	case "commit":
		if h.scope == nil {
			return "", fmt.Errorf("commit: no transaction")
		}
		h.scope.Complete()
		return "ok", h.finish()
	case "rollback":
		if h.scope == nil {
			return "", fmt.Errorf("rollback: no transaction")
		}
		return "ok", h.finish()
	}

	tctx, c, err := h.current(ctx)
	if err != nil {
		return "", err
	}
	switch step.Op() {
	case "create":
		r, err := c.Create(tctx, step.Create, step.Values)
		if err != nil {
			return "", err
		}
		if err := h.setRefs(r, step.Refs); err != nil {
			return "", err
		}
		h.bind(step.As, r)
		return "ok", nil

	case "load":
		t, ok := h.model.Type(step.Load)
		if !ok {
			return "", fmt.Errorf("load: unknown type %q", step.Load)
		}
		key, err := keyOf(t, step.Key)
		if err != nil {
			return "", err
		}
		r, found, err := c.Get(tctx, step.Load, key)
		if err != nil {
			return "", err
		}
		if !found {
			return "missing", nil
		}
		h.bind(step.As, r)
		return "ok", nil

	case "query":
		t, ok := h.model.Type(step.Query)
		if !ok {
			return "", fmt.Errorf("query: unknown type %q", step.Query)
		}
		p, err := wherePredicate(t, step.Where)
		if err != nil {
			return "", err
		}
		rs, err := c.Query(tctx, step.Query, p)
		if err != nil {
			return "", err
		}
		if len(rs) > 0 {
			h.bind(step.As, rs[0])
		}
		return fmt.Sprintf("count %d", len(rs)), nil

	case "set":
		r, err := h.alias(step.Set)
		if err != nil {
			return "", err
		}
		for _, name := range sortedKeys(step.Values) {
			if _, ok := r.Type().Field(name); !ok {
				return "", fmt.Errorf("set %s: unknown field %q", r.Type().Name, name)
			}
			if err := r.Set(name, step.Values[name]); err != nil {
				return "", err
			}
		}
		return "ok", nil

	case "ref":
		r, err := h.alias(step.Ref)
		if err != nil {
			return "", err
		}
		return "ok", h.setRefs(r, step.Refs)

	case "delete":
		r, err := h.alias(step.Delete)
		if err != nil {
			return "", err
		}
		return "ok", c.Delete(tctx, r)

	case "flush":
		return "ok", c.Flush(tctx)
	}
	return "", fmt.Errorf("unsupported step")
}

func (h *Harness) bind(alias string, r *model.Record) {
	if alias != "" {
		h.aliases[alias] = r
	}
}

func (h *Harness) alias(name string) (*model.Record, error) {
	r, ok := h.aliases[name]
	if !ok {
		return nil, fmt.Errorf("unknown alias %q in this transaction", name)
	}
	return r, nil
}

func (h *Harness) setRefs(r *model.Record, refs map[string]string) error {
	names := make([]string, 0, len(refs))
	for n := range refs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := r.Type().Ref(name); !ok {
			return fmt.Errorf("%s has no reference %q", r.Type().Name, name)
		}
		var target *model.Record
		if refs[name] != "" {
			var err error
			if target, err = h.alias(refs[name]); err != nil {
				return err
			}
		}
		if err := r.SetRef(name, target); err != nil {
			return err
		}
	}
	return nil
}

// keyOf converts a YAML key, scalar or list of components, to a key of t.
func keyOf(t *model.Type, v any) (model.Key, error) {
	if list, ok := v.([]any); ok {
		if len(list) != len(t.Keys) {
			return nil, fmt.Errorf("%s: key has %d components, want %d", t.Name, len(list), len(t.Keys))
		}
		parts := make([]model.Key, len(list))
		for i, kf := range t.Keys {
			k, err := model.KeyFromValue(kf.Kind, list[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, kf.Name, err)
			}
			parts[i] = k
		}
		return model.NewCompositeKey(parts...), nil
	}
	if t.IsComposite() {
		return nil, fmt.Errorf("%s: composite key needs a list of components", t.Name)
	}
	return model.KeyFromValue(t.Keys[0].Kind, v)
}

// wherePredicate turns a field filter into a conjunction of equalities.
func wherePredicate(t *model.Type, where map[string]any) (model.Predicate, error) {
	if len(where) == 0 {
		return nil, nil
	}
	var terms []model.Predicate
	for _, name := range sortedKeys(where) {
		var lit any
		var err error
		if kf, ok := t.KeyField(name); ok {
			lit, err = model.KeyFromValue(kf.Kind, where[name])
		} else if f, ok := t.Field(name); ok {
			lit, err = model.NormalizeField(f.Kind, where[name])
		} else {
			err = fmt.Errorf("unknown field")
		}
		if err != nil {
			return nil, fmt.Errorf("where %s.%s: %w", t.Name, name, err)
		}
		terms = append(terms, model.Eq(name, lit))
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return model.AllOf(terms...), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
