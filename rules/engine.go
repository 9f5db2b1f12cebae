package rules

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/dss/internal/logger"
)

// EngineConfig holds execution policy for an Engine
type EngineConfig struct {
	// Namespaces is the search order used when a call passes nil namespaces
	Namespaces []string

	// RuleTimeout bounds a single rule execution; 0 disables the bound
	RuleTimeout time.Duration

	// Parallelism caps concurrent rule executions within one batch
	Parallelism int

	// Separator joins rendered results in RunAsText
	Separator string

	// ReloadStale reloads a cached rule whose record changed after it was loaded
	ReloadStale bool
}

// DefaultEngineConfig searches ad-hoc rules, then the shipped library, then
// bare names
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Namespaces:  []string{"adhoc", "library", ""},
		RuleTimeout: 5 * time.Second,
		Parallelism: runtime.GOMAXPROCS(0),
		Separator:   "\n",
		ReloadStale: true,
	}
}

// Engine loads rule implementations through a RuntimeCache and runs them
// against subjects. It is safe for concurrent use.
type Engine struct {
	store   RuleStore
	cache   RuntimeCache
	config  EngineConfig
	metrics *Metrics
}

// NewEngine creates an engine over a record store and a runtime cache
func NewEngine(store RuleStore, cache RuntimeCache, config EngineConfig) *Engine {
	if config.Parallelism <= 0 {
		config.Parallelism = runtime.GOMAXPROCS(0)
	}
	if config.Separator == "" {
		config.Separator = "\n"
	}
	return &Engine{
		store:  store,
		cache:  cache,
		config: config,
	}
}

// WithMetrics records execution outcomes on m
func (en *Engine) WithMetrics(m *Metrics) *Engine {
	en.metrics = m
	return en
}

// Config returns the engine's effective configuration
func (en *Engine) Config() EngineConfig {
	return en.config
}

func (en *Engine) namespaces(namespaces []string) []string {
	if namespaces == nil {
		return en.config.Namespaces
	}
	return namespaces
}

// LoadRule resolves name into the cache, reloading it when forceReload is set
func (en *Engine) LoadRule(ctx context.Context, name string, namespaces []string, forceReload bool) (*LoadedRule, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: rule name is required", ErrInvalidArgument)
	}
	loaded, err := en.cache.GetOrLoad(ctx, name, en.namespaces(namespaces), forceReload)
	if err != nil {
		var loadErr *RuleLoadError
		if errors.As(err, &loadErr) {
			return nil, err
		}
		return nil, &RuleLoadError{Name: name, Err: err}
	}
	return loaded, nil
}

// Invalidate drops the cached implementation for name
func (en *Engine) Invalidate(name string) {
	en.cache.Invalidate(name)
}

// RunOne executes a single rule against subject. Load failures are
// returned as *RuleLoadError; failures inside the rule become an
// error-kind Result.
func (en *Engine) RunOne(ctx context.Context, subject Subject, rec *RuleRecord, namespaces []string, forceReload bool) (*Result, error) {
	if rec == nil || strings.TrimSpace(rec.Name) == "" {
		return nil, fmt.Errorf("%w: rule record with a name is required", ErrInvalidArgument)
	}

	if !forceReload && en.config.ReloadStale && en.stale(rec) {
		logger.Debug("reloading stale rule", "rule", rec.Name, "version", rec.Version)
		forceReload = true
	}

	loaded, err := en.LoadRule(ctx, rec.Name, namespaces, forceReload)
	if err != nil {
		return nil, err
	}
	return en.execute(ctx, subject, rec, loaded), nil
}

// stale reports a cached entry loaded before the record was last updated
func (en *Engine) stale(rec *RuleRecord) bool {
	if rec.UpdatedAt.IsZero() {
		return false
	}
	entry, ok := en.cache.Get(rec.Name)
	return ok && entry.LoadedAt.Before(rec.UpdatedAt)
}

// RunMany executes records against subject and returns one result per
// record in input order. A rule that fails while running yields an
// error-kind result in its slot. A rule that fails to load yields an
// error-kind result holding its *RuleLoadError; the whole batch still runs
// and the lowest-index load error is returned alongside the results.
func (en *Engine) RunMany(ctx context.Context, subject Subject, records []*RuleRecord, namespaces []string, forceReload bool) ([]*Result, error) {
	results := make([]*Result, len(records))
	errs := make([]error, len(records))

	var g errgroup.Group
	g.SetLimit(en.config.Parallelism)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			results[i], errs[i] = en.RunOne(ctx, subject, rec, namespaces, forceReload)
			return nil
		})
	}
	_ = g.Wait()

	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		results[i] = loadFailure(subject, records[i], err)
	}
	return results, first
}

// loadFailure is the result slot of a record whose implementation could
// not be loaded
func loadFailure(subject Subject, rec *RuleRecord, err error) *Result {
	result := &Result{
		ExecutionID: uuid.NewString(),
		SubjectID:   subject.ID,
		Kind:        KindError,
		Err:         err,
	}
	if rec != nil {
		result.RuleID = rec.ID
		result.RuleName = rec.Name
	}
	return result
}

// RunAsText runs RunMany and renders the non-empty results joined by the
// configured separator. Load failures render as diagnostic lines and the
// first one is also returned.
func (en *Engine) RunAsText(ctx context.Context, subject Subject, records []*RuleRecord, namespaces []string, forceReload bool) (string, error) {
	results, err := en.RunMany(ctx, subject, records, namespaces, forceReload)
	return RenderResults(results, en.config.Separator), err
}

// WithSeparator returns an engine sharing this one's store, cache and
// metrics that joins RunAsText output with sep
func (en *Engine) WithSeparator(sep string) *Engine {
	cp := *en
	cp.config.Separator = sep
	return &cp
}

// RunByID fetches a record from the store and runs it
func (en *Engine) RunByID(ctx context.Context, subject Subject, id int64, namespaces []string, forceReload bool) (*Result, error) {
	rec, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return en.RunOne(ctx, subject, rec, namespaces, forceReload)
}

// RunType runs every live rule of ruleType: prioritized rules in priority
// order, then the rest
func (en *Engine) RunType(ctx context.Context, subject Subject, ruleType string, namespaces []string, forceReload bool) ([]*Result, error) {
	records, err := en.TypeRecords(ctx, ruleType)
	if err != nil {
		return nil, err
	}
	return en.RunMany(ctx, subject, records, namespaces, forceReload)
}

// TypeRecords lists the records RunType executes, in execution order
func (en *Engine) TypeRecords(ctx context.Context, ruleType string) ([]*RuleRecord, error) {
	prioritized, err := en.store.ListPrioritized(ctx, ruleType)
	if err != nil {
		return nil, fmt.Errorf("failed to list prioritized rules: %w", err)
	}
	rest, err := en.store.ListNonPrioritized(ctx, ruleType)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-prioritized rules: %w", err)
	}
	return append(prioritized, rest...), nil
}

func (en *Engine) execute(ctx context.Context, subject Subject, rec *RuleRecord, loaded *LoadedRule) *Result {
	result := &Result{
		ExecutionID: uuid.NewString(),
		SubjectID:   subject.ID,
		RuleID:      rec.ID,
		RuleName:    rec.Name,
		Namespace:   loaded.Namespace,
	}

	start := time.Now()
	value, err := en.eval(ctx, loaded, subject)
	result.Duration = time.Since(start)

	if err != nil {
		result.Kind = KindError
		result.Err = &RuleExecutionError{Name: rec.Name, Err: err}
		en.metrics.executed("error", result.Duration)
		logger.Warn("rule execution failed",
			"rule", rec.Name,
			"qualified", loaded.QualifiedName,
			"subject", subject.ID,
			"execution_id", result.ExecutionID,
			"error", err)
		return result
	}

	result.Kind = value.Kind
	result.Payload = value.Payload
	if value.Kind == KindEmpty {
		en.metrics.executed("empty", result.Duration)
	} else {
		en.metrics.executed("ok", result.Duration)
	}
	return result
}

type evalOutcome struct {
	value Value
	err   error
}

// eval runs the implementation on its own goroutine so a panic or a rule
// that ignores its context cannot take down or stall the caller
func (en *Engine) eval(ctx context.Context, loaded *LoadedRule, subject Subject) (Value, error) {
	if en.config.RuleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, en.config.RuleTimeout)
		defer cancel()
	}

	done := make(chan evalOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := loaded.Implementation.Eval(ctx, subject)
		done <- evalOutcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Value{}, en.timeoutError()
			}
			return Value{}, out.err
		}
		return normalize(out.value)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Value{}, en.timeoutError()
		}
		return Value{}, ctx.Err()
	}
}

func (en *Engine) timeoutError() error {
	return fmt.Errorf("%w after %s", ErrRuleTimeout, en.config.RuleTimeout)
}

// normalize checks that a value's payload matches its kind, widening
// integer payloads of numeric values to float64
func normalize(v Value) (Value, error) {
	switch v.Kind {
	case KindEmpty:
		return EmptyValue(), nil
	case KindBoolean:
		if _, ok := v.Payload.(bool); ok {
			return v, nil
		}
	case KindNumeric:
		switch n := v.Payload.(type) {
		case float64:
			return v, nil
		case float32:
			return NumberValue(float64(n)), nil
		case int:
			return NumberValue(float64(n)), nil
		case int32:
			return NumberValue(float64(n)), nil
		case int64:
			return NumberValue(float64(n)), nil
		case uint64:
			return NumberValue(float64(n)), nil
		}
	case KindText:
		if _, ok := v.Payload.(string); ok {
			return v, nil
		}
	case KindCoded:
		switch c := v.Payload.(type) {
		case Code:
			return v, nil
		case *Code:
			if c != nil {
				return CodedValue(*c), nil
			}
		}
	case KindError:
		return Value{}, fmt.Errorf("implementation reported an error value: %v", v.Payload)
	}
	return Value{}, fmt.Errorf("payload %T does not match result kind %s", v.Payload, v.Kind)
}

// RenderResults renders each non-empty result on its own segment joined by
// sep. Error results render as diagnostic lines.
func RenderResults(results []*Result, sep string) string {
	var sb strings.Builder
	first := true
	for _, r := range results {
		if r == nil || r.IsEmpty() {
			continue
		}
		line := r.Render()
		if line == "" {
			continue
		}
		if !first {
			sb.WriteString(sep)
		}
		sb.WriteString(line)
		first = false
	}
	return sb.String()
}
