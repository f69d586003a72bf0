package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/presenceapp/attendsync/logging"
	"github.com/presenceapp/attendsync/metrics"
)

// Engine dispatches conflicts to per-type resolvers, escalates low-confidence
// results to an optional user handler, and supports batch resolution with
// auto-resolvable conflicts ordered first.
//
// An Engine is constructed explicitly and injected into whatever component
// performs sync orchestration; there is no shared default instance. The
// resolver table and user handler are expected to be configured once at
// startup and are read-mostly thereafter.
type Engine struct {
	mu             sync.RWMutex
	resolvers      map[ConflictType]Resolver
	userHandler    UserHandler
	policy         *FieldPolicy
	typeStrategies map[ConflictType]ResolutionStrategy
	generic        Resolver
	logger         *logging.Logger
	metrics        metrics.Collector
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithResolver registers a resolver for a conflict type, replacing any
// built-in registered for the same type.
func WithResolver(t ConflictType, r Resolver) EngineOption {
	return func(e *Engine) { e.resolvers[t] = r }
}

// WithUserHandler sets the escalation handler invoked when a resolution
// requires user input.
func WithUserHandler(h UserHandler) EngineOption {
	return func(e *Engine) { e.userHandler = h }
}

// WithFieldStrategy overrides the preferred resolution strategy for a field.
func WithFieldStrategy(field string, s ResolutionStrategy) EngineOption {
	return func(e *Engine) { e.policy.Set(field, s) }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = l.WithComponent("engine") }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine with the five built-in resolvers registered
// and the default per-field strategy table.
func NewEngine(opts ...EngineOption) *Engine {
	policy := NewFieldPolicy()
	e := &Engine{
		resolvers: make(map[ConflictType]Resolver, 5),
		policy:    policy,
		generic:   &GenericResolver{policy: policy},
		typeStrategies: map[ConflictType]ResolutionStrategy{
			TypeAttendanceStatus: StrategyLastWriterWins,
			TypeStudentData:      StrategyAutoMerge,
			TypeSessionConfig:    StrategyUserGuided,
			TypeBulkOperation:    StrategyAutoMerge,
			TypeTimestamp:        StrategyLastWriterWins,
		},
		logger:  logging.Discard(),
		metrics: &metrics.NoOpCollector{},
	}

	e.resolvers[TypeAttendanceStatus] = &AttendanceStatusResolver{}
	e.resolvers[TypeStudentData] = &StudentDataResolver{policy: policy}
	e.resolvers[TypeSessionConfig] = &SessionConfigResolver{policy: policy}
	e.resolvers[TypeBulkOperation] = &BulkOperationResolver{}
	e.resolvers[TypeTimestamp] = &TimestampResolver{}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterResolver replaces the resolver for a type. Last registration wins;
// built-in types may be overridden freely.
func (e *Engine) RegisterResolver(t ConflictType, r Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers[t] = r
}

// SetUserHandler sets the single escalation handler slot. Last setter wins.
func (e *Engine) SetUserHandler(h UserHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userHandler = h
}

// ResolveConflict resolves one conflict.
//
// Malformed input (a missing local or server version, or an unknown type)
// never fails: it degrades to the generic resolver. An error returned by a
// custom registered resolver, however, propagates to the caller; use
// BatchResolve for the error-absorbing path.
func (e *Engine) ResolveConflict(ctx context.Context, c ConflictData) (ResolutionResult, error) {
	e.mu.RLock()
	resolver := e.resolvers[c.Type]
	handler := e.userHandler
	e.mu.RUnlock()

	if c.LocalVersion == nil || c.ServerVersion == nil {
		e.logger.Debug("conflict has a missing version, using generic resolution",
			slog.String("entity_id", c.EntityID), slog.String("type", string(c.Type)))
		resolver = e.generic
	} else if resolver == nil {
		e.logger.Debug("no resolver registered for conflict type, using generic resolution",
			slog.String("type", string(c.Type)))
		resolver = e.generic
	}

	result, err := resolver.Resolve(ctx, c)
	if err != nil {
		return ResolutionResult{}, err
	}

	if result.RequiresUserInput && handler != nil {
		suggestions := []ResolutionResult{result, keepLocalSuggestion(c), keepServerSuggestion(c)}
		return handler(ctx, c, suggestions)
	}

	return result, nil
}

// BatchResolve resolves a list of conflicts sequentially, auto-resolvable
// conflicts first. Input order is preserved within each partition. A
// resolver error does not abort the batch: the failing conflict yields a
// zero-confidence reject_changes result and processing continues, so the
// output always has one result per input conflict.
func (e *Engine) BatchResolve(ctx context.Context, conflicts []ConflictData) []ResolutionResult {
	ordered := e.OrderForBatch(conflicts)

	results := make([]ResolutionResult, 0, len(ordered))
	escalated := 0
	for _, c := range ordered {
		result, err := e.ResolveConflict(ctx, c)
		if err != nil {
			e.logger.LogError(err, "conflict resolution failed, rejecting local changes",
				slog.String("entity_id", c.EntityID))
			result = ResolutionResult{
				Strategy:          StrategyRejectChanges,
				ResolvedData:      cloneRecord(c.ServerVersion),
				RequiresUserInput: true,
				Confidence:        0,
				Explanation:       fmt.Sprintf("Resolution failed (%v); rejecting local changes in favor of the server version", err),
			}
		}
		if result.RequiresUserInput {
			escalated++
		}
		results = append(results, result)
	}

	e.metrics.RecordConflicts(len(conflicts), len(results)-escalated, escalated)
	return results
}

// OrderForBatch returns conflicts in batch processing order: auto-resolvable
// types first, user-guided types last, input order preserved within each
// group. BatchResolve results line up index-for-index with this ordering.
func (e *Engine) OrderForBatch(conflicts []ConflictData) []ConflictData {
	ordered := make([]ConflictData, 0, len(conflicts))
	var needsUser []ConflictData
	for _, c := range conflicts {
		if e.typeStrategy(c.Type) == StrategyUserGuided {
			needsUser = append(needsUser, c)
		} else {
			ordered = append(ordered, c)
		}
	}
	return append(ordered, needsUser...)
}

func (e *Engine) typeStrategy(t ConflictType) ResolutionStrategy {
	if s, ok := e.typeStrategies[t]; ok {
		return s
	}
	return StrategyLastWriterWins
}

func keepLocalSuggestion(c ConflictData) ResolutionResult {
	return ResolutionResult{
		Strategy:     StrategyFirstWriterWins,
		ResolvedData: cloneRecord(c.LocalVersion),
		Confidence:   60,
		Explanation:  "Alternative: keep the local version unchanged",
	}
}

func keepServerSuggestion(c ConflictData) ResolutionResult {
	return ResolutionResult{
		Strategy:     StrategyLastWriterWins,
		ResolvedData: cloneRecord(c.ServerVersion),
		Confidence:   60,
		Explanation:  "Alternative: keep the server version unchanged",
	}
}
