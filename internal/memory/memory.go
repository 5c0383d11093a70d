// Package memory implements the hierarchical context store: an active
// scope stack plus a durable registry of every scope ever created, with
// strategy-driven compression keeping the retained footprint bounded.
package memory

import (
	"context"
	"log"
	"sync"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/stellarlinkco/hiermem/internal/budget"
	"github.com/stellarlinkco/hiermem/internal/compress"
	"github.com/stellarlinkco/hiermem/internal/scope"
)

const (
	autoCreatedEventGoal    = "Auto-created for event"
	autoCreatedArtifactGoal = "Auto-created for artifact"
	forcedCloseSummary      = "Scope popped without explicit close"

	DefaultCompressionThreshold = 0.8
)

// Options configures a HierarchicalMemory. TierBudgets is the trigger
// authority: it deliberately duplicates the budget.Manager limits and the
// two are never reconciled.
type Options struct {
	AutoCompression      bool
	CompressionThreshold float64
	Strategy             compress.Strategy
	TierBudgets          map[scope.Level]float64
	Budget               budget.Config
}

func DefaultOptions() Options {
	return Options{
		AutoCompression:      true,
		CompressionThreshold: DefaultCompressionThreshold,
		Strategy:             compress.Balanced,
		TierBudgets: map[scope.Level]float64{
			scope.LevelGlobal: budget.DefaultGlobalBudget,
			scope.LevelTask:   budget.DefaultTaskBudgetMultiplier,
			scope.LevelLocal:  budget.DefaultLocalBudget,
		},
		Budget: budget.DefaultConfig(),
	}
}

// Metrics is a compact snapshot used by status reporting.
type Metrics struct {
	TotalScopes      int
	ActiveScopes     int
	ScopesByLevel    map[scope.Level]int
	TotalTokens      int
	StackTokens      int
	CompressionCount int
	Compression      compress.Metrics
}

// BudgetStatus describes the current scope's tier as seen by the owned
// budget manager.
type BudgetStatus struct {
	Level          scope.Level
	Usage          float64
	Limit          float64
	UtilizationPct float64
	Status         budget.Status
}

// HierarchicalMemory has a single logical owner: foreground calls must
// be serialized by the caller. The internal mutex exists only so the
// detached compression trigger can run safely beside them.
type HierarchicalMemory struct {
	opts       Options
	compressor *compress.Extractive
	budget     *budget.Manager

	mu               sync.Mutex
	stack            *scope.Stack
	registry         *orderedmap.OrderedMap[string, *scope.Scope]
	complexity       map[string]float64
	compressionCount int
	triggerWG        sync.WaitGroup
}

func New(opts Options) *HierarchicalMemory {
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = DefaultCompressionThreshold
	}
	if opts.TierBudgets == nil {
		opts.TierBudgets = DefaultOptions().TierBudgets
	}
	return &HierarchicalMemory{
		opts:       opts,
		compressor: compress.NewExtractive(opts.Strategy),
		budget:     budget.NewManager(opts.Budget),
		stack:      scope.NewStack(),
		registry:   orderedmap.NewOrderedMap[string, *scope.Scope](),
		complexity: make(map[string]float64),
	}
}

// Budget exposes the owned budget manager for alerting, adaptation and
// prediction. It is an independent authority from the trigger math and
// synchronizes itself, so handing it out is safe beside the memory's
// own locked paths.
func (m *HierarchicalMemory) Budget() *budget.Manager {
	return m.budget
}

func (m *HierarchicalMemory) Compressor() *compress.Extractive {
	return m.compressor
}

// CreateScope opens a new scope as a child of the current stack top and
// returns its id.
func (m *HierarchicalMemory) CreateScope(goal string, level scope.Level, complexity float64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createScopeLocked(goal, level, complexity).ID
}

func (m *HierarchicalMemory) createScopeLocked(goal string, level scope.Level, complexity float64) *scope.Scope {
	parentID := ""
	if top := m.stack.Current(); top != nil {
		parentID = top.ID
	}
	s := scope.New(goal, level, parentID)
	if complexity <= 0 {
		complexity = 1
	}
	m.complexity[s.ID] = complexity
	m.registry.Set(s.ID, s)
	m.stack.Push(s)
	m.budget.UpdateUsage(level, float64(s.TokenCount()))
	return s
}

// AddEvent appends an event to the current scope, auto-creating a LOCAL
// scope when the stack is empty, then evaluates the compression trigger.
func (m *HierarchicalMemory) AddEvent(e scope.ContextEvent) error {
	m.mu.Lock()
	top := m.stack.Current()
	if top == nil {
		top = m.createScopeLocked(autoCreatedEventGoal, scope.LevelLocal, 1)
	}
	before := top.TokenCount()
	err := top.AddEvent(e)
	if err == nil {
		m.budget.UpdateUsage(top.Level, float64(top.TokenCount()-before))
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.checkCompressionTrigger()
	return nil
}

// SetArtifact stores a named value on the current scope, auto-creating a
// LOCAL scope when the stack is empty.
func (m *HierarchicalMemory) SetArtifact(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	top := m.stack.Current()
	if top == nil {
		top = m.createScopeLocked(autoCreatedArtifactGoal, scope.LevelLocal, 1)
	}
	before := top.TokenCount()
	if err := top.SetArtifact(key, value); err != nil {
		return err
	}
	m.budget.UpdateUsage(top.Level, float64(top.TokenCount()-before))
	return nil
}

// GetArtifact resolves a key against the active stack top to bottom, so
// nearer scopes shadow ancestors, then falls back to the whole registry
// in creation order. The fallback deliberately reaches beyond strict
// lexical scoping: closed and popped scopes still answer.
func (m *HierarchicalMemory) GetArtifact(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for depth := 0; depth < m.stack.Size(); depth++ {
		if v, ok := m.stack.Peek(depth).Artifact(key); ok {
			return v, true
		}
	}
	for el := m.registry.Front(); el != nil; el = el.Next() {
		if v, ok := el.Value.Artifact(key); ok {
			return v, true
		}
	}
	return nil, false
}

// CloseScope closes and pops the top scope. With auto-compression
// enabled the scope is compressed immediately, best-effort: a failure is
// logged, never returned. A no-op on an empty stack.
func (m *HierarchicalMemory) CloseScope(ctx context.Context, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	top := m.stack.Current()
	if top == nil {
		return
	}
	if err := top.Close(summary); err != nil {
		log.Printf("[memory] close scope %s: %v", top.ID, err)
	}
	m.stack.Pop()

	if m.opts.AutoCompression {
		if err := m.compressScopeLocked(ctx, top); err != nil {
			log.Printf("[memory] auto-compression of scope %s: %v", top.ID, err)
		}
	}
}

// PopScope removes the top scope, force-closing it if still open. Unlike
// CloseScope it never triggers auto-compression.
func (m *HierarchicalMemory) PopScope() *scope.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	top := m.stack.Pop()
	if top == nil {
		return nil
	}
	if !top.IsClosed() {
		if err := top.Close(forcedCloseSummary); err != nil {
			log.Printf("[memory] force-close scope %s: %v", top.ID, err)
		}
	}
	return top
}

// compressScopeLocked compresses one closed scope, keeps the budget
// manager in step with the freed tokens, and counts the compression.
func (m *HierarchicalMemory) compressScopeLocked(ctx context.Context, s *scope.Scope) error {
	before := s.TokenCount()
	if _, err := m.compressor.CompressScope(ctx, s); err != nil {
		return err
	}
	m.budget.UpdateUsage(s.Level, float64(s.TokenCount()-before))
	m.compressionCount++
	return nil
}

// Compress sweeps the entire registry, not just the stack, compressing
// every closed scope matching the optional level filter. Per-scope
// failures are logged and skipped.
func (m *HierarchicalMemory) Compress(ctx context.Context, levelFilter scope.Level) []compress.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressRegistryLocked(ctx, levelFilter)
}

func (m *HierarchicalMemory) compressRegistryLocked(ctx context.Context, levelFilter scope.Level) []compress.Result {
	results := make([]compress.Result, 0)
	for el := m.registry.Front(); el != nil; el = el.Next() {
		s := el.Value
		if !s.IsClosed() {
			continue
		}
		if levelFilter != "" && s.Level != levelFilter {
			continue
		}
		before := s.TokenCount()
		result, err := m.compressor.CompressScope(ctx, s)
		if err != nil {
			log.Printf("[memory] compress scope %s: %v", s.ID, err)
			continue
		}
		m.budget.UpdateUsage(s.Level, float64(s.TokenCount()-before))
		m.compressionCount++
		results = append(results, result)
	}
	return results
}

// checkCompressionTrigger compares per-tier usage against this memory's
// own tier budgets (not the budget manager's) and, when LOCAL or TASK
// utilization crosses the threshold, schedules a detached compression of
// closed LOCAL scopes. Fire-and-forget: completion order and errors are
// unobservable to the caller.
func (m *HierarchicalMemory) checkCompressionTrigger() {
	m.mu.Lock()
	usage := make(map[scope.Level]float64, 3)
	for el := m.registry.Front(); el != nil; el = el.Next() {
		usage[el.Value.Level] += float64(el.Value.TokenCount())
	}
	m.mu.Unlock()

	threshold := m.opts.CompressionThreshold * 100
	for _, level := range []scope.Level{scope.LevelLocal, scope.LevelTask} {
		limit := m.opts.TierBudgets[level]
		if limit <= 0 {
			continue
		}
		if usage[level]/limit*100 > threshold {
			m.triggerWG.Add(1)
			go func() {
				defer m.triggerWG.Done()
				m.mu.Lock()
				defer m.mu.Unlock()
				results := m.compressRegistryLocked(context.Background(), scope.LevelLocal)
				if len(results) > 0 {
					log.Printf("[memory] background compression: %d scopes", len(results))
				}
			}()
			return
		}
	}
}

// WaitBackground blocks until any detached compressions in flight have
// finished. Shutdown and tests use it; normal callers never need to.
func (m *HierarchicalMemory) WaitBackground() {
	m.triggerWG.Wait()
}

// BudgetStatus reports the budget manager's view of the current scope's
// tier. The zero value with StatusOK is returned on an empty stack.
func (m *HierarchicalMemory) BudgetStatus() BudgetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	top := m.stack.Current()
	if top == nil {
		return BudgetStatus{Status: budget.StatusOK}
	}
	complexity := m.complexity[top.ID]
	return BudgetStatus{
		Level:          top.Level,
		Usage:          m.budget.Usage(top.Level),
		Limit:          m.budget.Limit(top.Level, complexity),
		UtilizationPct: m.budget.UtilizationPct(top.Level, complexity),
		Status:         m.budget.CheckStatus(top.Level, complexity),
	}
}

func (m *HierarchicalMemory) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := Metrics{
		TotalScopes:      m.registry.Len(),
		ActiveScopes:     m.stack.Size(),
		ScopesByLevel:    make(map[scope.Level]int, 3),
		StackTokens:      m.stack.TotalTokenCount(),
		CompressionCount: m.compressionCount,
		Compression:      m.compressor.Metrics(),
	}
	for el := m.registry.Front(); el != nil; el = el.Next() {
		metrics.ScopesByLevel[el.Value.Level]++
		metrics.TotalTokens += el.Value.TokenCount()
	}
	return metrics
}

// ScopePath returns the active path ids, bottom to top.
func (m *HierarchicalMemory) ScopePath() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack.Path()
}

// ScopeDepth returns the distance of a scope from the stack top, or -1.
func (m *HierarchicalMemory) ScopeDepth(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack.Depth(id)
}

// FindScope resolves a scope id through the registry.
func (m *HierarchicalMemory) FindScope(id string) *scope.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.registry.Get(id); ok {
		return s
	}
	return nil
}

// ScopesByLevel returns every registry scope at a level, creation order.
func (m *HierarchicalMemory) ScopesByLevel(level scope.Level) []*scope.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*scope.Scope
	for el := m.registry.Front(); el != nil; el = el.Next() {
		if el.Value.Level == level {
			out = append(out, el.Value)
		}
	}
	return out
}

// Clear wipes the stack, the registry, compressor metrics and counters.
// The only way a scope is ever destroyed.
func (m *HierarchicalMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack.Clear()
	m.registry = orderedmap.NewOrderedMap[string, *scope.Scope]()
	m.complexity = make(map[string]float64)
	m.compressionCount = 0
	m.compressor.ClearMetrics()
}
