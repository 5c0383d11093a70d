// Package compress turns closed scopes into bounded summaries. The
// reference implementation is purely extractive; the Compressor interface
// leaves room for a remote or model-backed summarizer without changing
// the caller contract.
package compress

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/hiermem/internal/scope"
)

type Strategy string

const (
	// Conservative keeps the most detail, ~3:1 target ratio.
	Conservative Strategy = "CONSERVATIVE"
	// Balanced is the default, ~5:1 target ratio.
	Balanced Strategy = "BALANCED"
	// Aggressive keeps the bare minimum, ~8:1 target ratio.
	Aggressive Strategy = "AGGRESSIVE"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Conservative, Balanced, Aggressive:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown compression strategy %q", s)
}

// Result records one compression outcome.
type Result struct {
	ScopeID              string    `json:"scopeId"`
	OriginalTokenCount   int       `json:"originalTokenCount"`
	CompressedTokenCount int       `json:"compressedTokenCount"`
	CompressionRatio     float64   `json:"compressionRatio"`
	Summary              string    `json:"summary"`
	EventSummary         string    `json:"eventSummary"`
	ArtifactSummary      string    `json:"artifactSummary"`
	Timestamp            time.Time `json:"timestamp"`
}

// Metrics aggregates the compressor's append-only result log.
type Metrics struct {
	Count        int
	TokensSaved  int
	AverageRatio float64
	BestRatio    float64
	WorstRatio   float64
}

// Compressor is the pluggable summarizer contract. The context is the
// suspension point for future remote implementations; Extractive never
// blocks on it beyond a cancellation check.
type Compressor interface {
	CompressScope(ctx context.Context, s *scope.Scope) (Result, error)
}

// Extractive is the statistical reference compressor. Not safe for
// concurrent use; callers serialize access per instance.
type Extractive struct {
	strategy Strategy
	results  []Result
}

func NewExtractive(strategy Strategy) *Extractive {
	if strategy == "" {
		strategy = Balanced
	}
	return &Extractive{strategy: strategy}
}

func (c *Extractive) Strategy() Strategy {
	return c.strategy
}

// CompressScope summarizes a closed scope, destructively replaces its
// content via ApplyCompression, and records the outcome.
func (c *Extractive) CompressScope(ctx context.Context, s *scope.Scope) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !s.IsClosed() {
		return Result{}, fmt.Errorf("compress scope %s: %w", s.ID, scope.ErrScopeOpen)
	}

	original := s.TokenCount()
	summary := c.scopeSummary(s)
	eventSummary := c.eventSummary(s.Events())
	artifactSummary := c.artifactSummary(s.ArtifactKeys())

	compressed := estimateTokens(summary + eventSummary + artifactSummary)
	if compressed < 1 {
		compressed = 1
	}

	if err := s.ApplyCompression(eventSummary, artifactSummary); err != nil {
		return Result{}, err
	}

	result := Result{
		ScopeID:              s.ID,
		OriginalTokenCount:   original,
		CompressedTokenCount: compressed,
		CompressionRatio:     float64(original) / float64(compressed),
		Summary:              summary,
		EventSummary:         eventSummary,
		ArtifactSummary:      artifactSummary,
		Timestamp:            time.Now(),
	}
	c.results = append(c.results, result)
	return result, nil
}

// CompressStack compresses every closed scope currently on the stack,
// optionally restricted to one level (empty filter = all levels). A
// failure on one scope is logged and skipped; the batch never aborts.
func (c *Extractive) CompressStack(ctx context.Context, st *scope.Stack, levelFilter scope.Level) []Result {
	results := make([]Result, 0)
	for _, s := range st.Scopes() {
		if !s.IsClosed() {
			continue
		}
		if levelFilter != "" && s.Level != levelFilter {
			continue
		}
		result, err := c.CompressScope(ctx, s)
		if err != nil {
			log.Printf("[compress] skip scope %s: %v", s.ID, err)
			continue
		}
		results = append(results, result)
	}
	return results
}

func (c *Extractive) Metrics() Metrics {
	if len(c.results) == 0 {
		return Metrics{}
	}
	m := Metrics{Count: len(c.results)}
	sum := 0.0
	for i, r := range c.results {
		m.TokensSaved += r.OriginalTokenCount - r.CompressedTokenCount
		sum += r.CompressionRatio
		if i == 0 || r.CompressionRatio > m.BestRatio {
			m.BestRatio = r.CompressionRatio
		}
		if i == 0 || r.CompressionRatio < m.WorstRatio {
			m.WorstRatio = r.CompressionRatio
		}
	}
	m.AverageRatio = sum / float64(len(c.results))
	return m
}

func (c *Extractive) ClearMetrics() {
	c.results = nil
}

// TargetMet reports whether the average ratio has reached minRatio
// (<=0 means the default 5:1 target). False until anything compressed.
func (c *Extractive) TargetMet(minRatio float64) bool {
	if minRatio <= 0 {
		minRatio = 5
	}
	m := c.Metrics()
	return m.Count > 0 && m.AverageRatio >= minRatio
}

// Recommendations returns heuristic hints for improving the observed
// compression ratios.
func (c *Extractive) Recommendations() []string {
	m := c.Metrics()
	if m.Count == 0 {
		return []string{"No compressions recorded yet"}
	}
	var recs []string
	if m.AverageRatio < 3 {
		recs = append(recs, "Average ratio below 3:1, consider a more aggressive strategy")
	} else if m.AverageRatio < 5 {
		recs = append(recs, "Average ratio below 5:1 target, review scope goal and summary verbosity")
	}
	if m.WorstRatio < 2 {
		recs = append(recs, "Some scopes compress below 2:1, close them with shorter summaries")
	}
	if len(recs) == 0 {
		recs = append(recs, "Compression ratios are on target")
	}
	return recs
}

func (c *Extractive) scopeSummary(s *scope.Scope) string {
	switch c.strategy {
	case Conservative:
		summary := s.Summary()
		if summary == "" {
			summary = "No summary provided"
		}
		return s.Goal + " | " + summary
	case Aggressive:
		combined := strings.Join(keywords(s.Goal+" "+s.Summary()), " ")
		if len(combined) > 50 {
			combined = combined[:50]
		}
		return combined
	default:
		return strings.Join(keywords(s.Goal), " ") + " -> " + strings.Join(keywords(s.Summary()), " ")
	}
}

func (c *Extractive) eventSummary(events []scope.ContextEvent) string {
	if len(events) == 0 {
		return ""
	}

	// Tally per type, first-appearance order.
	counts := make(map[scope.EventType]int, len(events))
	order := make([]scope.EventType, 0, len(events))
	for _, e := range events {
		if _, seen := counts[e.Type]; !seen {
			order = append(order, e.Type)
		}
		counts[e.Type]++
	}

	switch c.strategy {
	case Conservative:
		parts := make([]string, 0, len(order))
		for _, kind := range order {
			parts = append(parts, fmt.Sprintf("%dx%s", counts[kind], kind))
		}
		return fmt.Sprintf("Events: %d (%s)", len(events), strings.Join(parts, ", "))
	case Aggressive:
		return fmt.Sprintf("%dev", len(events))
	default:
		top := order[0]
		for _, kind := range order {
			if counts[kind] > counts[top] {
				top = kind
			}
		}
		return fmt.Sprintf("%dev (%dx%s)", len(events), counts[top], top)
	}
}

func (c *Extractive) artifactSummary(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	switch c.strategy {
	case Conservative:
		return "Artifacts: " + strings.Join(keys, ", ")
	case Aggressive:
		return fmt.Sprintf("%dart", len(keys))
	default:
		if len(keys) == 1 {
			return fmt.Sprintf("1artifact (%s)", keys[0])
		}
		return fmt.Sprintf("%dartifacts (%s...)", len(keys), keys[0])
	}
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
