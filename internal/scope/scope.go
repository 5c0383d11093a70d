package scope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/google/uuid"
)

type Level string

const (
	LevelGlobal Level = "GLOBAL"
	LevelTask   Level = "TASK"
	LevelLocal  Level = "LOCAL"
)

func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelGlobal, LevelTask, LevelLocal:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown scope level %q", s)
}

// CompressedArtifactKey is the single artifact key left behind by
// ApplyCompression.
const CompressedArtifactKey = "compressed-artifacts"

// bytes per heuristic token; not a real tokenizer.
const tokenBytes = 4

// Scope is one hierarchical memory unit: a goal, the ordered events that
// happened while pursuing it, and named artifacts it produced. A scope is
// mutable until closed; closing is one-way.
//
// ParentID is a by-value reference resolved through the owning registry,
// never a pointer, so the scope tree cannot form cycles.
type Scope struct {
	ID        string
	ParentID  string
	Goal      string
	Level     Level
	CreatedAt time.Time

	summary   string
	closedAt  time.Time
	events    []ContextEvent
	artifacts *orderedmap.OrderedMap[string, any]
}

func New(goal string, level Level, parentID string) *Scope {
	return &Scope{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Goal:      goal,
		Level:     level,
		CreatedAt: time.Now(),
		artifacts: orderedmap.NewOrderedMap[string, any](),
	}
}

func (s *Scope) IsClosed() bool {
	return !s.closedAt.IsZero()
}

// ClosedAt returns the close timestamp, zero while the scope is open.
func (s *Scope) ClosedAt() time.Time {
	return s.closedAt
}

func (s *Scope) Summary() string {
	return s.summary
}

// AddEvent appends an event. Fails once the scope is closed.
func (s *Scope) AddEvent(e ContextEvent) error {
	if s.IsClosed() {
		return fmt.Errorf("add event to scope %s: %w", s.ID, ErrScopeClosed)
	}
	s.events = append(s.events, e)
	return nil
}

// SetArtifact stores a named value, overwriting any previous value under
// the same key. Fails once the scope is closed.
func (s *Scope) SetArtifact(key string, value any) error {
	if s.IsClosed() {
		return fmt.Errorf("set artifact %q on scope %s: %w", key, s.ID, ErrScopeClosed)
	}
	s.artifacts.Set(key, value)
	return nil
}

func (s *Scope) Artifact(key string) (any, bool) {
	return s.artifacts.Get(key)
}

// Events returns a copy of the event sequence.
func (s *Scope) Events() []ContextEvent {
	out := make([]ContextEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Scope) EventCount() int {
	return len(s.events)
}

// ArtifactKeys returns artifact keys in insertion order.
func (s *Scope) ArtifactKeys() []string {
	keys := make([]string, 0, s.artifacts.Len())
	for el := s.artifacts.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Key)
	}
	return keys
}

func (s *Scope) ArtifactCount() int {
	return s.artifacts.Len()
}

// Close stamps the close timestamp and stores the caller's summary.
// Closing twice fails and leaves the original timestamp untouched.
func (s *Scope) Close(summary string) error {
	if s.IsClosed() {
		return fmt.Errorf("close scope %s: %w", s.ID, ErrScopeAlreadyClosed)
	}
	s.closedAt = time.Now()
	s.summary = summary
	return nil
}

// TokenCount estimates the scope's retained footprint as
// ceil(bytes/4) over the goal, serialized events, serialized artifacts
// and summary. Empty collections contribute nothing. Values json cannot
// marshal (channels, funcs) are sized from their fmt rendering instead
// of vanishing from the count.
func (s *Scope) TokenCount() int {
	n := len(s.Goal) + len(s.summary)
	if len(s.events) > 0 {
		if b, err := json.Marshal(s.events); err == nil {
			n += len(b)
		} else {
			n += len(fmt.Sprint(s.events))
		}
	}
	if s.artifacts.Len() > 0 {
		n += len(s.serializeArtifacts())
	}
	if n == 0 {
		return 0
	}
	return (n + tokenBytes - 1) / tokenBytes
}

func (s *Scope) serializeArtifacts() []byte {
	type pair struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	pairs := make([]pair, 0, s.artifacts.Len())
	for el := s.artifacts.Front(); el != nil; el = el.Next() {
		pairs = append(pairs, pair{Key: el.Key, Value: el.Value})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return []byte(fmt.Sprint(pairs))
	}
	return b
}

// ApplyCompression destructively replaces the scope's content with the
// compressor's bounded summaries: the events become at most one synthetic
// STATE_CHANGE event, the artifacts at most one CompressedArtifactKey
// entry. Empty summaries leave the corresponding side empty. Lossy and
// irreversible; only valid on a closed scope.
func (s *Scope) ApplyCompression(eventSummary, artifactSummary string) error {
	if !s.IsClosed() {
		return fmt.Errorf("apply compression to scope %s: %w", s.ID, ErrScopeOpen)
	}
	s.events = nil
	if eventSummary != "" {
		s.events = []ContextEvent{NewEvent(EventStateChange, map[string]any{"summary": eventSummary})}
	}
	s.artifacts = orderedmap.NewOrderedMap[string, any]()
	if artifactSummary != "" {
		s.artifacts.Set(CompressedArtifactKey, map[string]any{"summary": artifactSummary})
	}
	return nil
}
