package memory

import (
	"fmt"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/stellarlinkco/hiermem/internal/budget"
	"github.com/stellarlinkco/hiermem/internal/scope"
)

// Snapshot is the exported form of a HierarchicalMemory, handed to the
// external persistence collaborator. Scopes are listed in creation order
// so an import rebuilds the registry with identical iteration order.
type Snapshot struct {
	Scopes           []scope.Snapshot   `json:"scopes"`
	StackIDs         []string           `json:"stackIds"`
	Complexity       map[string]float64 `json:"complexity,omitempty"`
	CompressionCount int                `json:"compressionCount"`
	Budget           budget.State       `json:"budget"`
	ExportedAt       time.Time          `json:"exportedAt"`
}

func (m *HierarchicalMemory) ExportState() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		StackIDs:         m.stack.Path(),
		Complexity:       make(map[string]float64, len(m.complexity)),
		CompressionCount: m.compressionCount,
		Budget:           m.budget.ExportState(),
		ExportedAt:       time.Now(),
	}
	for el := m.registry.Front(); el != nil; el = el.Next() {
		snap.Scopes = append(snap.Scopes, el.Value.Snapshot())
	}
	for id, c := range m.complexity {
		snap.Complexity[id] = c
	}
	return snap
}

// ImportState replaces the memory's contents with an exported snapshot.
func (m *HierarchicalMemory) ImportState(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	registry := orderedmap.NewOrderedMap[string, *scope.Scope]()
	for _, s := range snap.Scopes {
		registry.Set(s.ID, scope.FromSnapshot(s))
	}

	stack := scope.NewStack()
	for _, id := range snap.StackIDs {
		s, ok := registry.Get(id)
		if !ok {
			return fmt.Errorf("import state: stack references unknown scope %s", id)
		}
		stack.Push(s)
	}

	m.registry = registry
	m.stack = stack
	m.compressionCount = snap.CompressionCount
	m.complexity = make(map[string]float64, len(snap.Complexity))
	for id, c := range snap.Complexity {
		m.complexity[id] = c
	}
	m.budget.ImportState(snap.Budget)
	return nil
}
