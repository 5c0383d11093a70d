package scope

import "time"

// ArtifactSnapshot is one exported artifact entry, insertion order
// preserved by its position in the slice.
type ArtifactSnapshot struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Snapshot is the serializable form of a Scope, consumed by the external
// persistence collaborator. The core defines the shape only; it owns no
// file or wire format.
type Snapshot struct {
	ID        string             `json:"id"`
	ParentID  string             `json:"parentId,omitempty"`
	Goal      string             `json:"goal"`
	Level     Level              `json:"level"`
	Summary   string             `json:"summary,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	ClosedAt  time.Time          `json:"closedAt,omitzero"`
	Events    []ContextEvent     `json:"events,omitempty"`
	Artifacts []ArtifactSnapshot `json:"artifacts,omitempty"`
}

func (s *Scope) Snapshot() Snapshot {
	snap := Snapshot{
		ID:        s.ID,
		ParentID:  s.ParentID,
		Goal:      s.Goal,
		Level:     s.Level,
		Summary:   s.summary,
		CreatedAt: s.CreatedAt,
		ClosedAt:  s.closedAt,
		Events:    s.Events(),
	}
	for el := s.artifacts.Front(); el != nil; el = el.Next() {
		snap.Artifacts = append(snap.Artifacts, ArtifactSnapshot{Key: el.Key, Value: el.Value})
	}
	return snap
}

// FromSnapshot rebuilds a scope, including its closed state, from an
// exported snapshot.
func FromSnapshot(snap Snapshot) *Scope {
	s := New(snap.Goal, snap.Level, snap.ParentID)
	s.ID = snap.ID
	s.CreatedAt = snap.CreatedAt
	s.summary = snap.Summary
	s.closedAt = snap.ClosedAt
	s.events = append(s.events, snap.Events...)
	for _, a := range snap.Artifacts {
		s.artifacts.Set(a.Key, a.Value)
	}
	return s
}
