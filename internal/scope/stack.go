package scope

import "fmt"

// Stack is the active call path of scopes, bottom (oldest) to top. Push
// and Pop touch only the tail. The stack does not assign or enforce
// parent links; the orchestrator sets ParentID at construction time and
// ValidateIntegrity reports any chain it finds broken.
type Stack struct {
	scopes []*Scope
}

func NewStack() *Stack {
	return &Stack{}
}

func (st *Stack) Push(s *Scope) {
	st.scopes = append(st.scopes, s)
}

func (st *Stack) Pop() *Scope {
	if len(st.scopes) == 0 {
		return nil
	}
	top := st.scopes[len(st.scopes)-1]
	st.scopes = st.scopes[:len(st.scopes)-1]
	return top
}

// Current returns the top scope without removing it.
func (st *Stack) Current() *Scope {
	if len(st.scopes) == 0 {
		return nil
	}
	return st.scopes[len(st.scopes)-1]
}

// Peek returns the scope depth levels below the top (depth 0 = top).
func (st *Stack) Peek(depth int) *Scope {
	if depth < 0 || depth >= len(st.scopes) {
		return nil
	}
	return st.scopes[len(st.scopes)-1-depth]
}

func (st *Stack) Size() int {
	return len(st.scopes)
}

// Path returns scope ids bottom to top.
func (st *Stack) Path() []string {
	ids := make([]string, len(st.scopes))
	for i, s := range st.scopes {
		ids[i] = s.ID
	}
	return ids
}

func (st *Stack) Find(id string) *Scope {
	for _, s := range st.scopes {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Depth returns the distance of the given scope from the top
// (0 = top), or -1 when the scope is not on the stack.
func (st *Stack) Depth(id string) int {
	for i := len(st.scopes) - 1; i >= 0; i-- {
		if st.scopes[i].ID == id {
			return len(st.scopes) - 1 - i
		}
	}
	return -1
}

func (st *Stack) TotalTokenCount() int {
	total := 0
	for _, s := range st.scopes {
		total += s.TokenCount()
	}
	return total
}

func (st *Stack) Clear() {
	st.scopes = nil
}

// Scopes returns the stack contents bottom to top. The slice is a copy;
// the scopes are shared.
func (st *Stack) Scopes() []*Scope {
	out := make([]*Scope, len(st.scopes))
	copy(out, st.scopes)
	return out
}

// ValidateIntegrity checks that every scope above the bottom names the
// scope directly beneath it as parent. It reports violations without
// mutating or rejecting anything.
func (st *Stack) ValidateIntegrity() []string {
	var violations []string
	for i := 1; i < len(st.scopes); i++ {
		child, parent := st.scopes[i], st.scopes[i-1]
		if child.ParentID != parent.ID {
			violations = append(violations,
				fmt.Sprintf("scope %s at index %d has parent %q, expected %s", child.ID, i, child.ParentID, parent.ID))
		}
	}
	return violations
}
