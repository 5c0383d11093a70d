package scope

import "testing"

func TestStackLIFO(t *testing.T) {
	st := NewStack()
	a := New("a", LevelGlobal, "")
	b := New("b", LevelTask, a.ID)

	st.Push(a)
	st.Push(b)

	if got := st.Pop(); got != b {
		t.Fatalf("first Pop = %v, want b", got)
	}
	if got := st.Pop(); got != a {
		t.Fatalf("second Pop = %v, want a", got)
	}
	if got := st.Current(); got != nil {
		t.Fatalf("Current on empty stack = %v, want nil", got)
	}
	if got := st.Pop(); got != nil {
		t.Fatalf("Pop on empty stack = %v, want nil", got)
	}
}

func TestStackPeek(t *testing.T) {
	st := NewStack()
	a := New("a", LevelGlobal, "")
	b := New("b", LevelTask, a.ID)
	st.Push(a)
	st.Push(b)

	if got := st.Peek(0); got != b {
		t.Errorf("Peek(0) = %v, want top", got)
	}
	if got := st.Peek(1); got != a {
		t.Errorf("Peek(1) = %v, want bottom", got)
	}
	if got := st.Peek(2); got != nil {
		t.Errorf("Peek(size) = %v, want nil", got)
	}
	if got := st.Peek(-1); got != nil {
		t.Errorf("Peek(-1) = %v, want nil", got)
	}
}

func TestStackPathFindDepth(t *testing.T) {
	st := NewStack()
	g := New("g", LevelGlobal, "")
	task := New("t", LevelTask, g.ID)
	local := New("l", LevelLocal, task.ID)
	st.Push(g)
	st.Push(task)
	st.Push(local)

	path := st.Path()
	if len(path) != 3 || path[0] != g.ID || path[1] != task.ID || path[2] != local.ID {
		t.Errorf("Path = %v, want bottom-to-top ids", path)
	}

	if got := st.Find(task.ID); got != task {
		t.Errorf("Find(task) = %v, want task scope", got)
	}
	if got := st.Find("nope"); got != nil {
		t.Errorf("Find(unknown) = %v, want nil", got)
	}

	if d := st.Depth(local.ID); d != 0 {
		t.Errorf("Depth(top) = %d, want 0", d)
	}
	if d := st.Depth(task.ID); d != 1 {
		t.Errorf("Depth(task) = %d, want 1", d)
	}
	if d := st.Depth("nope"); d != -1 {
		t.Errorf("Depth(unknown) = %d, want -1", d)
	}
}

func TestStackTotalTokenCount(t *testing.T) {
	st := NewStack()
	a := New("abcd", LevelGlobal, "")
	b := New("efgh", LevelTask, a.ID)
	st.Push(a)
	st.Push(b)

	if got, want := st.TotalTokenCount(), a.TokenCount()+b.TokenCount(); got != want {
		t.Errorf("TotalTokenCount = %d, want %d", got, want)
	}

	st.Clear()
	if st.Size() != 0 {
		t.Errorf("Size after Clear = %d, want 0", st.Size())
	}
	if st.TotalTokenCount() != 0 {
		t.Error("TotalTokenCount after Clear should be 0")
	}
}

func TestStackValidateIntegrity(t *testing.T) {
	st := NewStack()
	g := New("g", LevelGlobal, "")
	task := New("t", LevelTask, g.ID)
	st.Push(g)
	st.Push(task)
	if v := st.ValidateIntegrity(); len(v) != 0 {
		t.Fatalf("valid chain reported violations: %v", v)
	}

	// Push does not fix parent links; a stray scope must be reported,
	// not rejected.
	stray := New("stray", LevelLocal, "someone-else")
	st.Push(stray)
	if st.Size() != 3 {
		t.Fatal("Push must accept scopes regardless of parent link")
	}
	v := st.ValidateIntegrity()
	if len(v) != 1 {
		t.Fatalf("violations = %v, want exactly one", v)
	}
}
