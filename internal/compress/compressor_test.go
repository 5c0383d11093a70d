package compress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stellarlinkco/hiermem/internal/scope"
)

func closedScope(t *testing.T, goal, summary string, events int) *scope.Scope {
	t.Helper()
	s := scope.New(goal, scope.LevelLocal, "")
	for i := 0; i < events; i++ {
		err := s.AddEvent(scope.NewEvent(scope.EventToolExecution, map[string]any{
			"tool":   "search",
			"output": fmt.Sprintf("verbose repeated tool output payload with plenty of text, iteration %d", i),
		}))
		if err != nil {
			t.Fatalf("AddEvent error: %v", err)
		}
	}
	if err := s.Close(summary); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	return s
}

func TestCompressScopeOpen(t *testing.T) {
	c := NewExtractive(Balanced)
	s := scope.New("g", scope.LevelLocal, "")
	if _, err := c.CompressScope(context.Background(), s); !errors.Is(err, scope.ErrScopeOpen) {
		t.Fatalf("error = %v, want ErrScopeOpen", err)
	}
	if m := c.Metrics(); m.Count != 0 {
		t.Errorf("failed compression must not be recorded, count = %d", m.Count)
	}
}

func TestCompressScopeConservative(t *testing.T) {
	c := NewExtractive(Conservative)
	s := closedScope(t, "deploy the payment service", "rolled out v2", 3)
	if err := s.AddEvent(scope.ContextEvent{}); err == nil {
		t.Fatal("scope should be closed")
	}

	result, err := c.CompressScope(context.Background(), s)
	if err != nil {
		t.Fatalf("CompressScope error: %v", err)
	}
	if result.Summary != "deploy the payment service | rolled out v2" {
		t.Errorf("summary = %q", result.Summary)
	}
	if result.EventSummary != "Events: 3 (3xTOOL_EXECUTION)" {
		t.Errorf("event summary = %q", result.EventSummary)
	}
	if result.ArtifactSummary != "" {
		t.Errorf("artifact summary = %q, want empty", result.ArtifactSummary)
	}
}

func TestCompressScopeConservativeNoSummary(t *testing.T) {
	c := NewExtractive(Conservative)
	s := closedScope(t, "investigate flaky test", "", 1)

	result, err := c.CompressScope(context.Background(), s)
	if err != nil {
		t.Fatalf("CompressScope error: %v", err)
	}
	if !strings.HasSuffix(result.Summary, " | No summary provided") {
		t.Errorf("summary = %q, want 'No summary provided' fallback", result.Summary)
	}
}

func TestCompressScopeBalancedEmptyScope(t *testing.T) {
	c := NewExtractive(Balanced)
	s := scope.New("empty local scope", scope.LevelLocal, "")
	if err := s.Close(""); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	result, err := c.CompressScope(context.Background(), s)
	if err != nil {
		t.Fatalf("CompressScope error: %v", err)
	}
	if result.CompressedTokenCount <= 0 {
		t.Errorf("compressed token count = %d, want > 0", result.CompressedTokenCount)
	}
	if result.EventSummary != "" || result.ArtifactSummary != "" {
		t.Errorf("empty scope summaries = %q / %q, want empty", result.EventSummary, result.ArtifactSummary)
	}
}

func TestCompressScopeBalancedFormats(t *testing.T) {
	c := NewExtractive(Balanced)
	s := scope.New("implement the billing report generator", scope.LevelTask, "")
	for i := 0; i < 4; i++ {
		if err := s.AddEvent(scope.NewEvent(scope.EventToolExecution, nil)); err != nil {
			t.Fatalf("AddEvent error: %v", err)
		}
	}
	if err := s.AddEvent(scope.NewEvent(scope.EventError, nil)); err != nil {
		t.Fatalf("AddEvent error: %v", err)
	}
	if err := s.SetArtifact("report", "x"); err != nil {
		t.Fatalf("SetArtifact error: %v", err)
	}
	if err := s.SetArtifact("log", "y"); err != nil {
		t.Fatalf("SetArtifact error: %v", err)
	}
	if err := s.Close("generated the monthly billing report"); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	result, err := c.CompressScope(context.Background(), s)
	if err != nil {
		t.Fatalf("CompressScope error: %v", err)
	}
	if result.EventSummary != "5ev (4xTOOL_EXECUTION)" {
		t.Errorf("event summary = %q", result.EventSummary)
	}
	if result.ArtifactSummary != "2artifacts (report...)" {
		t.Errorf("artifact summary = %q", result.ArtifactSummary)
	}
	if !strings.Contains(result.Summary, " -> ") {
		t.Errorf("summary = %q, want keyword arrow form", result.Summary)
	}
}

func TestCompressScopeBalancedSingleArtifact(t *testing.T) {
	c := NewExtractive(Balanced)
	s := scope.New("g", scope.LevelLocal, "")
	if err := s.SetArtifact("only", 1); err != nil {
		t.Fatalf("SetArtifact error: %v", err)
	}
	if err := s.Close(""); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	result, err := c.CompressScope(context.Background(), s)
	if err != nil {
		t.Fatalf("CompressScope error: %v", err)
	}
	if result.ArtifactSummary != "1artifact (only)" {
		t.Errorf("artifact summary = %q", result.ArtifactSummary)
	}
}

func TestCompressScopeAggressiveRatio(t *testing.T) {
	c := NewExtractive(Aggressive)
	s := closedScope(t, "summarize the quarterly infrastructure migration work", "migration of all services finished without downtime", 12)

	result, err := c.CompressScope(context.Background(), s)
	if err != nil {
		t.Fatalf("CompressScope error: %v", err)
	}
	if result.EventSummary != "12ev" {
		t.Errorf("event summary = %q", result.EventSummary)
	}
	if len(result.Summary) > 50 {
		t.Errorf("aggressive summary len = %d, want <= 50", len(result.Summary))
	}
	if result.CompressionRatio < 5 {
		t.Errorf("ratio = %.2f, want >= 5 over verbose repeated events", result.CompressionRatio)
	}
	if result.CompressedTokenCount > result.OriginalTokenCount {
		t.Errorf("compressed %d > original %d", result.CompressedTokenCount, result.OriginalTokenCount)
	}
}

func TestCompressScopeShrinksScope(t *testing.T) {
	c := NewExtractive(Balanced)
	s := closedScope(t, "goal", "summary", 10)
	before := s.TokenCount()

	if _, err := c.CompressScope(context.Background(), s); err != nil {
		t.Fatalf("CompressScope error: %v", err)
	}
	if after := s.TokenCount(); after >= before {
		t.Errorf("scope token count did not shrink: before=%d after=%d", before, after)
	}
	if s.EventCount() > 1 {
		t.Errorf("events after compression = %d, want at most 1", s.EventCount())
	}
}

func TestCompressStackBestEffort(t *testing.T) {
	c := NewExtractive(Balanced)
	st := scope.NewStack()

	open := scope.New("still running", scope.LevelLocal, "")
	closedLocal := closedScope(t, "finished local work", "done", 4)
	closedTask := closedScope(t, "finished task work", "done", 4)
	closedTaskSnap := closedTask.Snapshot()
	closedTaskSnap.Level = scope.LevelTask
	taskScope := scope.FromSnapshot(closedTaskSnap)

	st.Push(taskScope)
	st.Push(closedLocal)
	st.Push(open)

	results := c.CompressStack(context.Background(), st, "")
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (open scope skipped)", len(results))
	}

	c.ClearMetrics()
	st2 := scope.NewStack()
	st2.Push(scope.FromSnapshot(closedTaskSnap))
	st2.Push(closedScope(t, "another local", "", 2))
	results = c.CompressStack(context.Background(), st2, scope.LevelTask)
	if len(results) != 1 {
		t.Fatalf("filtered results = %d, want 1", len(results))
	}
}

func TestMetrics(t *testing.T) {
	c := NewExtractive(Aggressive)
	if m := c.Metrics(); m.Count != 0 || m.AverageRatio != 0 || m.BestRatio != 0 || m.WorstRatio != 0 {
		t.Fatalf("empty metrics = %+v, want zeroes", m)
	}
	if c.TargetMet(0) {
		t.Error("target cannot be met before any compression")
	}

	for i := 0; i < 3; i++ {
		s := closedScope(t, "some long running goal with details", "summary text", 10+i)
		if _, err := c.CompressScope(context.Background(), s); err != nil {
			t.Fatalf("CompressScope error: %v", err)
		}
	}

	m := c.Metrics()
	if m.Count != 3 {
		t.Errorf("count = %d, want 3", m.Count)
	}
	if m.TokensSaved <= 0 {
		t.Errorf("tokens saved = %d, want > 0", m.TokensSaved)
	}
	if m.BestRatio < m.AverageRatio || m.AverageRatio < m.WorstRatio {
		t.Errorf("ratio ordering broken: %+v", m)
	}
	if !c.TargetMet(1) {
		t.Error("TargetMet(1) should hold for any successful compression batch")
	}

	c.ClearMetrics()
	if m := c.Metrics(); m.Count != 0 {
		t.Errorf("count after clear = %d, want 0", m.Count)
	}
}

func TestRecommendations(t *testing.T) {
	c := NewExtractive(Balanced)
	recs := c.Recommendations()
	if len(recs) != 1 || !strings.Contains(recs[0], "No compressions") {
		t.Errorf("empty recommendations = %v", recs)
	}

	s := closedScope(t, "big goal", "short", 20)
	if _, err := c.CompressScope(context.Background(), s); err != nil {
		t.Fatalf("CompressScope error: %v", err)
	}
	if recs := c.Recommendations(); len(recs) == 0 {
		t.Error("recommendations should never be empty after compressions")
	}
}

func TestKeywords(t *testing.T) {
	got := keywords("Deploy the NEW payment-service to us-east-1, then verify logs carefully!")
	want := []string{"deploy", "new", "payment", "service", "east"}
	if len(got) != len(want) {
		t.Fatalf("keywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keywords = %v, want %v", got, want)
		}
	}

	if got := keywords("a an to of"); len(got) != 0 {
		t.Errorf("keywords of short tokens = %v, want empty", got)
	}
}
