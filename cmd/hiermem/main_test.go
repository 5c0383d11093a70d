package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stellarlinkco/hiermem/internal/config"
	"github.com/stellarlinkco/hiermem/internal/memory"
	"github.com/stellarlinkco/hiermem/internal/scope"
)

type fakeStore struct {
	snap   memory.Snapshot
	stored bool
	saves  int
	closed bool
}

func (f *fakeStore) SaveSnapshot(snap memory.Snapshot) error {
	f.snap = snap
	f.stored = true
	f.saves++
	return nil
}

func (f *fakeStore) LoadSnapshot() (memory.Snapshot, bool, error) {
	return f.snap, f.stored, nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func fakeFactory(f *fakeStore) StoreFactory {
	return func(cfg *config.Config) (Persister, error) { return f, nil }
}

// isolate points config loading at an empty home so tests never read a
// real config file.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	strategyFlag = ""
	levelFlag = ""
}

func runScript(t *testing.T, f *fakeStore, script string) (stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := runReplWithOptions(ReplOptions{
		StoreFactory: fakeFactory(f),
		Stdin:        strings.NewReader(script),
		Stdout:       &out,
		Stderr:       &errOut,
	})
	if err != nil {
		t.Fatalf("repl error: %v", err)
	}
	return out.String(), errOut.String()
}

func TestMemoryOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Memory.Strategy = "AGGRESSIVE"
	cfg.Memory.TierBudgets.Local = 1234
	cfg.Budget.LocalBudget = 777

	opts, err := memoryOptions(cfg)
	if err != nil {
		t.Fatalf("memoryOptions error: %v", err)
	}
	if string(opts.Strategy) != "AGGRESSIVE" {
		t.Errorf("strategy = %q", opts.Strategy)
	}
	if opts.TierBudgets[scope.LevelLocal] != 1234 {
		t.Errorf("local tier budget = %v", opts.TierBudgets[scope.LevelLocal])
	}
	if opts.Budget.LocalBudget != 777 {
		t.Errorf("local budget limit = %v", opts.Budget.LocalBudget)
	}
}

func TestMemoryOptionsRejectsBadStrategy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Memory.Strategy = "SOMETIMES"
	if _, err := memoryOptions(cfg); err == nil {
		t.Fatal("bad strategy should fail")
	}
}

func TestReplScopeLifecycle(t *testing.T) {
	isolate(t)
	f := &fakeStore{}

	stdout, stderr := runScript(t, f, strings.Join([]string{
		"open GLOBAL Run the session",
		"open LOCAL 2 Fetch the report",
		"event TOOL_EXECUTION ran fetch",
		"artifact report quarterly numbers",
		"get report",
		"path",
		"close fetched the report",
		"status",
		"metrics",
		"save",
		"exit",
	}, "\n"))

	if stderr != "" {
		t.Fatalf("unexpected stderr: %s", stderr)
	}
	for _, want := range []string{
		"opened GLOBAL scope",
		"opened LOCAL scope",
		"event recorded",
		`artifact "report" stored`,
		"quarterly numbers",
		"scope closed",
		"GLOBAL:",
		"Scopes: 2 total, 1 active",
		"snapshot saved",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q\n---\n%s", want, stdout)
		}
	}
	if !f.stored {
		t.Error("save did not reach the store")
	}
	if len(f.snap.Scopes) != 2 {
		t.Errorf("snapshot has %d scopes, want 2", len(f.snap.Scopes))
	}
	if !f.closed {
		t.Error("store not closed on exit")
	}
}

func TestReplUnknownCommand(t *testing.T) {
	isolate(t)
	_, stderr := runScript(t, &fakeStore{}, "frobnicate\nexit\n")
	if !strings.Contains(stderr, "unknown command") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestReplPopSkipsCompression(t *testing.T) {
	isolate(t)
	stdout, _ := runScript(t, &fakeStore{}, strings.Join([]string{
		"open LOCAL Scratch work",
		"event USER_INPUT keep this verbatim",
		"pop",
		"metrics",
		"exit",
	}, "\n"))
	if !strings.Contains(stdout, "popped scope") {
		t.Errorf("stdout missing pop confirmation\n---\n%s", stdout)
	}
	if !strings.Contains(stdout, "Compressions: 0") {
		t.Errorf("pop should not compress\n---\n%s", stdout)
	}
}

func TestReplLoadRestoresSnapshot(t *testing.T) {
	isolate(t)

	seed := memory.New(memory.DefaultOptions())
	seed.CreateScope("Earlier session", scope.LevelGlobal, 1)
	seed.WaitBackground()
	f := &fakeStore{snap: seed.ExportState(), stored: true}

	stdout, stderr := runScript(t, f, "load\npath\nexit\n")
	if stderr != "" {
		t.Fatalf("unexpected stderr: %s", stderr)
	}
	if !strings.Contains(stdout, "restored 1 scopes") {
		t.Errorf("stdout missing restore confirmation\n---\n%s", stdout)
	}
}

func TestStatsEmptyStore(t *testing.T) {
	isolate(t)
	var out bytes.Buffer
	if err := runStatsWithOptions(&out, fakeFactory(&fakeStore{})); err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if !strings.Contains(out.String(), "No snapshot stored yet.") {
		t.Errorf("stats output = %q", out.String())
	}
}

func TestStatsReportsSnapshot(t *testing.T) {
	isolate(t)

	seed := memory.New(memory.DefaultOptions())
	seed.CreateScope("Run the session", scope.LevelGlobal, 1)
	seed.CreateScope("Fetch report", scope.LevelLocal, 1)
	seed.WaitBackground()
	f := &fakeStore{snap: seed.ExportState(), stored: true}

	var out bytes.Buffer
	if err := runStatsWithOptions(&out, fakeFactory(f)); err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if !strings.Contains(out.String(), "Scopes: 2 total, 2 active") {
		t.Errorf("stats output = %q", out.String())
	}
}

func TestCompactCompressesAndSavesBack(t *testing.T) {
	isolate(t)

	opts := memory.DefaultOptions()
	opts.AutoCompression = false
	seed := memory.New(opts)
	seed.CreateScope("Run the session", scope.LevelGlobal, 1)
	seed.CreateScope("Fetch report", scope.LevelLocal, 1)
	for i := 0; i < 5; i++ {
		if err := seed.AddEvent(scope.NewEvent(scope.EventToolExecution, map[string]any{"step": i})); err != nil {
			t.Fatalf("AddEvent error: %v", err)
		}
	}
	seed.CloseScope(context.Background(), "fetched")
	seed.WaitBackground()
	f := &fakeStore{snap: seed.ExportState(), stored: true}

	var out bytes.Buffer
	if err := runCompactWithOptions(&out, fakeFactory(f)); err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if !strings.Contains(out.String(), "Compressed 1 scopes") {
		t.Errorf("compact output = %q", out.String())
	}
	if f.saves != 1 {
		t.Errorf("compact saved %d times, want 1", f.saves)
	}

	restored := memory.New(memory.DefaultOptions())
	if err := restored.ImportState(f.snap); err != nil {
		t.Fatalf("ImportState error: %v", err)
	}
	locals := restored.ScopesByLevel(scope.LevelLocal)
	if len(locals) != 1 {
		t.Fatalf("restored %d LOCAL scopes", len(locals))
	}
	if locals[0].EventCount() > 1 {
		t.Errorf("compacted scope still has %d events", locals[0].EventCount())
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.Contains(out.String(), "hiermem "+version) {
		t.Errorf("version output = %q", out.String())
	}
}
