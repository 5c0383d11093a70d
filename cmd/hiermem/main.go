package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/hiermem/internal/budget"
	"github.com/stellarlinkco/hiermem/internal/compress"
	"github.com/stellarlinkco/hiermem/internal/config"
	"github.com/stellarlinkco/hiermem/internal/maintenance"
	"github.com/stellarlinkco/hiermem/internal/memory"
	"github.com/stellarlinkco/hiermem/internal/scope"
	"github.com/stellarlinkco/hiermem/internal/store"
)

const version = "0.1.0"

// Persister is the slice of the snapshot store the REPL needs; tests
// plug in fakes.
type Persister interface {
	SaveSnapshot(snap memory.Snapshot) error
	LoadSnapshot() (memory.Snapshot, bool, error)
	Close() error
}

// StoreFactory opens the persistence backend for a config.
type StoreFactory func(cfg *config.Config) (Persister, error)

func defaultStoreFactory(cfg *config.Config) (Persister, error) {
	return store.New(cfg.Store.DBPath)
}

// ReplOptions carries injectable dependencies for testing.
type ReplOptions struct {
	StoreFactory StoreFactory
	Stdin        io.Reader
	Stdout       io.Writer
	Stderr       io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "hiermem",
	Short: "hiermem - hierarchical bounded-memory context tracking",
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Drive a memory interactively (open/event/close/compress/...)",
	RunE:  runRepl,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the persisted snapshot's scope and budget stats",
	RunE:  runStats,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compress all closed scopes in the persisted snapshot",
	RunE:  runCompact,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	RunE:  runOnboard,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "hiermem "+version)
	},
}

var (
	strategyFlag string
	levelFlag    string
)

func init() {
	replCmd.Flags().StringVarP(&strategyFlag, "strategy", "s", "", "Compression strategy (CONSERVATIVE, BALANCED, AGGRESSIVE)")
	compactCmd.Flags().StringVarP(&levelFlag, "level", "l", "", "Only compress scopes at this level (GLOBAL, TASK, LOCAL)")
	rootCmd.AddCommand(replCmd, statsCmd, compactCmd, onboardCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// memoryOptions maps the file config onto the in-memory engine options.
func memoryOptions(cfg *config.Config) (memory.Options, error) {
	strategy, err := compress.ParseStrategy(cfg.Memory.Strategy)
	if err != nil {
		return memory.Options{}, fmt.Errorf("config strategy: %w", err)
	}
	return memory.Options{
		AutoCompression:      cfg.Memory.AutoCompression,
		CompressionThreshold: cfg.Memory.CompressionThreshold,
		Strategy:             strategy,
		TierBudgets: map[scope.Level]float64{
			scope.LevelGlobal: cfg.Memory.TierBudgets.Global,
			scope.LevelTask:   cfg.Memory.TierBudgets.Task,
			scope.LevelLocal:  cfg.Memory.TierBudgets.Local,
		},
		Budget: budget.Config{
			GlobalBudget:         cfg.Budget.GlobalBudget,
			TaskBudgetMultiplier: cfg.Budget.TaskBudgetMultiplier,
			LocalBudget:          cfg.Budget.LocalBudget,
			AdaptiveThreshold:    cfg.Budget.AdaptiveThreshold,
			EmergencyThreshold:   cfg.Budget.EmergencyThreshold,
			AdaptiveEnabled:      cfg.Budget.AdaptiveEnabled,
		},
	}, nil
}

func runRepl(cmd *cobra.Command, args []string) error {
	return runReplWithOptions(ReplOptions{})
}

func runReplWithOptions(opts ReplOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strategyFlag != "" {
		cfg.Memory.Strategy = strategyFlag
	}

	memOpts, err := memoryOptions(cfg)
	if err != nil {
		return err
	}
	mem := memory.New(memOpts)
	defer mem.WaitBackground()

	factory := opts.StoreFactory
	if factory == nil {
		factory = defaultStoreFactory
	}
	st, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	if cfg.Maintenance.Enabled {
		svc := maintenance.NewService(mem, st, maintenance.Options{
			CompressSchedule: cfg.Maintenance.CompressSchedule,
			AdaptSchedule:    cfg.Maintenance.AdaptSchedule,
		})
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
		defer svc.Stop()
	}

	fmt.Fprintln(stdout, "hiermem repl (type 'help' or 'exit')")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if err := dispatch(ctx, mem, st, stdout, input); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return nil
}

// dispatch executes one REPL line against the memory.
func dispatch(ctx context.Context, mem *memory.HierarchicalMemory, st Persister, out io.Writer, input string) error {
	fields := strings.Fields(input)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "help":
		fmt.Fprint(out, replHelp)

	case "open":
		// open LEVEL [complexity] goal...
		if len(rest) < 2 {
			return fmt.Errorf("usage: open LEVEL [complexity] goal")
		}
		level, err := scope.ParseLevel(rest[0])
		if err != nil {
			return err
		}
		complexity := 1.0
		goalStart := 1
		if c, err := strconv.ParseFloat(rest[1], 64); err == nil && len(rest) > 2 {
			complexity = c
			goalStart = 2
		}
		goal := strings.Join(rest[goalStart:], " ")
		id := mem.CreateScope(goal, level, complexity)
		fmt.Fprintf(out, "opened %s scope %s\n", level, id)

	case "event":
		// event TYPE text...
		if len(rest) < 2 {
			return fmt.Errorf("usage: event TYPE text")
		}
		kind := scope.EventType(strings.ToUpper(rest[0]))
		text := strings.Join(rest[1:], " ")
		if err := mem.AddEvent(scope.NewEvent(kind, map[string]any{"text": text})); err != nil {
			return err
		}
		fmt.Fprintln(out, "event recorded")

	case "artifact":
		// artifact KEY value...
		if len(rest) < 2 {
			return fmt.Errorf("usage: artifact KEY value")
		}
		if err := mem.SetArtifact(rest[0], strings.Join(rest[1:], " ")); err != nil {
			return err
		}
		fmt.Fprintf(out, "artifact %q stored\n", rest[0])

	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("usage: get KEY")
		}
		value, ok := mem.GetArtifact(rest[0])
		if !ok {
			fmt.Fprintf(out, "%q not found\n", rest[0])
			return nil
		}
		fmt.Fprintf(out, "%v\n", value)

	case "close":
		summary := strings.Join(rest, " ")
		mem.CloseScope(ctx, summary)
		fmt.Fprintln(out, "scope closed")

	case "pop":
		if s := mem.PopScope(); s != nil {
			fmt.Fprintf(out, "popped scope %s\n", s.ID)
		} else {
			fmt.Fprintln(out, "stack empty")
		}

	case "path":
		path := mem.ScopePath()
		if len(path) == 0 {
			fmt.Fprintln(out, "stack empty")
			return nil
		}
		fmt.Fprintln(out, strings.Join(path, " / "))

	case "compress":
		var level scope.Level
		if len(rest) > 0 {
			parsed, err := scope.ParseLevel(rest[0])
			if err != nil {
				return err
			}
			level = parsed
		}
		results := mem.Compress(ctx, level)
		fmt.Fprintf(out, "compressed %d scopes\n", len(results))

	case "status":
		printStatus(out, mem)

	case "metrics":
		printMetrics(out, mem)

	case "alerts":
		alerts := mem.Budget().Alerts()
		if len(alerts) == 0 {
			fmt.Fprintln(out, "no alerts")
			return nil
		}
		for _, a := range alerts {
			fmt.Fprintf(out, "[%s] %s: %s\n", a.Severity, a.Level, a.Message)
		}

	case "predict":
		steps := 3
		if len(rest) > 0 {
			if n, err := strconv.Atoi(rest[0]); err == nil && n > 0 {
				steps = n
			}
		}
		p := mem.Budget().Predict(scope.LevelLocal, steps)
		fmt.Fprintf(out, "LOCAL %+d steps: projected %.0f (%s, confidence %.1f), recommended limit %.0f\n",
			p.StepsAhead, p.ProjectedUsage, p.Trend, p.Confidence, p.RecommendedLimit)

	case "save":
		mem.WaitBackground()
		if err := st.SaveSnapshot(mem.ExportState()); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		fmt.Fprintln(out, "snapshot saved")

	case "load":
		snap, ok, err := st.LoadSnapshot()
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if !ok {
			fmt.Fprintln(out, "no snapshot stored")
			return nil
		}
		if err := mem.ImportState(snap); err != nil {
			return err
		}
		fmt.Fprintf(out, "restored %d scopes\n", len(snap.Scopes))

	case "clear":
		mem.Clear()
		fmt.Fprintln(out, "memory cleared")

	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return nil
}

func printStatus(out io.Writer, mem *memory.HierarchicalMemory) {
	bs := mem.BudgetStatus()
	if bs.Level == "" {
		fmt.Fprintln(out, "stack empty")
		return
	}
	fmt.Fprintf(out, "%s: %.0f / %.0f tokens (%.1f%%, %s)\n",
		bs.Level, bs.Usage, bs.Limit, bs.UtilizationPct, bs.Status)
}

func printMetrics(out io.Writer, mem *memory.HierarchicalMemory) {
	m := mem.Metrics()
	fmt.Fprintf(out, "Scopes: %d total, %d active\n", m.TotalScopes, m.ActiveScopes)
	for _, level := range []scope.Level{scope.LevelGlobal, scope.LevelTask, scope.LevelLocal} {
		if n := m.ScopesByLevel[level]; n > 0 {
			fmt.Fprintf(out, "  %s: %d\n", level, n)
		}
	}
	fmt.Fprintf(out, "Tokens: %d total, %d on stack\n", m.TotalTokens, m.StackTokens)
	fmt.Fprintf(out, "Compressions: %d\n", m.CompressionCount)
	if m.Compression.Count > 0 {
		fmt.Fprintf(out, "Ratio: avg %.1f:1, best %.1f:1, saved %d tokens\n",
			m.Compression.AverageRatio, m.Compression.BestRatio, m.Compression.TokensSaved)
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	return runStatsWithOptions(cmd.OutOrStdout(), nil)
}

func runStatsWithOptions(out io.Writer, factory StoreFactory) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if factory == nil {
		factory = defaultStoreFactory
	}
	st, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	snap, ok, err := st.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		fmt.Fprintln(out, "No snapshot stored yet.")
		return nil
	}

	memOpts, err := memoryOptions(cfg)
	if err != nil {
		return err
	}
	mem := memory.New(memOpts)
	if err := mem.ImportState(snap); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	fmt.Fprintf(out, "Snapshot: %s (%d scopes)\n", snap.ExportedAt.Format("2006-01-02 15:04:05"), len(snap.Scopes))
	printMetrics(out, mem)
	printStatus(out, mem)
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	return runCompactWithOptions(cmd.OutOrStdout(), nil)
}

func runCompactWithOptions(out io.Writer, factory StoreFactory) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if factory == nil {
		factory = defaultStoreFactory
	}
	st, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	snap, ok, err := st.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		fmt.Fprintln(out, "No snapshot stored yet.")
		return nil
	}

	memOpts, err := memoryOptions(cfg)
	if err != nil {
		return err
	}
	mem := memory.New(memOpts)
	if err := mem.ImportState(snap); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	var level scope.Level
	if levelFlag != "" {
		parsed, err := scope.ParseLevel(levelFlag)
		if err != nil {
			return err
		}
		level = parsed
	}

	results := mem.Compress(context.Background(), level)
	if err := st.SaveSnapshot(mem.ExportState()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	saved := 0
	for _, r := range results {
		saved += r.OriginalTokenCount - r.CompressedTokenCount
	}
	fmt.Fprintf(out, "Compressed %d scopes, saved %d tokens.\n", len(results), saved)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()
	out := cmd.OutOrStdout()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to tune budgets and strategy\n", cfgPath)
	fmt.Fprintln(out, "  2. Run 'hiermem repl' to drive a memory interactively")
	return nil
}

const replHelp = `Commands:
  open LEVEL [complexity] goal   open a scope (GLOBAL, TASK or LOCAL)
  event TYPE text                record an event in the current scope
  artifact KEY value             store an artifact in the current scope
  get KEY                        look up an artifact (stack, then registry)
  close [summary]                close the current scope (auto-compresses)
  pop                            force-pop the current scope (no compression)
  path                           print the active scope chain
  compress [LEVEL]               compress all closed scopes
  status                         current tier budget status
  metrics                        memory and compression metrics
  alerts                         budget alerts across tiers
  predict [steps]                LOCAL usage projection
  save / load                    persist or restore the snapshot
  clear                          drop all scopes
  exit                           quit
`
