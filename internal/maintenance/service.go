// Package maintenance runs scheduled housekeeping over a hierarchical
// memory: periodic compression sweeps of closed scopes and periodic
// budget adaptation, optionally persisting a snapshot after each run.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"sync"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/hiermem/internal/memory"
	"github.com/stellarlinkco/hiermem/internal/scope"
)

// Persister saves the memory state after a maintenance run. The sqlite
// store satisfies this; tests plug in fakes.
type Persister interface {
	SaveSnapshot(snap memory.Snapshot) error
}

type Options struct {
	CompressSchedule string // cron spec or @every duration
	AdaptSchedule    string
	CompressLevel    scope.Level // empty sweeps every level
}

type Service struct {
	mem   *memory.HierarchicalMemory
	store Persister // may be nil
	opts  Options

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc

	compressRuns int
	adaptRuns    int
}

func NewService(mem *memory.HierarchicalMemory, store Persister, opts Options) *Service {
	return &Service{mem: mem, store: store, opts: opts}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("maintenance already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	c := rcron.New()
	if s.opts.CompressSchedule != "" {
		if _, err := c.AddFunc(s.opts.CompressSchedule, func() { s.runCompress(runCtx) }); err != nil {
			cancel()
			return fmt.Errorf("register compress schedule %q: %w", s.opts.CompressSchedule, err)
		}
	}
	if s.opts.AdaptSchedule != "" {
		if _, err := c.AddFunc(s.opts.AdaptSchedule, func() { s.runAdapt() }); err != nil {
			cancel()
			return fmt.Errorf("register adapt schedule %q: %w", s.opts.AdaptSchedule, err)
		}
	}

	c.Start()
	s.cron = c
	log.Printf("[maintenance] started (compress %q, adapt %q)", s.opts.CompressSchedule, s.opts.AdaptSchedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
		log.Printf("[maintenance] stopped")
	}
}

// RunCompress sweeps closed scopes once, outside any schedule.
func (s *Service) RunCompress(ctx context.Context) int {
	return s.runCompress(ctx)
}

func (s *Service) runCompress(ctx context.Context) int {
	results := s.mem.Compress(ctx, s.opts.CompressLevel)
	if len(results) > 0 {
		log.Printf("[maintenance] compressed %d scopes", len(results))
	}

	s.mu.Lock()
	s.compressRuns++
	s.mu.Unlock()

	s.persist()
	return len(results)
}

// RunAdapt applies one budget adaptation pass, outside any schedule.
func (s *Service) RunAdapt() bool {
	return s.runAdapt()
}

func (s *Service) runAdapt() bool {
	adapted := s.mem.Budget().Adapt()
	if adapted {
		log.Printf("[maintenance] budget adapted (count=%d)", s.mem.Budget().AdaptationCount())
	}

	s.mu.Lock()
	s.adaptRuns++
	s.mu.Unlock()

	s.persist()
	return adapted
}

func (s *Service) persist() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSnapshot(s.mem.ExportState()); err != nil {
		log.Printf("[maintenance] snapshot save failed: %v", err)
	}
}

// Runs reports how many compress and adapt passes have executed.
func (s *Service) Runs() (compress, adapt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressRuns, s.adaptRuns
}
