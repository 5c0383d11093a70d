// Package budget tracks per-tier token usage against configurable
// limits. The manager is fed deltas by its caller; it never reads scopes
// itself.
package budget

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stellarlinkco/hiermem/internal/scope"
)

type Status string

const (
	StatusOK        Status = "OK"
	StatusWarning   Status = "WARNING"
	StatusEmergency Status = "EMERGENCY"
	StatusExceeded  Status = "EXCEEDED"
)

const (
	DefaultGlobalBudget         = 100000
	DefaultTaskBudgetMultiplier = 10000
	DefaultLocalBudget          = 5000
	DefaultAdaptiveThreshold    = 0.8
	DefaultEmergencyThreshold   = 0.95

	// historyCap bounds the per-tier usage history; oldest samples drop.
	historyCap = 20
	// minAdaptSamples gates adaptation until a tier has enough history.
	minAdaptSamples = 5
	// minPredictSamples gates trend prediction.
	minPredictSamples = 3
)

type Config struct {
	GlobalBudget         float64 `json:"globalBudget"`
	TaskBudgetMultiplier float64 `json:"taskBudgetMultiplier"`
	LocalBudget          float64 `json:"localBudget"`
	AdaptiveThreshold    float64 `json:"adaptiveThreshold"`
	EmergencyThreshold   float64 `json:"emergencyThreshold"`
	AdaptiveEnabled      bool    `json:"adaptiveEnabled"`
}

func DefaultConfig() Config {
	return Config{
		GlobalBudget:         DefaultGlobalBudget,
		TaskBudgetMultiplier: DefaultTaskBudgetMultiplier,
		LocalBudget:          DefaultLocalBudget,
		AdaptiveThreshold:    DefaultAdaptiveThreshold,
		EmergencyThreshold:   DefaultEmergencyThreshold,
		AdaptiveEnabled:      true,
	}
}

type Alert struct {
	Level             scope.Level
	Severity          Status
	Usage             float64
	Limit             float64
	UtilizationPct    float64
	Message           string
	RecommendedAction string
	Timestamp         time.Time
}

type Prediction struct {
	Level            scope.Level
	CurrentUsage     float64
	ProjectedUsage   float64
	RecommendedLimit float64
	Trend            string // "increasing", "decreasing" or "stable"
	Confidence       float64
	StepsAhead       int
}

// State is the exported form of the manager. Only the LOCAL tier history
// survives a round trip; GLOBAL and TASK histories are rebuilt from live
// traffic after import.
type State struct {
	Config       Config             `json:"config"`
	Usage        map[string]float64 `json:"usage"`
	LocalHistory []float64          `json:"localHistory,omitempty"`
}

// Manager tracks usage against limits. It carries its own mutex: the
// memory feeds it deltas under the memory's lock while maintenance and
// status callers reach it directly.
type Manager struct {
	mu              sync.Mutex
	config          Config
	usage           map[scope.Level]float64
	history         map[scope.Level][]float64
	adaptationCount int
	lastAdaptation  time.Time
}

var levels = []scope.Level{scope.LevelGlobal, scope.LevelTask, scope.LevelLocal}

func NewManager(cfg Config) *Manager {
	if cfg.AdaptiveThreshold <= 0 {
		cfg.AdaptiveThreshold = DefaultAdaptiveThreshold
	}
	if cfg.EmergencyThreshold <= 0 {
		cfg.EmergencyThreshold = DefaultEmergencyThreshold
	}
	return &Manager{
		config:  cfg,
		usage:   make(map[scope.Level]float64, len(levels)),
		history: make(map[scope.Level][]float64, len(levels)),
	}
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Limit returns the budget for a tier. TASK budgets scale with task
// complexity; complexity <= 0 is treated as 1.
func (m *Manager) Limit(level scope.Level, complexity float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitLocked(level, complexity)
}

func (m *Manager) limitLocked(level scope.Level, complexity float64) float64 {
	if complexity <= 0 {
		complexity = 1
	}
	switch level {
	case scope.LevelGlobal:
		return m.config.GlobalBudget
	case scope.LevelTask:
		return m.config.TaskBudgetMultiplier * complexity
	default:
		return m.config.LocalBudget
	}
}

// UpdateUsage applies a signed delta, clamps the result at zero, and
// records the new usage in the tier's bounded history.
func (m *Manager) UpdateUsage(level scope.Level, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	usage := m.usage[level] + delta
	if usage < 0 {
		usage = 0
	}
	m.usage[level] = usage

	h := append(m.history[level], usage)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	m.history[level] = h
}

func (m *Manager) Usage(level scope.Level) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[level]
}

// History returns a copy of the tier's recorded usage samples.
func (m *Manager) History(level scope.Level) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.history[level]))
	copy(out, m.history[level])
	return out
}

// CheckStatus classifies a tier. All boundaries are strict: utilization
// exactly at a threshold stays in the lower class.
func (m *Manager) CheckStatus(level scope.Level, complexity float64) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkStatusLocked(level, complexity)
}

func (m *Manager) checkStatusLocked(level scope.Level, complexity float64) Status {
	pct := m.utilizationPctLocked(level, complexity)
	switch {
	case pct > 100:
		return StatusExceeded
	case pct > m.config.EmergencyThreshold*100:
		return StatusEmergency
	case pct > m.config.AdaptiveThreshold*100:
		return StatusWarning
	default:
		return StatusOK
	}
}

func (m *Manager) UtilizationPct(level scope.Level, complexity float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationPctLocked(level, complexity)
}

func (m *Manager) utilizationPctLocked(level scope.Level, complexity float64) float64 {
	limit := m.limitLocked(level, complexity)
	if limit <= 0 {
		return 0
	}
	return m.usage[level] / limit * 100
}

// Alerts returns one alert per tier currently above the warning
// threshold, with a severity-scaled recommended action.
func (m *Manager) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var alerts []Alert
	for _, level := range levels {
		status := m.checkStatusLocked(level, 1)
		if status == StatusOK {
			continue
		}
		limit := m.limitLocked(level, 1)
		pct := m.utilizationPctLocked(level, 1)
		alerts = append(alerts, Alert{
			Level:             level,
			Severity:          status,
			Usage:             m.usage[level],
			Limit:             limit,
			UtilizationPct:    pct,
			Message:           fmt.Sprintf("%s budget at %.1f%% (%.0f/%.0f tokens)", level, pct, m.usage[level], limit),
			RecommendedAction: recommendedAction(status, level),
			Timestamp:         time.Now(),
		})
	}
	return alerts
}

func recommendedAction(status Status, level scope.Level) string {
	switch status {
	case StatusEmergency:
		return fmt.Sprintf("Urgently trigger compression of closed %s scopes", level)
	case StatusExceeded:
		return fmt.Sprintf("Immediate action required: compress or clear %s scopes to get back under budget", level)
	default:
		return fmt.Sprintf("Consider compressing closed %s scopes", level)
	}
}

// Adapt nudges base budgets toward observed demand: tiers with mean
// utilization below 0.4 grow 10%, above 0.8 shrink 5%. A no-op unless
// adaptation is enabled and the tier has at least 5 samples.
func (m *Manager) Adapt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.config.AdaptiveEnabled {
		return false
	}
	changed := false
	for _, level := range levels {
		h := m.history[level]
		if len(h) < minAdaptSamples {
			continue
		}
		limit := m.limitLocked(level, 1)
		if limit <= 0 {
			continue
		}
		sum := 0.0
		for _, sample := range h {
			sum += sample
		}
		meanUtil := sum / float64(len(h)) / limit
		switch {
		case meanUtil < 0.4:
			m.scaleBudget(level, 1.1)
			changed = true
		case meanUtil > 0.8:
			m.scaleBudget(level, 0.95)
			changed = true
		}
	}
	if changed {
		m.adaptationCount++
		m.lastAdaptation = time.Now()
	}
	return changed
}

func (m *Manager) scaleBudget(level scope.Level, factor float64) {
	switch level {
	case scope.LevelGlobal:
		m.config.GlobalBudget *= factor
	case scope.LevelTask:
		m.config.TaskBudgetMultiplier *= factor
	default:
		m.config.LocalBudget *= factor
	}
}

func (m *Manager) AdaptationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adaptationCount
}

func (m *Manager) LastAdaptation() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAdaptation
}

// Predict projects a tier's usage stepsAhead updates into the future
// from its recorded history. With fewer than 3 samples it reports the
// current usage with minimal confidence.
func (m *Manager) Predict(level scope.Level, stepsAhead int) Prediction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stepsAhead < 1 {
		stepsAhead = 1
	}
	usage := m.usage[level]
	limit := m.limitLocked(level, 1)
	h := m.history[level]

	if len(h) < minPredictSamples {
		return Prediction{
			Level:            level,
			CurrentUsage:     usage,
			ProjectedUsage:   usage,
			RecommendedLimit: limit,
			Trend:            "stable",
			Confidence:       0.1,
			StepsAhead:       stepsAhead,
		}
	}

	half := len(h) / 2
	firstMean := mean(h[:half])
	secondMean := mean(h[half:])
	trend := "stable"
	if firstMean > 0 {
		change := (secondMean - firstMean) / firstMean
		if change > 0.1 {
			trend = "increasing"
		} else if change < -0.1 {
			trend = "decreasing"
		}
	} else if secondMean > 0 {
		trend = "increasing"
	}

	// Mean per-step delta across the whole history.
	stepDelta := (h[len(h)-1] - h[0]) / float64(len(h)-1)
	projected := usage + stepDelta*float64(stepsAhead)
	if projected < 0 {
		projected = 0
	}

	return Prediction{
		Level:            level,
		CurrentUsage:     usage,
		ProjectedUsage:   projected,
		RecommendedLimit: math.Max(limit, projected*1.2),
		Trend:            trend,
		Confidence:       math.Min(0.9, float64(len(h))/10),
		StepsAhead:       stepsAhead,
	}
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// ResetUsage zeroes one tier, or every tier when level is empty.
// History is dropped unless preserveHistory is set.
func (m *Manager) ResetUsage(level scope.Level, preserveHistory bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := levels
	if level != "" {
		targets = []scope.Level{level}
	}
	for _, l := range targets {
		m.usage[l] = 0
		if !preserveHistory {
			delete(m.history, l)
		}
	}
}

// ExportState snapshots config, usage and the LOCAL tier history. The
// other tier histories are deliberately not exported; they warm back up
// from live traffic.
func (m *Manager) ExportState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := State{
		Config: m.config,
		Usage:  make(map[string]float64, len(m.usage)),
	}
	for level, usage := range m.usage {
		state.Usage[string(level)] = usage
	}
	if h := m.history[scope.LevelLocal]; len(h) > 0 {
		state.LocalHistory = make([]float64, len(h))
		copy(state.LocalHistory, h)
	}
	return state
}

// ImportState restores an exported snapshot, replacing current state.
func (m *Manager) ImportState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = state.Config
	m.usage = make(map[scope.Level]float64, len(state.Usage))
	for name, usage := range state.Usage {
		m.usage[scope.Level(name)] = usage
	}
	m.history = make(map[scope.Level][]float64, 1)
	if len(state.LocalHistory) > 0 {
		h := make([]float64, len(state.LocalHistory))
		copy(h, state.LocalHistory)
		m.history[scope.LevelLocal] = h
	}
}
