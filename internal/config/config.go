package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultStrategy             = "BALANCED"
	DefaultCompressionThreshold = 0.8
	DefaultGlobalBudget         = 100000
	DefaultTaskBudget           = 10000
	DefaultLocalBudget          = 5000
	DefaultAdaptiveThreshold    = 0.8
	DefaultEmergencyThreshold   = 0.95
	DefaultCompressSchedule     = "@every 5m"
	DefaultAdaptSchedule        = "@every 1h"
)

type Config struct {
	Memory      MemoryConfig      `json:"memory"`
	Budget      BudgetConfig      `json:"budget"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Store       StoreConfig       `json:"store"`
}

type MemoryConfig struct {
	AutoCompression      bool        `json:"autoCompression"`
	CompressionThreshold float64     `json:"compressionThreshold"`
	Strategy             string      `json:"strategy"`
	TierBudgets          TierBudgets `json:"tierBudgets"`
}

// TierBudgets is the compression-trigger authority, configured
// separately from the budget manager limits below.
type TierBudgets struct {
	Global float64 `json:"global"`
	Task   float64 `json:"task"`
	Local  float64 `json:"local"`
}

type BudgetConfig struct {
	GlobalBudget         float64 `json:"globalBudget"`
	TaskBudgetMultiplier float64 `json:"taskBudgetMultiplier"`
	LocalBudget          float64 `json:"localBudget"`
	AdaptiveThreshold    float64 `json:"adaptiveThreshold"`
	EmergencyThreshold   float64 `json:"emergencyThreshold"`
	AdaptiveEnabled      bool    `json:"adaptiveEnabled"`
}

type MaintenanceConfig struct {
	Enabled          bool   `json:"enabled"`
	CompressSchedule string `json:"compressSchedule,omitempty"`
	AdaptSchedule    string `json:"adaptSchedule,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			AutoCompression:      true,
			CompressionThreshold: DefaultCompressionThreshold,
			Strategy:             DefaultStrategy,
			TierBudgets: TierBudgets{
				Global: DefaultGlobalBudget,
				Task:   DefaultTaskBudget,
				Local:  DefaultLocalBudget,
			},
		},
		Budget: BudgetConfig{
			GlobalBudget:         DefaultGlobalBudget,
			TaskBudgetMultiplier: DefaultTaskBudget,
			LocalBudget:          DefaultLocalBudget,
			AdaptiveThreshold:    DefaultAdaptiveThreshold,
			EmergencyThreshold:   DefaultEmergencyThreshold,
			AdaptiveEnabled:      true,
		},
		Maintenance: MaintenanceConfig{
			Enabled:          false,
			CompressSchedule: DefaultCompressSchedule,
			AdaptSchedule:    DefaultAdaptSchedule,
		},
		Store: StoreConfig{
			DBPath: filepath.Join(ConfigDir(), "hiermem.db"),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".hiermem")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if strategy := os.Getenv("HIERMEM_STRATEGY"); strategy != "" {
		cfg.Memory.Strategy = strategy
	}
	if path := os.Getenv("HIERMEM_DB_PATH"); path != "" {
		cfg.Store.DBPath = path
	}
	if auto := os.Getenv("HIERMEM_AUTO_COMPRESSION"); auto != "" {
		if parsed, err := strconv.ParseBool(auto); err == nil {
			cfg.Memory.AutoCompression = parsed
		}
	}
	if threshold := os.Getenv("HIERMEM_COMPRESSION_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.ParseFloat(threshold, 64); err == nil && parsed > 0 {
			cfg.Memory.CompressionThreshold = parsed
		}
	}
	if enabled := os.Getenv("HIERMEM_MAINTENANCE"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Maintenance.Enabled = parsed
		}
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	return SaveConfigTo(ConfigPath(), cfg)
}

func SaveConfigTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
