// Package config loads layered daemon configuration: embedded defaults
// deep-merged with a user overrides file, written back atomically.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModelConfig binds a logical role to a concrete provider and model.
type ModelConfig struct {
	Kind          string `json:"kind" yaml:"kind"` // "anthropic" or "openai"
	Model         string `json:"model" yaml:"model"`
	CredentialKey string `json:"credential_key,omitempty" yaml:"credential_key"`
	BaseURL       string `json:"base_url,omitempty" yaml:"base_url"`
	MaxTokens     int    `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// BudgetConfig controls the daily spend gate and fallback pricing.
type BudgetConfig struct {
	DailyLimitUSD        float64 `json:"daily_limit_usd" yaml:"daily_limit_usd"`
	WarnThresholdUSD     float64 `json:"warn_threshold_usd" yaml:"warn_threshold_usd"`
	DefaultInputPerMTok  float64 `json:"default_input_per_mtok" yaml:"default_input_per_mtok"`
	DefaultOutputPerMTok float64 `json:"default_output_per_mtok" yaml:"default_output_per_mtok"`
}

// SessionConfig holds tool-loop and compaction bounds.
type SessionConfig struct {
	MaxToolRounds            int `json:"max_tool_rounds" yaml:"max_tool_rounds"`
	SubAgentToolRounds       int `json:"sub_agent_tool_rounds" yaml:"sub_agent_tool_rounds"`
	LongTaskToolRounds       int `json:"long_task_tool_rounds" yaml:"long_task_tool_rounds"`
	MaxMessagesBeforeCompact int `json:"max_messages_before_compact" yaml:"max_messages_before_compact"`
	KeepRecentMessages       int `json:"keep_recent_messages" yaml:"keep_recent_messages"`
}

// HeartbeatConfig controls the proactive tick pipeline.
type HeartbeatConfig struct {
	Enabled              bool     `json:"enabled" yaml:"enabled"`
	IntervalMinutes      int      `json:"interval_minutes" yaml:"interval_minutes"`
	InboxDir             string   `json:"inbox_dir,omitempty" yaml:"inbox_dir"`
	Sources              []string `json:"sources" yaml:"sources"`
	ActiveHourStart      int      `json:"active_hour_start" yaml:"active_hour_start"`
	ActiveHourEnd        int      `json:"active_hour_end" yaml:"active_hour_end"`
	IdleThresholdMinutes int      `json:"idle_threshold_minutes" yaml:"idle_threshold_minutes"`
}

// TelegramConfig configures the Telegram long-poll channel.
type TelegramConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	TokenKey     string  `json:"token_key" yaml:"token_key"`
	AllowedUsers []int64 `json:"allowed_users" yaml:"allowed_users"`
	AllowedChats []int64 `json:"allowed_chats,omitempty" yaml:"allowed_chats"`
}

// PanelConfig configures the loopback HTTP control surface.
type PanelConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Config is the merged, typed view of the daemon configuration.
type Config struct {
	DataDir   string                 `json:"data_dir" yaml:"data_dir"`
	Models    map[string]ModelConfig `json:"models" yaml:"models"`
	Budget    BudgetConfig           `json:"budget" yaml:"budget"`
	Session   SessionConfig          `json:"session" yaml:"session"`
	Heartbeat HeartbeatConfig        `json:"heartbeat" yaml:"heartbeat"`
	Telegram  TelegramConfig         `json:"telegram" yaml:"telegram"`
	Panel     PanelConfig            `json:"panel" yaml:"panel"`
}

// Validate checks the merged configuration and applies floor defaults for
// values a partial override may have zeroed.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if _, ok := c.Models["default"]; !ok {
		return fmt.Errorf("config: models.default is required")
	}
	for role, m := range c.Models {
		switch m.Kind {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("config: models.%s: unknown kind %q", role, m.Kind)
		}
		if m.Model == "" {
			return fmt.Errorf("config: models.%s: model is required", role)
		}
	}
	if c.Session.MaxToolRounds <= 0 {
		c.Session.MaxToolRounds = 50
	}
	if c.Session.SubAgentToolRounds <= 0 {
		c.Session.SubAgentToolRounds = 20
	}
	if c.Session.LongTaskToolRounds <= 0 {
		c.Session.LongTaskToolRounds = 200
	}
	if c.Session.MaxMessagesBeforeCompact <= 0 {
		c.Session.MaxMessagesBeforeCompact = 30
	}
	if c.Session.KeepRecentMessages <= 0 {
		c.Session.KeepRecentMessages = 10
	}
	if c.Heartbeat.IntervalMinutes <= 0 {
		c.Heartbeat.IntervalMinutes = 15
	}
	if c.Heartbeat.IdleThresholdMinutes <= 0 {
		c.Heartbeat.IdleThresholdMinutes = 120
	}
	if c.Heartbeat.ActiveHourEnd <= c.Heartbeat.ActiveHourStart {
		c.Heartbeat.ActiveHourStart = 9
		c.Heartbeat.ActiveHourEnd = 21
	}
	if c.Panel.Addr == "" {
		c.Panel.Addr = "127.0.0.1:7777"
	}
	return nil
}

// ModelForRole returns the model bound to role, falling back to "default"
// when the role has no binding. The second return reports whether the role
// itself (not the fallback) was configured.
func (c *Config) ModelForRole(role string) (ModelConfig, bool) {
	if m, ok := c.Models[role]; ok {
		return m, true
	}
	m := c.Models["default"]
	return m, false
}

// ExpandPath expands a leading ~ against the current user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
		}
	}
	return p
}
