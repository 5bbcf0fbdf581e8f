package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"quiz-battle-service/internal/app"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"PORT"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"REDIS_DB"`
		TTL      string `yaml:"ttl" env:"REDIS_TTL"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" env:"POSTGRES_URL"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl" env:"QUIZ_TTL"`
	} `yaml:"quiz"`
	Battle struct {
		MinPlayers       int    `yaml:"min_players" env:"BATTLE_MIN_PLAYERS"`
		MaxPlayers       int    `yaml:"max_players" env:"BATTLE_MAX_PLAYERS"`
		QuestionCount    int    `yaml:"question_count" env:"BATTLE_QUESTION_COUNT"`
		MinSelectable    int    `yaml:"min_selectable" env:"BATTLE_MIN_SELECTABLE"`
		Reserve          int    `yaml:"reserve" env:"BATTLE_RESERVE"`
		AdaptiveMinPool  int    `yaml:"adaptive_min_pool" env:"BATTLE_ADAPTIVE_MIN_POOL"`
		LobbyTTL         string `yaml:"lobby_ttl" env:"BATTLE_LOBBY_TTL"`
		TimeLimit        string `yaml:"time_limit" env:"BATTLE_TIME_LIMIT"`
		AutoStart        bool   `yaml:"auto_start" env:"BATTLE_AUTO_START"`
		SyncMaxRetries   uint64 `yaml:"sync_max_retries" env:"BATTLE_SYNC_MAX_RETRIES"`
		SyncBackoff      string `yaml:"sync_backoff" env:"BATTLE_SYNC_BACKOFF"`
		ResultGrace      string `yaml:"result_grace" env:"BATTLE_RESULT_GRACE"`
		ResultRetryDelay string `yaml:"result_retry_delay" env:"BATTLE_RESULT_RETRY_DELAY"`
		ResultTimeout    string `yaml:"result_timeout" env:"BATTLE_RESULT_TIMEOUT"`
		ReconnectGrace   string `yaml:"reconnect_grace" env:"BATTLE_RECONNECT_GRACE"`
		ReaperInterval   string `yaml:"reaper_interval" env:"BATTLE_REAPER_INTERVAL"`
	} `yaml:"battle"`
	Rewards struct {
		WinnerPoints int `yaml:"winner_points" env:"REWARDS_WINNER_POINTS"`
		WinnerExp    int `yaml:"winner_exp" env:"REWARDS_WINNER_EXP"`
		ExpPerPoint  int `yaml:"exp_per_point" env:"REWARDS_EXP_PER_POINT"`
	} `yaml:"rewards"`
}

// Load reads YAML config from path, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LogLevel parses the configured level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Settings maps the battle and rewards sections onto the service rules.
// Unset values keep their defaults.
func (c Config) Settings() app.Settings {
	s := app.DefaultSettings()
	b := c.Battle
	if b.MinPlayers > 0 {
		s.MinPlayers = b.MinPlayers
	}
	if b.MaxPlayers > 0 {
		s.MaxPlayers = b.MaxPlayers
	}
	if b.QuestionCount > 0 {
		s.QuestionCount = b.QuestionCount
	}
	if b.MinSelectable > 0 {
		s.MinSelectable = b.MinSelectable
	}
	if b.Reserve > 0 {
		s.Reserve = b.Reserve
	}
	if b.AdaptiveMinPool > 0 {
		s.AdaptiveMinPool = b.AdaptiveMinPool
	}
	if b.SyncMaxRetries > 0 {
		s.SyncMaxRetries = b.SyncMaxRetries
	}
	s.AutoStart = b.AutoStart
	s.LobbyTTL = TTLDuration(b.LobbyTTL, s.LobbyTTL)
	s.TimeLimit = TTLDuration(b.TimeLimit, s.TimeLimit)
	s.SyncBackoff = TTLDuration(b.SyncBackoff, s.SyncBackoff)
	s.ResultGrace = TTLDuration(b.ResultGrace, s.ResultGrace)
	s.ResultRetryDelay = TTLDuration(b.ResultRetryDelay, s.ResultRetryDelay)
	s.ResultTimeout = TTLDuration(b.ResultTimeout, s.ResultTimeout)
	s.ReconnectGrace = TTLDuration(b.ReconnectGrace, s.ReconnectGrace)

	r := c.Rewards
	if r.WinnerPoints > 0 {
		s.Rewards.WinnerPoints = r.WinnerPoints
	}
	if r.WinnerExp > 0 {
		s.Rewards.WinnerExp = r.WinnerExp
	}
	if r.ExpPerPoint > 0 {
		s.Rewards.ExpPerPoint = r.ExpPerPoint
	}
	return s
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
