// Package config provides configuration management for the trading engine.
// A single YAML document is the sole source of truth for account credentials,
// broker URLs and engine tunables. Credentials, URLs and account numbers are
// never defaulted; tunables are.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/seoulquant/kisbot/internal/models"
)

// Engine tunable defaults. Applied only when the field is unset.
const (
	defaultMaxPositions      = 5
	defaultPositionSizeRatio = 0.20
	defaultBuyConfidence     = 0.60
	defaultStopLossRate      = -3.0
	defaultTakeProfitRate    = 5.0
	defaultRefreshInterval   = 5 * time.Minute
	defaultMinCandidatePrice = 5000
	defaultMaxCandidatePrice = 100000
	defaultMinChangeRate     = 5.0
	defaultMinVolumeRatio    = 1.5
	defaultMarketClose       = "15:30"
	defaultEntryCutoff       = "15:00"
	defaultCloseGuardMinutes = 10
	defaultTimezone          = "Asia/Seoul"
	defaultTokenCacheDir     = ".tokens"
)

// DefaultStopSignal is the sentinel path used when signal.file is unset.
// Day-trading sessions substitute DayTradingStopSignal at wiring time.
const (
	DefaultStopSignal    = "STOP_AUTOTRADING.signal"
	DayTradingStopSignal = "STOP_DAYTRADING.signal"
)

// ConfigError marks a missing or unparseable configuration document or field.
// It is fatal: the session must abort before any network activity.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Config is the parsed configuration document.
type Config struct {
	Accounts AccountsConfig `yaml:"accounts"`
	URLs     URLConfig      `yaml:"urls"`
	Notify   NotifyConfig   `yaml:"notify"`
	Engine   EngineConfig   `yaml:"engine"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Token    TokenConfig    `yaml:"token"`
	Signal   SignalConfig   `yaml:"signal"`

	path string
}

// AccountsConfig holds per-environment account credentials.
type AccountsConfig struct {
	Live  AccountConfig `yaml:"live"`
	Paper AccountConfig `yaml:"paper"`
}

// AccountConfig is one account's credentials as written in the document.
// Password is held for completeness of the document and never transmitted.
type AccountConfig struct {
	Number      string `yaml:"number"`
	ProductCode string `yaml:"product_code"`
	AppKey      string `yaml:"app_key"`
	AppSecret   string `yaml:"app_secret"`
	Password    string `yaml:"password"`
}

// URLConfig holds the REST and websocket base URLs per environment.
type URLConfig struct {
	LiveREST  string `yaml:"live_rest"`
	LiveWS    string `yaml:"live_ws"`
	PaperREST string `yaml:"paper_rest"`
	PaperWS   string `yaml:"paper_ws"`
}

// NotifyConfig carries optional notification collaborator credentials.
type NotifyConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// EngineConfig defines trading engine tunables.
type EngineConfig struct {
	MaxPositions           int             `yaml:"max_positions"`
	PositionSizeRatio      float64         `yaml:"position_size_ratio"`
	BuyConfidenceThreshold float64         `yaml:"buy_confidence_threshold"`
	StopLossRate           float64         `yaml:"stop_loss_rate"`
	TakeProfitRate         float64         `yaml:"take_profit_rate"`
	RefreshInterval        string          `yaml:"refresh_interval"`
	Candidate              CandidateConfig `yaml:"candidate"`
	DryRun                 bool            `yaml:"dry_run"`
}

// CandidateConfig defines the candidate provider pre-filters.
type CandidateConfig struct {
	MinPrice       float64 `yaml:"min_price"`
	MaxPrice       float64 `yaml:"max_price"`
	MinChangeRate  float64 `yaml:"min_change_rate"`
	MinVolumeRatio float64 `yaml:"min_volume_ratio"`
}

// ScheduleConfig defines the market schedule and cutoffs.
type ScheduleConfig struct {
	Timezone          string `yaml:"timezone"`
	MarketClose       string `yaml:"market_close"` // "HH:MM"
	EntryCutoff       string `yaml:"entry_cutoff"` // "HH:MM"
	CloseGuardMinutes int    `yaml:"close_guard_minutes"`
	SkipMarketHours   bool   `yaml:"skip_market_hours"`
}

// TokenConfig defines token cache settings.
type TokenConfig struct {
	CacheDir string `yaml:"cache_dir"`
}

// SignalConfig defines the external stop-signal sentinel.
type SignalConfig struct {
	File string `yaml:"file"`
}

// Load reads and parses the configuration document from path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	cfg.path = path
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// GetFresh re-reads the document from disk and returns the current account
// view for kind. There is no stale cache across the process lifetime.
func (c *Config) GetFresh(kind models.AccountKind) (*models.Account, error) {
	fresh, err := Load(c.path)
	if err != nil {
		return nil, err
	}
	*c = *fresh
	return c.Account(kind)
}

// Account returns the typed account view for kind from the already-parsed
// document, validating the fields the kind requires.
func (c *Config) Account(kind models.AccountKind) (*models.Account, error) {
	var ac AccountConfig
	var rest, ws string

	switch kind {
	case models.KindLive:
		ac = c.Accounts.Live
		rest, ws = c.URLs.LiveREST, c.URLs.LiveWS
	case models.KindPaper:
		ac = c.Accounts.Paper
		rest, ws = c.URLs.PaperREST, c.URLs.PaperWS
	default:
		return nil, &ConfigError{Field: "kind", Msg: fmt.Sprintf("unknown account kind %q", kind)}
	}

	prefix := string(kind)
	switch {
	case ac.Number == "":
		return nil, &ConfigError{Field: "accounts." + prefix + ".number", Msg: "required"}
	case ac.ProductCode == "":
		return nil, &ConfigError{Field: "accounts." + prefix + ".product_code", Msg: "required"}
	case ac.AppKey == "":
		return nil, &ConfigError{Field: "accounts." + prefix + ".app_key", Msg: "required"}
	case ac.AppSecret == "":
		return nil, &ConfigError{Field: "accounts." + prefix + ".app_secret", Msg: "required"}
	case rest == "":
		return nil, &ConfigError{Field: "urls." + prefix + "_rest", Msg: "required"}
	case ws == "":
		return nil, &ConfigError{Field: "urls." + prefix + "_ws", Msg: "required"}
	}

	return &models.Account{
		Kind:        kind,
		Number:      ac.Number,
		ProductCode: ac.ProductCode,
		AppKey:      ac.AppKey,
		AppSecret:   ac.AppSecret,
		RESTURL:     strings.TrimRight(rest, "/"),
		WSURL:       ws,
	}, nil
}

// Validate checks engine tunables and the schedule for consistency.
// Account fields are validated lazily per requested kind, so a document that
// only fills in the paper account is usable for paper sessions.
func (c *Config) Validate() error {
	if c.Engine.MaxPositions <= 0 {
		return &ConfigError{Field: "engine.max_positions", Msg: "must be > 0"}
	}
	if c.Engine.PositionSizeRatio <= 0 || c.Engine.PositionSizeRatio > 1.0 {
		return &ConfigError{Field: "engine.position_size_ratio", Msg: "must be in (0, 1]"}
	}
	if c.Engine.BuyConfidenceThreshold < 0 || c.Engine.BuyConfidenceThreshold > 1.0 {
		return &ConfigError{Field: "engine.buy_confidence_threshold", Msg: "must be in [0, 1]"}
	}
	if c.Engine.StopLossRate >= 0 {
		return &ConfigError{Field: "engine.stop_loss_rate", Msg: "must be < 0"}
	}
	if c.Engine.TakeProfitRate <= 0 {
		return &ConfigError{Field: "engine.take_profit_rate", Msg: "must be > 0"}
	}
	if _, err := time.ParseDuration(c.Engine.RefreshInterval); err != nil {
		return &ConfigError{Field: "engine.refresh_interval", Msg: err.Error()}
	}
	if c.Engine.Candidate.MinPrice >= c.Engine.Candidate.MaxPrice {
		return &ConfigError{Field: "engine.candidate", Msg: "min_price must be < max_price"}
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return &ConfigError{Field: "schedule.timezone", Msg: err.Error()}
	}
	closeT, err1 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	cutoffT, err2 := time.ParseInLocation("15:04", c.Schedule.EntryCutoff, loc)
	if err1 != nil || err2 != nil {
		return &ConfigError{Field: "schedule", Msg: "market_close/entry_cutoff must be HH:MM"}
	}
	if !cutoffT.Before(closeT) {
		return &ConfigError{Field: "schedule.entry_cutoff", Msg: "must precede market_close"}
	}
	if c.Schedule.CloseGuardMinutes < 0 {
		return &ConfigError{Field: "schedule.close_guard_minutes", Msg: "must be >= 0"}
	}
	return nil
}

// GetRefreshInterval returns the account snapshot refresh interval.
func (c *Config) GetRefreshInterval() time.Duration {
	d, err := time.ParseDuration(c.Engine.RefreshInterval)
	if err != nil {
		return defaultRefreshInterval
	}
	return d
}

// Location returns the exchange timezone. The document is validated at load
// time, so failure here falls back to a fixed KST offset.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

func (c *Config) normalize() {
	if c.Engine.MaxPositions == 0 {
		c.Engine.MaxPositions = defaultMaxPositions
	}
	if c.Engine.PositionSizeRatio == 0 {
		c.Engine.PositionSizeRatio = defaultPositionSizeRatio
	}
	if c.Engine.BuyConfidenceThreshold == 0 {
		c.Engine.BuyConfidenceThreshold = defaultBuyConfidence
	}
	if c.Engine.StopLossRate == 0 {
		c.Engine.StopLossRate = defaultStopLossRate
	}
	if c.Engine.TakeProfitRate == 0 {
		c.Engine.TakeProfitRate = defaultTakeProfitRate
	}
	if c.Engine.RefreshInterval == "" {
		c.Engine.RefreshInterval = defaultRefreshInterval.String()
	}
	if c.Engine.Candidate.MinPrice == 0 {
		c.Engine.Candidate.MinPrice = defaultMinCandidatePrice
	}
	if c.Engine.Candidate.MaxPrice == 0 {
		c.Engine.Candidate.MaxPrice = defaultMaxCandidatePrice
	}
	if c.Engine.Candidate.MinChangeRate == 0 {
		c.Engine.Candidate.MinChangeRate = defaultMinChangeRate
	}
	if c.Engine.Candidate.MinVolumeRatio == 0 {
		c.Engine.Candidate.MinVolumeRatio = defaultMinVolumeRatio
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.MarketClose == "" {
		c.Schedule.MarketClose = defaultMarketClose
	}
	if c.Schedule.EntryCutoff == "" {
		c.Schedule.EntryCutoff = defaultEntryCutoff
	}
	if c.Schedule.CloseGuardMinutes == 0 {
		c.Schedule.CloseGuardMinutes = defaultCloseGuardMinutes
	}
	if c.Token.CacheDir == "" {
		c.Token.CacheDir = defaultTokenCacheDir
	}
	if c.Signal.File == "" {
		c.Signal.File = DefaultStopSignal
	}
}

// CredentialHash digests the fields used to mint a token so that a change
// to any of them invalidates the disk token cache for that account.
func CredentialHash(a *models.Account) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", a.AppKey, a.AppSecret, a.RESTURL, a.Number)
	return hex.EncodeToString(h.Sum(nil))
}
