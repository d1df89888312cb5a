package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode        string `yaml:"mode"` // paper | live
	Timezone    string `yaml:"timezone"`
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // console | json
	MetricsAddr string `yaml:"metrics_addr"`

	Broker      BrokerConfig        `yaml:"broker"`
	Account     AccountConfig       `yaml:"account"`
	Spread      SpreadConfig        `yaml:"spread"`
	Directional DirectionalConfig   `yaml:"directional"`
	Session     SessionConfig       `yaml:"session"`
	Intervals   IntervalConfig      `yaml:"intervals"`
	Alerts      AlertConfig         `yaml:"alerts"`
	Watchlist   map[string][]string `yaml:"watchlist"` // sector -> symbols
}

type BrokerConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"-"`
	AccountID        string        `yaml:"account_id"`
	Timeout          time.Duration `yaml:"timeout"`
	OrdersPerMinute  int           `yaml:"orders_per_minute"`
	DupWindow        time.Duration `yaml:"dup_window"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
}

type AccountConfig struct {
	Size            float64       `yaml:"size"`
	ReserveFraction float64       `yaml:"reserve_fraction"`
	MaxDailyLoss    float64       `yaml:"max_daily_loss"`
	MaxSameSector   int           `yaml:"max_same_sector"`
	LossBreaker     int           `yaml:"loss_breaker"`
	VIXLow          float64       `yaml:"vix_low"`
	Cooldown        time.Duration `yaml:"cooldown"`
	StartAutopilot  bool          `yaml:"start_autopilot"`
}

type SpreadConfig struct {
	MaxOpen         int     `yaml:"max_open"`
	MaxNewPerDay    int     `yaml:"max_new_per_day"`
	Width           float64 `yaml:"width"`
	MinCredit       float64 `yaml:"min_credit"`
	MaxCredit       float64 `yaml:"max_credit"`
	MinDTE          int     `yaml:"min_dte"`
	MaxDTE          int     `yaml:"max_dte"`
	TargetDelta     float64 `yaml:"target_delta"`
	MinDelta        float64 `yaml:"min_delta"`
	MinOpenInterest int64   `yaml:"min_open_interest"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	CloseDTE        int     `yaml:"close_dte"`
	EmergencyDTE    int     `yaml:"emergency_dte"`
	Contracts       int     `yaml:"contracts"`
}

type TierConfig struct {
	MovePct float64 `yaml:"move_pct"`
	SellPct float64 `yaml:"sell_pct"` // share of remaining quantity; 100 closes
}

type DirectionalConfig struct {
	Enabled         bool         `yaml:"enabled"`
	MaxOpen         int          `yaml:"max_open"`
	MaxNewPerDay    int          `yaml:"max_new_per_day"`
	MaxContracts    int          `yaml:"max_contracts"`
	Allocation      float64      `yaml:"allocation"`
	MinScore        float64      `yaml:"min_score"`
	MinVolumeRatio  float64      `yaml:"min_volume_ratio"`
	MinDTE          int          `yaml:"min_dte"`
	MaxDTE          int          `yaml:"max_dte"`
	MaxAsk          float64      `yaml:"max_ask"`
	MinOpenInterest int64        `yaml:"min_open_interest"`
	Tiers           []TierConfig `yaml:"tiers"`
	StopLossPct     float64      `yaml:"stop_loss_pct"`
}

type WindowConfig struct {
	Start string `yaml:"start"` // "09:45"
	End   string `yaml:"end"`
}

type SessionConfig struct {
	Open               string         `yaml:"open"`
	Close              string         `yaml:"close"`
	SpreadWindows      []WindowConfig `yaml:"spread_windows"`
	DirectionalWindows []WindowConfig `yaml:"directional_windows"`
	EODCutoff          string         `yaml:"eod_cutoff"`
	FridayCutoff       string         `yaml:"friday_cutoff"`
	SweepAt            string         `yaml:"sweep_at"`
	Holidays           []string       `yaml:"holidays"`
}

type IntervalConfig struct {
	Position    time.Duration `yaml:"position"`
	Spread      time.Duration `yaml:"spread"`
	Directional time.Duration `yaml:"directional"`
	Account     time.Duration `yaml:"account"`
	Clock       time.Duration `yaml:"clock"`
	Rollover    time.Duration `yaml:"rollover"`
	Autosave    time.Duration `yaml:"autosave"`
}

type AlertConfig struct {
	QueueSize    int      `yaml:"queue_size"`
	WebhookURL   string   `yaml:"webhook_url"`
	HubAddr      string   `yaml:"hub_addr"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Mode:      "paper",
		Timezone:  "America/New_York",
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "console",
		Broker: BrokerConfig{
			BaseURL:          "https://sandbox.tradier.com",
			Timeout:          10 * time.Second,
			OrdersPerMinute:  10,
			DupWindow:        30 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
			HalfOpenProbes:   1,
		},
		Account: AccountConfig{
			Size:            6000,
			ReserveFraction: 0.20,
			MaxDailyLoss:    -300,
			MaxSameSector:   3,
			LossBreaker:     3,
			VIXLow:          12,
			Cooldown:        120 * time.Second,
		},
		Spread: SpreadConfig{
			MaxOpen:         8,
			MaxNewPerDay:    3,
			Width:           5,
			MinCredit:       0.80,
			MaxCredit:       2.50,
			MinDTE:          28,
			MaxDTE:          45,
			TargetDelta:     0.30,
			MinDelta:        0.10,
			MinOpenInterest: 100,
			TakeProfitPct:   50,
			StopLossPct:     200,
			CloseDTE:        21,
			EmergencyDTE:    7,
			Contracts:       1,
		},
		Directional: DirectionalConfig{
			Enabled:         true,
			MaxOpen:         3,
			MaxNewPerDay:    2,
			MaxContracts:    5,
			Allocation:      0.20,
			MinScore:        70,
			MinVolumeRatio:  1.2,
			MinDTE:          5,
			MaxDTE:          14,
			MaxAsk:          5.00,
			MinOpenInterest: 50,
			Tiers: []TierConfig{
				{MovePct: 15, SellPct: 50},
				{MovePct: 25, SellPct: 25},
				{MovePct: 30, SellPct: 100},
			},
			StopLossPct: 15,
		},
		Session: SessionConfig{
			Open:               "09:30",
			Close:              "16:00",
			SpreadWindows:      []WindowConfig{{Start: "09:45", End: "10:30"}},
			DirectionalWindows: []WindowConfig{{Start: "09:30", End: "10:30"}, {Start: "15:00", End: "15:55"}},
			EODCutoff:          "15:55",
			FridayCutoff:       "15:00",
			SweepAt:            "15:55",
		},
		Intervals: IntervalConfig{
			Position:    5 * time.Second,
			Spread:      30 * time.Second,
			Directional: 15 * time.Second,
			Account:     10 * time.Second,
			Clock:       time.Second,
			Rollover:    time.Minute,
			Autosave:    30 * time.Second,
		},
		Alerts: AlertConfig{
			QueueSize:  256,
			KafkaTopic: "autopilot.events",
		},
		Watchlist: defaultWatchlist(),
	}
}

func defaultWatchlist() map[string][]string {
	return map[string][]string{
		"Tech":          {"AAPL", "MSFT", "GOOGL", "META", "NVDA", "CRM", "ADBE", "ORCL"},
		"Semiconductor": {"AMD", "INTC", "QCOM", "MU", "AVGO"},
		"Finance":       {"JPM", "BAC", "WFC", "GS", "V", "MA"},
		"Healthcare":    {"UNH", "JNJ", "PFE", "ABBV", "MRK", "LLY"},
		"Consumer":      {"AMZN", "TSLA", "HD", "NKE", "COST", "WMT", "DIS", "NFLX"},
		"Energy":        {"XOM", "CVX", "COP", "SLB", "OXY"},
		"Industrial":    {"BA", "CAT", "DE", "GE", "HON"},
		"ETF":           {"SPY", "QQQ", "IWM", "DIA", "XLF", "XLE", "GLD", "TLT"},
	}
}

// Load reads .env (if present), then the YAML file at path (optional when
// empty), then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Mode = getEnvDefault("MODE", c.Mode)
	c.DataDir = getEnvDefault("DATA_DIR", c.DataDir)
	c.Timezone = getEnvDefault("TIMEZONE", c.Timezone)
	c.LogLevel = getEnvDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvDefault("LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = getEnvDefault("METRICS_ADDR", c.MetricsAddr)

	c.Broker.APIKey = getEnvDefault("TRADIER_API_KEY", c.Broker.APIKey)
	c.Broker.AccountID = getEnvDefault("TRADIER_ACCOUNT_ID", c.Broker.AccountID)
	c.Broker.BaseURL = getEnvDefault("TRADIER_BASE_URL", c.Broker.BaseURL)

	c.Alerts.WebhookURL = getEnvDefault("ALERT_WEBHOOK_URL", c.Alerts.WebhookURL)
	c.Alerts.HubAddr = getEnvDefault("ALERT_HUB_ADDR", c.Alerts.HubAddr)
	c.Alerts.KafkaTopic = getEnvDefault("KAFKA_TOPIC", c.Alerts.KafkaTopic)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Alerts.KafkaBrokers = splitList(v)
	}

	var err error
	if c.Broker.OrdersPerMinute, err = getEnvInt("RATE_LIMIT_ORDERS_PER_MIN", c.Broker.OrdersPerMinute); err != nil {
		return err
	}
	if c.Broker.BreakerThreshold, err = getEnvInt("BREAKER_THRESHOLD", c.Broker.BreakerThreshold); err != nil {
		return err
	}
	if c.Broker.HalfOpenProbes, err = getEnvInt("BREAKER_HALFOPEN_PROBES", c.Broker.HalfOpenProbes); err != nil {
		return err
	}
	if c.Broker.BreakerCooldown, err = getEnvDuration("BREAKER_COOLDOWN", c.Broker.BreakerCooldown); err != nil {
		return err
	}
	if c.Broker.DupWindow, err = getEnvDuration("DUP_SUPPRESS_WINDOW", c.Broker.DupWindow); err != nil {
		return err
	}
	if v := os.Getenv("AUTOPILOT"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return fmt.Errorf("AUTOPILOT: %w", perr)
		}
		c.Account.StartAutopilot = b
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Mode != "paper" && c.Mode != "live" {
		errs = append(errs, fmt.Errorf("mode must be 'paper' or 'live', got %q", c.Mode))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Account.Size <= 0 {
		errs = append(errs, errors.New("account.size must be positive"))
	}
	if c.Account.ReserveFraction < 0 || c.Account.ReserveFraction >= 1 {
		errs = append(errs, fmt.Errorf("account.reserve_fraction must be in [0,1), got %v", c.Account.ReserveFraction))
	}
	if c.Account.MaxDailyLoss > 0 {
		errs = append(errs, errors.New("account.max_daily_loss must be zero or negative"))
	}
	if c.Spread.Width <= 0 || c.Spread.Contracts < 1 {
		errs = append(errs, errors.New("spread.width and spread.contracts must be positive"))
	}
	if c.Spread.MinCredit > c.Spread.MaxCredit || c.Spread.MinDTE > c.Spread.MaxDTE {
		errs = append(errs, errors.New("spread credit/dte ranges are inverted"))
	}
	if c.Spread.EmergencyDTE > c.Spread.CloseDTE {
		errs = append(errs, errors.New("spread.emergency_dte must not exceed close_dte"))
	}
	if len(c.Directional.Tiers) == 0 {
		errs = append(errs, errors.New("directional.tiers must not be empty"))
	}
	for i := 1; i < len(c.Directional.Tiers); i++ {
		if c.Directional.Tiers[i].MovePct <= c.Directional.Tiers[i-1].MovePct {
			errs = append(errs, errors.New("directional.tiers must be ascending by move_pct"))
			break
		}
	}
	for name, d := range map[string]time.Duration{
		"position": c.Intervals.Position, "spread": c.Intervals.Spread, "directional": c.Intervals.Directional,
		"account": c.Intervals.Account, "clock": c.Intervals.Clock, "rollover": c.Intervals.Rollover,
		"autosave": c.Intervals.Autosave,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("intervals.%s must be positive", name))
		}
	}
	if _, err := c.Session.Parse(); err != nil {
		errs = append(errs, err)
	}
	if c.Mode == "live" && (c.Broker.APIKey == "" || c.Broker.AccountID == "") {
		errs = append(errs, errors.New("TRADIER_API_KEY and TRADIER_ACCOUNT_ID are required in live mode"))
	}
	return errors.Join(errs...)
}

// ParsedSession is SessionConfig in minutes since local midnight.
type ParsedSession struct {
	Open, Close             int
	SpreadWindows           [][2]int
	DirectionalWindows      [][2]int
	EODCutoff, FridayCutoff int
	SweepAt                 int
	Holidays                map[string]bool
}

func (s SessionConfig) Parse() (ParsedSession, error) {
	var (
		p   ParsedSession
		err error
	)
	clocks := []struct {
		name string
		src  string
		dst  *int
	}{
		{"open", s.Open, &p.Open}, {"close", s.Close, &p.Close},
		{"eod_cutoff", s.EODCutoff, &p.EODCutoff}, {"friday_cutoff", s.FridayCutoff, &p.FridayCutoff},
		{"sweep_at", s.SweepAt, &p.SweepAt},
	}
	for _, c := range clocks {
		if *c.dst, err = ParseClock(c.src); err != nil {
			return p, fmt.Errorf("session.%s: %w", c.name, err)
		}
	}
	if p.SpreadWindows, err = parseWindows(s.SpreadWindows); err != nil {
		return p, fmt.Errorf("session.spread_windows: %w", err)
	}
	if p.DirectionalWindows, err = parseWindows(s.DirectionalWindows); err != nil {
		return p, fmt.Errorf("session.directional_windows: %w", err)
	}
	p.Holidays = map[string]bool{}
	for _, h := range s.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return p, fmt.Errorf("session.holidays: %q: %w", h, err)
		}
		p.Holidays[h] = true
	}
	return p, nil
}

func parseWindows(ws []WindowConfig) ([][2]int, error) {
	out := make([][2]int, 0, len(ws))
	for _, w := range ws {
		a, err := ParseClock(w.Start)
		if err != nil {
			return nil, err
		}
		b, err := ParseClock(w.End)
		if err != nil {
			return nil, err
		}
		if b < a {
			return nil, fmt.Errorf("window %s-%s ends before it starts", w.Start, w.End)
		}
		out = append(out, [2]int{a, b})
	}
	return out, nil
}

// ParseClock turns "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
