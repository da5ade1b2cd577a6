// Package config loads and validates rankwatch configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/rankwatch/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Run        RunConfig        `mapstructure:"run"`
	Lock       LockConfig       `mapstructure:"lock"`
	Search     SearchConfig     `mapstructure:"search"`
	Resolve    ResolveConfig    `mapstructure:"resolve"`
	DOM        DOMConfig        `mapstructure:"dom"`
	Navigation NavigationConfig `mapstructure:"navigation"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Block      BlockConfig      `mapstructure:"block"`
	Egress     EgressConfig     `mapstructure:"egress"`
	Store      StoreConfig      `mapstructure:"store"`
	Results    ResultsConfig    `mapstructure:"results"`
	Snapshots  SnapshotConfig   `mapstructure:"snapshots"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logging.Config   `mapstructure:"logging"`
}

// RunConfig shapes one claim cycle and the worker pool.
type RunConfig struct {
	Limit        int           `mapstructure:"limit"`
	Workers      int           `mapstructure:"workers"`
	Owner        string        `mapstructure:"owner"`
	Continuous   bool          `mapstructure:"continuous"`
	IdleInterval time.Duration `mapstructure:"idle_interval"`
	ItemTimeout  time.Duration `mapstructure:"item_timeout"`
	ItemDelayMin time.Duration `mapstructure:"item_delay_min"`
	ItemDelayMax time.Duration `mapstructure:"item_delay_max"`
}

// LockConfig controls claim recovery and the retry budget.
type LockConfig struct {
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	RetryMax      int           `mapstructure:"retry_max"`
	RetryNotFound bool          `mapstructure:"retry_not_found"`
	RetryBlocked  bool          `mapstructure:"retry_blocked"`
}

// SearchConfig describes the human entry path and pagination of the search site.
type SearchConfig struct {
	PortalURL           string        `mapstructure:"portal_url"`
	SearchInput         string        `mapstructure:"search_input"`
	ShoppingTab         string        `mapstructure:"shopping_tab"`
	ResultsURLSubstring string        `mapstructure:"results_url_substring"`
	ResultsAPISubstring string        `mapstructure:"results_api_substring"`
	APIPageParam        string        `mapstructure:"api_page_param"`
	PaginationSelector  string        `mapstructure:"pagination_selector"`
	PageParam           string        `mapstructure:"page_param"`
	PageSize            int           `mapstructure:"page_size"`
	MaxPages            int           `mapstructure:"max_pages"`
	CaptureTimeout      time.Duration `mapstructure:"capture_timeout"`
	TransitionTimeout   time.Duration `mapstructure:"transition_timeout"`
}

// ResolveConfig lists the patterns used to derive a catalog identifier.
type ResolveConfig struct {
	DirectPatterns    []string      `mapstructure:"direct_patterns"`
	StorefrontDomains []string      `mapstructure:"storefront_domains"`
	ScriptPatterns    []string      `mapstructure:"script_patterns"`
	MetaNames         []string      `mapstructure:"meta_names"`
	Probe             bool          `mapstructure:"probe"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// DOMConfig names the structural attributes of a rendered result card.
type DOMConfig struct {
	ItemSelector   string   `mapstructure:"item_selector"`
	IDAttr         string   `mapstructure:"id_attr"`
	TitleAttr      string   `mapstructure:"title_attr"`
	AdAttr         string   `mapstructure:"ad_attr"`
	AdValues       []string `mapstructure:"ad_values"`
	MetaAttr       string   `mapstructure:"meta_attr"`
	OrganicKey     string   `mapstructure:"organic_key"`
	TitleSelectors []string `mapstructure:"title_selectors"`
	AncestorDepth  int      `mapstructure:"ancestor_depth"`
}

// NavigationConfig bounds in-item navigation retries and global pacing.
type NavigationConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	RPS         float64       `mapstructure:"rps"`
	Burst       int           `mapstructure:"burst"`
}

// BrowserConfig configures chromedp sessions.
type BrowserConfig struct {
	ProfileDir    string        `mapstructure:"profile_dir"`
	Headless      bool          `mapstructure:"headless"`
	UserAgent     string        `mapstructure:"user_agent"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	WindowWidth   int           `mapstructure:"window_width"`
	WindowHeight  int           `mapstructure:"window_height"`
	SettleSteps   int           `mapstructure:"settle_steps"`
	SettleStepPx  int           `mapstructure:"settle_step_px"`
	SettlePause   time.Duration `mapstructure:"settle_pause"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	SettleJitter  time.Duration `mapstructure:"settle_jitter"`
	TypeDelayMin  time.Duration `mapstructure:"type_delay_min"`
	TypeDelayMax  time.Duration `mapstructure:"type_delay_max"`
	Stealth       bool          `mapstructure:"stealth"`
}

// BlockConfig tunes interstitial detection and escalation.
type BlockConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
	Phrases   []string      `mapstructure:"phrases"`
}

// EgressConfig selects how a new network identity is requested.
type EgressConfig struct {
	Mode       string        `mapstructure:"mode"`
	Endpoint   string        `mapstructure:"endpoint"`
	Method     string        `mapstructure:"method"`
	Command    []string      `mapstructure:"command"`
	IPCheckURL string        `mapstructure:"ip_check_url"`
	Settle     time.Duration `mapstructure:"settle"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend      string `mapstructure:"backend"`
	DSN          string `mapstructure:"dsn"`
	TasksTable   string `mapstructure:"tasks_table"`
	ResultsTable string `mapstructure:"results_table"`
	ClaimMode    string `mapstructure:"claim_mode"`
	MaxConns     int32  `mapstructure:"max_conns"`
	BadgerDir    string `mapstructure:"badger_dir"`
}

// ResultsConfig toggles the result sinks.
type ResultsConfig struct {
	Log      bool         `mapstructure:"log"`
	Postgres bool         `mapstructure:"postgres"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds metadata for publish-subscribe result fan-out.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SnapshotConfig controls storage of blocked or unreadable pages.
type SnapshotConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.limit", 20)
	v.SetDefault("run.workers", 2)
	v.SetDefault("run.continuous", false)
	v.SetDefault("run.idle_interval", "30s")
	v.SetDefault("run.item_timeout", "6m")
	v.SetDefault("run.item_delay_min", "2s")
	v.SetDefault("run.item_delay_max", "6s")

	v.SetDefault("lock.stale_timeout", "15m")
	v.SetDefault("lock.sweep_schedule", "@every 5m")
	v.SetDefault("lock.retry_max", 3)
	v.SetDefault("lock.retry_not_found", false)
	v.SetDefault("lock.retry_blocked", true)

	v.SetDefault("search.portal_url", "https://www.naver.com")
	v.SetDefault("search.search_input", "input#query")
	v.SetDefault("search.shopping_tab", `a[href*="search.shopping.naver.com"]`)
	v.SetDefault("search.results_url_substring", "search.shopping.naver.com")
	v.SetDefault("search.results_api_substring", "/api/search/all")
	v.SetDefault("search.pagination_selector", `a[data-shp-contents-id="%d"], [class*="pagination"] a[data-nclick*="pgn.%d"]`)
	v.SetDefault("search.page_param", "pagingIndex")
	v.SetDefault("search.api_page_param", "pagingIndex")
	v.SetDefault("search.page_size", 40)
	v.SetDefault("search.max_pages", 15)
	v.SetDefault("search.capture_timeout", "8s")
	v.SetDefault("search.transition_timeout", "10s")

	v.SetDefault("resolve.direct_patterns", []string{
		`[?&]nvMid=(\d+)`,
		`/catalog/(\d+)`,
		`[?&]catalogId=(\d+)`,
	})
	v.SetDefault("resolve.storefront_domains", []string{"smartstore.naver.com", "brand.naver.com", "*.shopping.naver.com"})
	v.SetDefault("resolve.script_patterns", []string{
		`"nvMid"\s*:\s*"?(\d+)`,
		`"catalogId"\s*:\s*"?(\d+)`,
		`"productNo"\s*:\s*"?(\d+)`,
	})
	v.SetDefault("resolve.meta_names", []string{"og:url", "product:retailer_item_id"})
	v.SetDefault("resolve.probe", false)
	v.SetDefault("resolve.probe_timeout", "10s")

	v.SetDefault("dom.item_selector", "[data-shp-contents-id]")
	v.SetDefault("dom.id_attr", "data-shp-contents-id")
	v.SetDefault("dom.title_attr", "data-shp-contents-title")
	v.SetDefault("dom.ad_attr", "data-shp-inventory")
	v.SetDefault("dom.ad_values", []string{"lst*a", "ad"})
	v.SetDefault("dom.meta_attr", "data-shp-contents-dtl")
	v.SetDefault("dom.organic_key", "organic_expose_order")
	v.SetDefault("dom.title_selectors", []string{"[class*=product_title]", "[class*=title] a", "a[title]"})
	v.SetDefault("dom.ancestor_depth", 4)

	v.SetDefault("navigation.max_attempts", 2)
	v.SetDefault("navigation.backoff_base", "1s")
	v.SetDefault("navigation.backoff_max", "8s")
	v.SetDefault("navigation.rps", 0.5)
	v.SetDefault("navigation.burst", 2)

	v.SetDefault("browser.profile_dir", "profiles")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", "45s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.settle_steps", 8)
	v.SetDefault("browser.settle_step_px", 900)
	v.SetDefault("browser.settle_pause", "400ms")
	v.SetDefault("browser.settle_delay", "3s")
	v.SetDefault("browser.settle_jitter", "2s")
	v.SetDefault("browser.type_delay_min", "80ms")
	v.SetDefault("browser.type_delay_max", "220ms")
	v.SetDefault("browser.stealth", true)

	v.SetDefault("block.threshold", 5)
	v.SetDefault("block.cooldown", "2m")
	v.SetDefault("block.phrases", []string{
		"보안 확인을 완료해 주세요",
		"비정상적인 접근",
		"일시적으로 제한",
		"captcha",
		"are you a robot",
		"too many requests",
		"access denied",
		"unusual traffic",
	})

	v.SetDefault("egress.mode", "none")
	v.SetDefault("egress.method", "POST")
	v.SetDefault("egress.settle", "10s")
	v.SetDefault("egress.timeout", "60s")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.tasks_table", "rank_tasks")
	v.SetDefault("store.results_table", "rank_results")
	v.SetDefault("store.claim_mode", "skip_locked")
	v.SetDefault("store.badger_dir", "data/tasks")

	v.SetDefault("results.log", true)
	v.SetDefault("results.postgres", false)

	v.SetDefault("snapshots.enabled", true)
	v.SetDefault("snapshots.backend", "memory")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.local_dir", "data")

	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Run.Limit <= 0 {
		return fmt.Errorf("run.limit must be > 0")
	}
	if c.Run.Workers <= 0 {
		return fmt.Errorf("run.workers must be > 0")
	}
	if c.Run.ItemTimeout <= 0 {
		return fmt.Errorf("run.item_timeout must be > 0")
	}
	if c.Run.ItemDelayMax < c.Run.ItemDelayMin {
		return fmt.Errorf("run.item_delay_max must be >= run.item_delay_min")
	}
	if c.Lock.StaleTimeout <= c.Run.ItemTimeout {
		return fmt.Errorf("lock.stale_timeout must exceed run.item_timeout")
	}
	if c.Lock.RetryMax < 0 {
		return fmt.Errorf("lock.retry_max must be >= 0")
	}
	if c.Search.PageSize <= 0 {
		return fmt.Errorf("search.page_size must be > 0")
	}
	if c.Search.MaxPages <= 0 {
		return fmt.Errorf("search.max_pages must be > 0")
	}
	if c.Search.PortalURL == "" || c.Search.SearchInput == "" || c.Search.ShoppingTab == "" {
		return fmt.Errorf("search.portal_url, search.search_input and search.shopping_tab are required")
	}
	if !strings.Contains(c.Search.PaginationSelector, "%d") {
		return fmt.Errorf("search.pagination_selector must contain %%d")
	}
	for _, group := range [][]string{c.Resolve.DirectPatterns, c.Resolve.ScriptPatterns} {
		for _, p := range group {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid identifier pattern %q: %w", p, err)
			}
		}
	}
	if c.Browser.NavTimeout <= 0 || c.Browser.ActionTimeout <= 0 {
		return fmt.Errorf("browser.nav_timeout and browser.action_timeout must be > 0")
	}
	if c.Navigation.MaxAttempts <= 0 {
		return fmt.Errorf("navigation.max_attempts must be > 0")
	}
	if c.Block.Threshold <= 0 {
		return fmt.Errorf("block.threshold must be > 0")
	}
	switch c.Egress.Mode {
	case "none", "":
	case "http":
		if c.Egress.Endpoint == "" {
			return fmt.Errorf("egress.endpoint is required for http mode")
		}
	case "command":
		if len(c.Egress.Command) == 0 {
			return fmt.Errorf("egress.command is required for command mode")
		}
	default:
		return fmt.Errorf("unknown egress.mode %q", c.Egress.Mode)
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
		if c.Store.ClaimMode != "skip_locked" && c.Store.ClaimMode != "conditional" {
			return fmt.Errorf("store.claim_mode must be skip_locked or conditional")
		}
	case "badger":
		if c.Store.BadgerDir == "" {
			return fmt.Errorf("store.badger_dir is required for badger")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Results.Postgres && c.Store.DSN == "" {
		return fmt.Errorf("results.postgres requires store.dsn")
	}
	if c.Results.PubSub.TopicName != "" && c.Results.PubSub.ProjectID == "" {
		return fmt.Errorf("results.pubsub.project_id is required when a topic is set")
	}
	if c.Snapshots.Enabled && c.Snapshots.Backend == "gcs" && c.Snapshots.Bucket == "" {
		return fmt.Errorf("snapshots.bucket is required for gcs snapshots")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}
