// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/merge"
	"github.com/JakeFAU/portal-harvester/internal/storage/gcs"
	"github.com/JakeFAU/portal-harvester/internal/storage/local"
	"github.com/JakeFAU/portal-harvester/internal/storage/s3"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "HARVESTER"

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Portal   PortalConfig   `mapstructure:"portal"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Merge    MergeConfig    `mapstructure:"merge"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PortalConfig locates the form controls of the portal.
type PortalConfig struct {
	BaseURL        string           `mapstructure:"base_url"`
	SubmitSelector string           `mapstructure:"submit_selector"`
	ReadySelector  string           `mapstructure:"ready_selector"`
	TableSelector  string           `mapstructure:"table_selector"`
	SubmitRPS      float64          `mapstructure:"submit_rps"`
	SubmitBurst    int              `mapstructure:"submit_burst"`
	PollInterval   time.Duration    `mapstructure:"poll_interval"`
	GoBack         bool             `mapstructure:"go_back"`
	Presets        []harvest.Preset `mapstructure:"presets"`
}

// BrowserConfig configures the chromedp session.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	UserAgent     string        `mapstructure:"user_agent"`
	ExecPath      string        `mapstructure:"exec_path"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
}

// SweepConfig lists the dimensions in nesting order, outermost first.
type SweepConfig struct {
	EntityDimension string            `mapstructure:"entity_dimension"`
	Dimensions      []DimensionConfig `mapstructure:"dimensions"`
}

// DimensionConfig declares one dimension. Values may be listed explicitly or
// given as the inclusive integer range From..To. A range with To == 0 is
// discovered from the control's option count at run time.
type DimensionConfig struct {
	Name     string           `mapstructure:"name"`
	Control  string           `mapstructure:"control"`
	SelectBy harvest.SelectBy `mapstructure:"select_by"`
	Values   []string         `mapstructure:"values"`
	From     int              `mapstructure:"from"`
	To       int              `mapstructure:"to"`
}

// RetryConfig bounds per-point retries and interaction waits.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Delay          time.Duration `mapstructure:"delay"`
	AlertWindow    time.Duration `mapstructure:"alert_window"`
	AlertPoll      time.Duration `mapstructure:"alert_poll"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// ExtractConfig selects row policies per table index.
type ExtractConfig struct {
	DefaultPolicy harvest.RowPolicy   `mapstructure:"default_policy"`
	RowPolicies   []harvest.RowPolicy `mapstructure:"row_policies"`
	MaxTables     int                 `mapstructure:"max_tables"`
}

// MergeConfig names output columns and files.
type MergeConfig struct {
	Variant           merge.Variant `mapstructure:"variant"`
	KeyColumn         string        `mapstructure:"key_column"`
	EntityColumn      string        `mapstructure:"entity_column"`
	DescriptionColumn string        `mapstructure:"description_column"`
	Tables            []int         `mapstructure:"tables"`
	OutputDir         string        `mapstructure:"output_dir"`
	FilePrefix        string        `mapstructure:"file_prefix"`
	// ReferencePath is a local CSV mapping key to description. Optional.
	ReferencePath string `mapstructure:"reference_path"`
}

// StorageConfig selects the blob backend for merged and raw tables.
type StorageConfig struct {
	Backend   string       `mapstructure:"backend"`
	Local     local.Config `mapstructure:"local"`
	GCS       gcs.Config   `mapstructure:"gcs"`
	S3        s3.Config    `mapstructure:"s3"`
	RawTables bool         `mapstructure:"raw_tables"`
	RawDir    string       `mapstructure:"raw_dir"`
}

// LedgerConfig selects where run progress is recorded.
type LedgerConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for entity notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// MetricsConfig controls the status and metrics HTTP listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load over a caller-owned Viper instance, so CLI flags bound with
// BindPFlag take precedence over the file and environment.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("portal.base_url", "")
	v.SetDefault("portal.submit_selector", "input[type=submit]")
	v.SetDefault("portal.ready_selector", "table")
	v.SetDefault("portal.table_selector", "table")
	v.SetDefault("portal.submit_rps", 0.5)
	v.SetDefault("portal.submit_burst", 1)
	v.SetDefault("portal.poll_interval", 250*time.Millisecond)
	v.SetDefault("portal.go_back", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.action_timeout", 30*time.Second)
	v.SetDefault("sweep.entity_dimension", "entity")
	v.SetDefault("sweep.dimensions", []map[string]any{
		{"name": "entity", "control": "select[name=pmrId]", "select_by": "index", "from": 1, "to": 0},
		{"name": "year", "control": "select[name=year]", "select_by": "text", "from": 2024, "to": 2024},
		{"name": "month", "control": "select[name=month]", "select_by": "text", "values": []string{"August"}},
	})
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay", 2*time.Second)
	v.SetDefault("retry.alert_window", 2*time.Second)
	v.SetDefault("retry.alert_poll", 200*time.Millisecond)
	v.SetDefault("retry.ready_timeout", 10*time.Second)
	v.SetDefault("retry.settle_delay", 2*time.Second)
	v.SetDefault("retry.attempt_timeout", 0)
	v.SetDefault("extract.default_policy", string(harvest.RowHeaderThenData))
	v.SetDefault("extract.max_tables", 9)
	def := merge.DefaultVariant()
	v.SetDefault("merge.variant.measure", string(def.Measure))
	v.SetDefault("merge.variant.period", string(def.Period))
	v.SetDefault("merge.variant.code_width", def.CodeWidth)
	v.SetDefault("merge.key_column", "HS CODE")
	v.SetDefault("merge.entity_column", "Country")
	v.SetDefault("merge.description_column", "DESCRIPTION")
	v.SetDefault("merge.tables", []int{0})
	v.SetDefault("merge.output_dir", "merged")
	v.SetDefault("merge.file_prefix", "trade_data_")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.raw_tables", false)
	v.SetDefault("storage.raw_dir", "raw")
	v.SetDefault("ledger.driver", "none")
	v.SetDefault("ledger.table_prefix", "harvest")
	v.SetDefault("ledger.sqlite_path", "harvest.db")
	v.SetDefault("ledger.migrate", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "portal-harvester")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.ValidateMerge(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.Delay < 0 || c.Retry.SettleDelay < 0 || c.Retry.AttemptTimeout < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if c.Retry.ReadyTimeout <= 0 {
		return fmt.Errorf("retry.ready_timeout must be > 0")
	}
	if c.Retry.AlertWindow <= 0 {
		return fmt.Errorf("retry.alert_window must be > 0")
	}
	if c.Extract.MaxTables < 0 {
		return fmt.Errorf("extract.max_tables must be >= 0")
	}
	if !c.Extract.DefaultPolicy.Valid() {
		return fmt.Errorf("extract.default_policy must be data, header or header-then-data")
	}
	for i, p := range c.Extract.RowPolicies {
		if p != "" && !p.Valid() {
			return fmt.Errorf("extract.row_policies[%d] must be data, header or header-then-data", i)
		}
	}
	if err := c.validateSweep(); err != nil {
		return err
	}
	for i, p := range c.Portal.Presets {
		if p.Control == "" {
			return fmt.Errorf("portal.presets[%d].control must be set", i)
		}
		switch p.Action {
		case harvest.PresetClick:
		case harvest.PresetSelect:
			if !p.SelectBy.Valid() {
				return fmt.Errorf("portal.presets[%d].select_by must be index, text or value", i)
			}
		default:
			return fmt.Errorf("portal.presets[%d].action must be click or select", i)
		}
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger.dsn must be set when ledger.driver is postgres")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	return nil
}

// ValidateHarvest checks the keys only a live harvest needs.
func (c Config) ValidateHarvest() error {
	if strings.TrimSpace(c.Portal.BaseURL) == "" {
		return fmt.Errorf("portal.base_url must be set")
	}
	if c.Portal.SubmitSelector == "" || c.Portal.ReadySelector == "" || c.Portal.TableSelector == "" {
		return fmt.Errorf("portal selectors must be set")
	}
	return nil
}

// ValidateMerge checks the keys shared by harvest and offline merge.
func (c Config) ValidateMerge() error {
	if err := c.Merge.Variant.Validate(); err != nil {
		return err
	}
	for _, idx := range c.Merge.Tables {
		if idx < 0 {
			return fmt.Errorf("merge.tables must be >= 0")
		}
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "memory":
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local, memory, gcs or s3")
	}
	switch c.Ledger.Driver {
	case "none", "postgres", "sqlite":
	default:
		return fmt.Errorf("ledger.driver must be none, postgres or sqlite")
	}
	return nil
}

func (c Config) validateSweep() error {
	if len(c.Sweep.Dimensions) == 0 {
		return fmt.Errorf("sweep.dimensions must not be empty")
	}
	seenEntity := false
	for i, d := range c.Sweep.Dimensions {
		if d.Name == "" || d.Control == "" {
			return fmt.Errorf("sweep.dimensions[%d] must set name and control", i)
		}
		if !d.SelectBy.Valid() {
			return fmt.Errorf("sweep.dimensions[%d].select_by must be index, text or value", i)
		}
		if len(d.Values) == 0 {
			if d.From < 0 || (d.To != 0 && d.To < d.From) {
				return fmt.Errorf("sweep.dimensions[%d] range must satisfy 0 <= from <= to", i)
			}
			if d.To == 0 && d.SelectBy != harvest.SelectByIndex {
				return fmt.Errorf("sweep.dimensions[%d] discovery (to = 0) requires select_by index", i)
			}
		}
		if d.Name == c.Sweep.EntityDimension {
			seenEntity = true
		}
	}
	if c.Sweep.EntityDimension != "" && !seenEntity {
		return fmt.Errorf("sweep.entity_dimension must name a configured dimension")
	}
	return nil
}

// Discover reports whether the dimension's values come from the option count.
func (d DimensionConfig) Discover() bool {
	return len(d.Values) == 0 && d.To == 0
}

// Dimension materializes the configured values. A discovered range runs
// From..optionCount-1, so option 0 of the control is treated as a placeholder.
func (d DimensionConfig) Dimension(optionCount int) harvest.Dimension {
	dim := harvest.Dimension{Name: d.Name, Control: d.Control, SelectBy: d.SelectBy}
	switch {
	case len(d.Values) > 0:
		dim.Values = append([]string(nil), d.Values...)
	case d.To == 0:
		for i := d.From; i < optionCount; i++ {
			dim.Values = append(dim.Values, strconv.Itoa(i))
		}
	default:
		for i := d.From; i <= d.To; i++ {
			dim.Values = append(dim.Values, strconv.Itoa(i))
		}
	}
	return dim
}
