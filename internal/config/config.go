// Package config loads service settings from DSS_* environment variables and
// an optional config.yaml.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so "database.url"
// is read from DSS_DATABASE_URL
const EnvPrefix = "DSS"

// KeyPrefix is prepended to keys in a Properties snapshot
const KeyPrefix = "dss."

const (
	DefaultHTTPAddr       = ":8080"
	DefaultDatabaseDriver = "sqlite"
	DefaultDatabaseURL    = "sqlite://dss.db"
	DefaultRuleTimeout    = 5 * time.Second
	DefaultNATSSubject    = "dss.rules.invalidate"
)

// DefaultNamespaces is the resolution order: ad-hoc uploads, the shipped
// library, then bare names
var DefaultNamespaces = []string{"adhoc", "library", ""}

type HTTP struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type Database struct {
	// Driver is the database/sql driver: postgres, pgx or sqlite
	Driver  string
	URL     string
	Migrate bool
}

type Rules struct {
	Namespaces          []string
	Timeout             time.Duration
	Parallelism         int
	Separator           string
	ReloadStale         bool
	DeleteMode          string
	AllowDuplicateNames bool
	CacheTTL            time.Duration
	SourceDir           string
	CostLimit           uint64

	// Schema declares fact objects exposed to CEL rules: object name to
	// field name to CEL type. Names are lowercased by viper.
	Schema map[string]map[string]string
}

type S3 struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

type NATS struct {
	URL     string
	Subject string
}

type Log struct {
	Level      string
	SampleRate int

	// OTEL exports records over OTLP/gRPC instead of writing JSON to stdout
	OTEL        bool
	ServiceName string
}

// Config is the full service configuration
type Config struct {
	HTTP     HTTP
	Database Database
	Rules    Rules
	S3       S3
	NATS     NATS
	Log      Log

	// PropertyPrefix selects which Properties keys the startup check inspects
	PropertyPrefix string
}

// New returns a viper instance with defaults and environment binding set up.
// Command-line flags can be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.url", DefaultDatabaseURL)
	v.SetDefault("database.migrate", true)

	v.SetDefault("rules.namespaces", strings.Join(DefaultNamespaces, ","))
	v.SetDefault("rules.timeout", DefaultRuleTimeout)
	v.SetDefault("rules.parallelism", 0)
	v.SetDefault("rules.separator", "\n")
	v.SetDefault("rules.reload_stale", true)
	v.SetDefault("rules.delete_mode", "soft")
	v.SetDefault("rules.allow_duplicate_names", false)
	v.SetDefault("rules.cache_ttl", time.Duration(0))
	v.SetDefault("rules.source_dir", "")
	v.SetDefault("rules.cost_limit", 1000000)

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.path_style", false)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", DefaultNATSSubject)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.sample_rate", 1)
	v.SetDefault("log.otel_enabled", false)
	v.SetDefault("log.service_name", "dss")
	// the OpenTelemetry variable names are honored too
	_ = v.BindEnv("log.otel_enabled", EnvPrefix+"_LOG_OTEL_ENABLED", "OTEL_ENABLED")
	_ = v.BindEnv("log.service_name", EnvPrefix+"_LOG_SERVICE_NAME", "OTEL_SERVICE_NAME")

	v.SetDefault("startup.property_prefix", KeyPrefix)

	return v
}

// Load reads an optional config file and returns the effective settings.
// file names an explicit config file; when empty, config.yaml is looked up
// in the working directory and ./configs. A missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		HTTP: HTTP{
			Addr:            v.GetString("http.addr"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Database: Database{
			Driver:  strings.ToLower(v.GetString("database.driver")),
			URL:     v.GetString("database.url"),
			Migrate: v.GetBool("database.migrate"),
		},
		Rules: Rules{
			Namespaces:          namespaces(v.Get("rules.namespaces")),
			Timeout:             v.GetDuration("rules.timeout"),
			Parallelism:         v.GetInt("rules.parallelism"),
			Separator:           v.GetString("rules.separator"),
			ReloadStale:         v.GetBool("rules.reload_stale"),
			DeleteMode:          v.GetString("rules.delete_mode"),
			AllowDuplicateNames: v.GetBool("rules.allow_duplicate_names"),
			CacheTTL:            v.GetDuration("rules.cache_ttl"),
			SourceDir:           v.GetString("rules.source_dir"),
		},
		S3: S3{
			Bucket:    v.GetString("s3.bucket"),
			Prefix:    v.GetString("s3.prefix"),
			Region:    v.GetString("s3.region"),
			Endpoint:  v.GetString("s3.endpoint"),
			PathStyle: v.GetBool("s3.path_style"),
		},
		NATS: NATS{
			URL:     v.GetString("nats.url"),
			Subject: v.GetString("nats.subject"),
		},
		Log: Log{
			Level:       v.GetString("log.level"),
			SampleRate:  v.GetInt("log.sample_rate"),
			OTEL:        v.GetBool("log.otel_enabled"),
			ServiceName: v.GetString("log.service_name"),
		},
		PropertyPrefix: v.GetString("startup.property_prefix"),
	}

	costLimit := v.GetInt64("rules.cost_limit")
	if costLimit < 0 {
		return nil, fmt.Errorf("rules.cost_limit must not be negative, got %d", costLimit)
	}
	cfg.Rules.CostLimit = uint64(costLimit)

	objects, err := schema(v.Get("rules.schema"))
	if err != nil {
		return nil, err
	}
	cfg.Rules.Schema = objects

	switch cfg.Database.Driver {
	case "postgres", "pgx", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database driver %q (use postgres, pgx or sqlite)", cfg.Database.Driver)
	}
	return cfg, nil
}

// namespaces accepts a comma-separated string, where an empty element is the
// unqualified namespace, or a YAML list
func namespaces(raw any) []string {
	switch value := raw.(type) {
	case string:
		parts := strings.Split(value, ",")
		for i, part := range parts {
			parts[i] = strings.TrimSpace(part)
		}
		return parts
	case []string:
		return append([]string(nil), value...)
	case []any:
		out := make([]string, len(value))
		for i, item := range value {
			if item != nil {
				out[i] = strings.TrimSpace(fmt.Sprint(item))
			}
		}
		return out
	default:
		return append([]string(nil), DefaultNamespaces...)
	}
}

// schema reads rules.schema, a map of objects to their field types
func schema(raw any) (map[string]map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	objects, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rules.schema must map object names to fields, got %T", raw)
	}

	out := make(map[string]map[string]string, len(objects))
	for object, rawFields := range objects {
		fields, ok := rawFields.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rules.schema.%s must map field names to types, got %T", object, rawFields)
		}
		out[object] = make(map[string]string, len(fields))
		for field, typ := range fields {
			out[object][field] = fmt.Sprint(typ)
		}
	}
	return out, nil
}

// Properties snapshots every known key as "dss.<key>" with its string value
func Properties(v *viper.Viper) map[string]string {
	keys := v.AllKeys()
	sort.Strings(keys)

	props := make(map[string]string, len(keys))
	for _, key := range keys {
		value := v.Get(key)
		if value == nil {
			props[KeyPrefix+key] = ""
			continue
		}
		props[KeyPrefix+key] = fmt.Sprint(value)
	}
	return props
}
