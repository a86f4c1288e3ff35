package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type config struct {
	Addr             string
	Profile          string
	DataDir          string
	BackendDSN       string
	ProductionDSN    string
	EntitiesFile     string
	WatchEntities    bool
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	OperationTimeout time.Duration
	ConflictPolicy   string
	MergeDefaultSide string
	MergePriority    map[string]string
	Timezone         string
	StreamOrigins    []string
	ShutdownTimeout  time.Duration
	Log              logging.Options
}

func registerServerFlags(flags *pflag.FlagSet) {
	flags.String("addr", ":8080", "listen address")
	flags.String("profile", "", "storage profile: memory, durable-local, production")
	flags.String("data-dir", ".fieldsync", "data directory for the durable-local profile")
	flags.String("backend-dsn", "", "backend DSN (memory://, file://, sqlite://, postgres://); overrides the profile")
	flags.String("production-dsn", "", "Postgres DSN used by the production profile")
	flags.String("entities-file", "", "entity registry YAML; the built-in registry is used when empty")
	flags.Bool("watch-entities", true, "reload the entity registry when its file changes")
	flags.Int("rate-limit-max", 0, "requests per client per window; 0 disables limiting")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")
	flags.Int64("max-body-bytes", 4<<20, "maximum request body size")
	flags.Duration("operation-timeout", 5*time.Second, "per-operation store timeout")
	flags.String("conflict-policy", string(fieldsync.PolicyServerWins), "server_wins, client_wins, merge or version")
	flags.String("merge-default-side", string(fieldsync.SideServer), "side that wins unlisted fields under the merge policy")
	flags.String("timezone", "UTC", "zone that defines start of day for first pulls")
	flags.StringSlice("stream-origins", nil, "origin patterns accepted for the change stream")
	flags.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown deadline")
}

func registerLogFlags(flags *pflag.FlagSet) {
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "json", "log format: json or text")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")
}

// newViper layers flags, FIELDSYNC_* environment variables and an optional
// config file, in that order of precedence.
func newViper(flags *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

func loadConfig(v *viper.Viper) config {
	return config{
		Addr:             v.GetString("addr"),
		Profile:          v.GetString("profile"),
		DataDir:          v.GetString("data-dir"),
		BackendDSN:       v.GetString("backend-dsn"),
		ProductionDSN:    v.GetString("production-dsn"),
		EntitiesFile:     v.GetString("entities-file"),
		WatchEntities:    v.GetBool("watch-entities"),
		RateLimitMax:     v.GetInt("rate-limit-max"),
		RateLimitWindow:  v.GetDuration("rate-limit-window"),
		MaxBodyBytes:     v.GetInt64("max-body-bytes"),
		OperationTimeout: v.GetDuration("operation-timeout"),
		ConflictPolicy:   v.GetString("conflict-policy"),
		MergeDefaultSide: v.GetString("merge-default-side"),
		MergePriority:    v.GetStringMapString("merge-field-priority"),
		Timezone:         v.GetString("timezone"),
		StreamOrigins:    v.GetStringSlice("stream-origins"),
		ShutdownTimeout:  v.GetDuration("shutdown-timeout"),
		Log: logging.Options{
			Level:  v.GetString("log-level"),
			Format: v.GetString("log-format"),
			File:   v.GetString("log-file"),
		},
	}
}

func storageProfileDSN(profile, dataDir, productionDSN string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".fieldsync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		if strings.TrimSpace(productionDSN) == "" {
			return "", fmt.Errorf("production-dsn (FIELDSYNC_PRODUCTION_DSN) is required for the %s profile", profile)
		}
		return strings.TrimSpace(productionDSN), nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "fieldsync.db"), nil
	default:
		return "", fmt.Errorf("unsupported storage profile: %s", profile)
	}
}

// backendDSN resolves an explicit DSN first, then the profile, then memory.
func (c config) backendDSN() (string, error) {
	if dsn := strings.TrimSpace(c.BackendDSN); dsn != "" {
		return dsn, nil
	}
	dsn, err := storageProfileDSN(c.Profile, c.DataDir, c.ProductionDSN)
	if err != nil {
		return "", err
	}
	if dsn == "" {
		return "memory://", nil
	}
	return dsn, nil
}

func (c config) resolver() (fieldsync.ConflictResolver, error) {
	priority := make(map[string]fieldsync.Side, len(c.MergePriority))
	for field, side := range c.MergePriority {
		priority[field] = fieldsync.Side(strings.ToLower(strings.TrimSpace(side)))
	}
	return fieldsync.NewResolver(fieldsync.ResolverOptions{
		Policy:        fieldsync.ConflictPolicy(c.ConflictPolicy),
		FieldPriority: priority,
		DefaultSide:   fieldsync.Side(strings.ToLower(strings.TrimSpace(c.MergeDefaultSide))),
	})
}

func (c config) registry() (*fieldsync.Registry, error) {
	if strings.TrimSpace(c.EntitiesFile) == "" {
		return fieldsync.DefaultRegistry()
	}
	return fieldsync.LoadRegistryFile(c.EntitiesFile)
}

func (c config) location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}
