// Package config loads the resolver's runtime configuration from
// environment variables and an optional config file, with an fsnotify
// watch over that config file. Grounded on
// go-server-3/internal/config/config.go.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/adred-codev/resolver/internal/path"
	"github.com/adred-codev/resolver/internal/secstore"
	"github.com/adred-codev/resolver/internal/wire"
)

// Config covers spec.md §6's configuration surface plus the shard-count
// and pool-size knobs the sharded store and per-connection pools need.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Admission AdmissionConfig `mapstructure:"admission"`
}

type ServerConfig struct {
	BindAddr          string        `mapstructure:"bind_addr"`
	MaxConnections    int           `mapstructure:"max_connections"`
	HelloTimeout      time.Duration `mapstructure:"hello_timeout"`
	ReaderTTL         time.Duration `mapstructure:"reader_ttl"`
	DrainGracePeriod  time.Duration `mapstructure:"drain_grace_period"`
	ShardCount        int           `mapstructure:"shard_count"`
	ObservabilityAddr string        `mapstructure:"observability_addr"`
}

// AuthConfig selects anonymous vs. Kerberos-like principal authentication
// and points at the permission map that backs the default SecStore.
type AuthConfig struct {
	Mode              string        `mapstructure:"mode"` // "anonymous" | "principal"
	PermissionMapPath string        `mapstructure:"permission_map_path"`
	TokenSecret       string        `mapstructure:"token_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	Issuer            string        `mapstructure:"issuer"`
}

type ResolverConfig struct {
	ID                 uint64 `mapstructure:"id"`
	ParentReferralPath string `mapstructure:"parent_referral_path"`
	ChildReferralsPath string `mapstructure:"child_referrals_path"`
}

type PoolConfig struct {
	ReadBatchCapacity  int `mapstructure:"read_batch_capacity"`
	WriteBatchCapacity int `mapstructure:"write_batch_capacity"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type AdmissionConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	CPURejectThreshold float64 `mapstructure:"cpu_reject_threshold"`
	MemoryLimitBytes   int64   `mapstructure:"memory_limit_bytes"`
	IPBurst            int     `mapstructure:"ip_burst"`
	IPRate             float64 `mapstructure:"ip_rate"`
	GlobalBurst        int     `mapstructure:"global_burst"`
	GlobalRate         float64 `mapstructure:"global_rate"`
}

// Load reads configuration from environment variables (prefixed
// RESOLVER_) and an optional "resolver.{yaml,json,toml}" file in the
// working directory or ./config.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("resolver")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Server.ShardCount <= 0 {
		cfg.Server.ShardCount = 16
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_addr", "0.0.0.0:4343")
	v.SetDefault("server.max_connections", 10000)
	v.SetDefault("server.hello_timeout", 10*time.Second)
	v.SetDefault("server.reader_ttl", 60*time.Second)
	v.SetDefault("server.drain_grace_period", 30*time.Second)
	v.SetDefault("server.shard_count", 16)
	v.SetDefault("server.observability_addr", ":9090")

	v.SetDefault("auth.mode", "anonymous")
	v.SetDefault("auth.token_ttl", 5*time.Minute)
	v.SetDefault("auth.issuer", "resolverd")

	v.SetDefault("resolver.id", 1)

	v.SetDefault("pool.read_batch_capacity", 640)
	v.SetDefault("pool.write_batch_capacity", 640)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("admission.enabled", false)
	v.SetDefault("admission.ip_burst", 10)
	v.SetDefault("admission.ip_rate", 1.0)
	v.SetDefault("admission.global_burst", 300)
	v.SetDefault("admission.global_rate", 50.0)
}

// Watcher watches the resolver config file (the same
// "resolver.{yaml,json,toml}" that Load reads) and invokes onChange whenever
// it is rewritten. The permission-map and referral files the config names
// are not themselves watched.
type Watcher struct {
	v  *viper.Viper
	mu sync.Mutex
}

// WatchReloadable starts viper's fsnotify-backed WatchConfig over the
// resolver config file, invoking onChange with the re-unmarshalled Config
// on every change. cfg is not consulted; an edit to the permission-map or
// referral file alone does not trigger onChange.
func WatchReloadable(cfg Config, onChange func(Config)) (*Watcher, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("resolver")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RESOLVER")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: watch: initial read: %w", err)
		}
	}

	w := &Watcher{v: v}
	v.OnConfigChange(func(e fsnotify.Event) {
		w.mu.Lock()
		defer w.mu.Unlock()
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return w, nil
}

// permRuleFile is the on-disk shape of one permission_map_path entry.
type permRuleFile struct {
	Prefix string   `json:"prefix"`
	Perms  []string `json:"perms"`
}

var permNames = map[string]wire.Permission{
	"subscribe":       wire.PermSubscribe,
	"list":            wire.PermList,
	"publish":         wire.PermPublish,
	"publish_default": wire.PermPublishDefault,
}

// LoadPermissionRules reads a JSON array of {prefix, perms} entries from
// path and converts it into secstore.Rule values for secstore.New.
func LoadPermissionRules(filePath string) ([]secstore.Rule, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("config: read permission map: %w", err)
	}
	var entries []permRuleFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("config: parse permission map: %w", err)
	}
	rules := make([]secstore.Rule, 0, len(entries))
	for _, e := range entries {
		p, err := path.New(e.Prefix)
		if err != nil {
			return nil, fmt.Errorf("config: permission map prefix %q: %w", e.Prefix, err)
		}
		var perm wire.Permission
		for _, name := range e.Perms {
			bit, ok := permNames[name]
			if !ok {
				return nil, fmt.Errorf("config: permission map: unknown permission %q", name)
			}
			perm |= bit
		}
		rules = append(rules, secstore.Rule{Prefix: p, Perms: perm})
	}
	return rules, nil
}

// referralFile is the on-disk shape of one referral entry: the delegated
// path, keyed by the same string in the child_referrals map, and the
// address list of the cluster it is delegated to.
type referralFile struct {
	Path    string   `json:"path"`
	Targets []string `json:"targets"`
}

// LoadChildReferrals reads a JSON array of referral entries keyed by their
// own Path field, matching the map spec.md §3 calls the child_referrals
// delegation table.
func LoadChildReferrals(filePath string) (map[string]wire.Referral, error) {
	if filePath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("config: read child referrals: %w", err)
	}
	var entries []referralFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("config: parse child referrals: %w", err)
	}
	out := make(map[string]wire.Referral, len(entries))
	for _, e := range entries {
		out[e.Path] = wire.Referral{Path: e.Path, Targets: e.Targets}
	}
	return out, nil
}

// LoadParentReferral reads a single referral entry used as the parent
// delegation target; the store returns it for every path that no child
// referral covers.
func LoadParentReferral(filePath string) (*wire.Referral, error) {
	if filePath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("config: read parent referral: %w", err)
	}
	var e referralFile
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("config: parse parent referral: %w", err)
	}
	return &wire.Referral{Path: e.Path, Targets: e.Targets}, nil
}
