package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PolicyConfig tunes orchestration behavior that must never be a hard-coded
// constant: provider retry bounds and the stuck-deployment reconciliation sweep.
type PolicyConfig struct {
	Deploy    DeployPolicy    `mapstructure:"deploy"`
	Reconcile ReconcilePolicy `mapstructure:"reconcile"`
}

type DeployPolicy struct {
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
}

type ReconcilePolicy struct {
	SweepInterval  time.Duration `mapstructure:"sweepInterval"`
	RunningTimeout time.Duration `mapstructure:"runningTimeout"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Deploy: DeployPolicy{
			MaxAttempts:    4,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Reconcile: ReconcilePolicy{
			SweepInterval:  time.Minute,
			RunningTimeout: 30 * time.Minute,
		},
	}
}

// PolicyHolder keeps the active policy and swaps it atomically on file change.
type PolicyHolder struct {
	current atomic.Value // holds PolicyConfig
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("orchestration")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/siteforge/config") // Volume-mounted config
	v.AddConfigPath("/etc/siteforge")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("SITEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicyConfig()
	v.SetDefault("orchestration.deploy.maxAttempts", defaults.Deploy.MaxAttempts)
	v.SetDefault("orchestration.deploy.initialBackoff", defaults.Deploy.InitialBackoff)
	v.SetDefault("orchestration.deploy.maxBackoff", defaults.Deploy.MaxBackoff)
	v.SetDefault("orchestration.reconcile.sweepInterval", defaults.Reconcile.SweepInterval)
	v.SetDefault("orchestration.reconcile.runningTimeout", defaults.Reconcile.RunningTimeout)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PolicyConfig
	if err := v.UnmarshalKey("orchestration", &cfg); err != nil {
		return nil, err
	}
	if err := validatePolicyConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PolicyConfig
		if err := v.UnmarshalKey("orchestration", &updated); err != nil {
			log.Printf("[policy-config] reload failed: %v", err)
			return
		}
		if err := validatePolicyConfig(updated); err != nil {
			log.Printf("[policy-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPolicyHolder returns a holder pinned to the given policy. Tests use
// it to avoid touching the filesystem.
func NewStaticPolicyHolder(cfg PolicyConfig) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PolicyHolder) Get() PolicyConfig {
	return h.current.Load().(PolicyConfig)
}

func validatePolicyConfig(cfg PolicyConfig) error {
	if cfg.Deploy.MaxAttempts < 1 {
		return errors.New("orchestration.deploy.maxAttempts must be at least 1")
	}
	if cfg.Deploy.InitialBackoff <= 0 {
		return errors.New("orchestration.deploy.initialBackoff must be positive")
	}
	if cfg.Reconcile.SweepInterval <= 0 {
		return errors.New("orchestration.reconcile.sweepInterval must be positive")
	}
	if cfg.Reconcile.RunningTimeout <= 0 {
		return errors.New("orchestration.reconcile.runningTimeout must be positive")
	}
	return nil
}
