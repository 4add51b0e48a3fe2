package config

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// IntegrationFlags are the process wide switches for outbound aggregator
// traffic. Operators flip them in integration.yml without a restart.
type IntegrationFlags struct {
	Enabled    bool `mapstructure:"enabled"`
	KillSwitch bool `mapstructure:"killSwitch"`
}

func DefaultIntegrationFlags() IntegrationFlags {
	return IntegrationFlags{Enabled: true, KillSwitch: false}
}

type IntegrationFlagsHolder struct {
	current atomic.Value // holds IntegrationFlags
}

// NewIntegrationFlagsHolder reads integration.yml from path (or the default
// search paths) and watches it for changes. Environment variables
// EVVBRIDGE_INTEGRATION_ENABLED and EVVBRIDGE_INTEGRATION_KILLSWITCH override
// the file.
func NewIntegrationFlagsHolder(path string, log *zap.Logger) (*IntegrationFlagsHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.integration")

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("integration")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/evvbridge")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("EVVBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultIntegrationFlags()
	v.SetDefault("integration.enabled", defaults.Enabled)
	v.SetDefault("integration.killSwitch", defaults.KillSwitch)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	holder := &IntegrationFlagsHolder{}
	holder.current.Store(readFlags(v))

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated := readFlags(v)
			holder.current.Store(updated)
			log.Info("integration flags reloaded",
				zap.String("file", e.Name),
				zap.Bool("enabled", updated.Enabled),
				zap.Bool("kill_switch", updated.KillSwitch),
			)
		})
		v.WatchConfig()
	}

	return holder, nil
}

// NewStaticFlags returns a holder that never reloads.
func NewStaticFlags(flags IntegrationFlags) *IntegrationFlagsHolder {
	holder := &IntegrationFlagsHolder{}
	holder.current.Store(flags)
	return holder
}

func (h *IntegrationFlagsHolder) Get() IntegrationFlags {
	return h.current.Load().(IntegrationFlags)
}

// Set replaces the flags in place, used by operator endpoints and tests.
func (h *IntegrationFlagsHolder) Set(flags IntegrationFlags) {
	h.current.Store(flags)
}

func (h *IntegrationFlagsHolder) IntegrationEnabled() bool {
	return h.Get().Enabled
}

func (h *IntegrationFlagsHolder) KillSwitchActive() bool {
	return h.Get().KillSwitch
}

func readFlags(v *viper.Viper) IntegrationFlags {
	return IntegrationFlags{
		Enabled:    v.GetBool("integration.enabled"),
		KillSwitch: v.GetBool("integration.killSwitch"),
	}
}
