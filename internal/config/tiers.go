package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierPolicy carries the device limit granted by each entitlement tier.
type TierPolicy struct {
	TrialDeviceLimit     int `mapstructure:"trialDeviceLimit"`
	ProDeviceLimit       int `mapstructure:"proDeviceLimit"`
	SuspendedDeviceLimit int `mapstructure:"suspendedDeviceLimit"`
}

func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		TrialDeviceLimit:     1,
		ProDeviceLimit:       3,
		SuspendedDeviceLimit: 0,
	}
}

type TierPolicyHolder struct {
	current atomic.Value // holds TierPolicy
}

// NewStaticTierPolicyHolder returns a holder that never reloads.
func NewStaticTierPolicyHolder(policy TierPolicy) (*TierPolicyHolder, error) {
	if err := validateTierPolicy(policy); err != nil {
		return nil, err
	}
	holder := &TierPolicyHolder{}
	holder.current.Store(policy)
	return holder, nil
}

// NewTierPolicyHolder loads tiers.yml and keeps watching it. A missing file
// falls back to DefaultTierPolicy.
func NewTierPolicyHolder() (*TierPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("tiers")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/licensing/config")
	v.AddConfigPath("/etc/licensing")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LICENSING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTierPolicy()
	v.SetDefault("tiers.trialDeviceLimit", defaults.TrialDeviceLimit)
	v.SetDefault("tiers.proDeviceLimit", defaults.ProDeviceLimit)
	v.SetDefault("tiers.suspendedDeviceLimit", defaults.SuspendedDeviceLimit)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var policy TierPolicy
	if err := v.UnmarshalKey("tiers", &policy); err != nil {
		return nil, err
	}
	holder, err := NewStaticTierPolicyHolder(policy)
	if err != nil {
		return nil, err
	}
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated TierPolicy
		if err := v.UnmarshalKey("tiers", &updated); err != nil {
			log.Printf("[tier-policy] reload failed: %v", err)
			return
		}
		if err := holder.Set(updated); err != nil {
			log.Printf("[tier-policy] invalid config ignored: %v", err)
			return
		}
		log.Printf("[tier-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *TierPolicyHolder) Get() TierPolicy {
	return h.current.Load().(TierPolicy)
}

// Set swaps the active policy. Invalid policies are rejected and the
// current one is kept.
func (h *TierPolicyHolder) Set(policy TierPolicy) error {
	if err := validateTierPolicy(policy); err != nil {
		return err
	}
	h.current.Store(policy)
	return nil
}

func validateTierPolicy(p TierPolicy) error {
	if p.TrialDeviceLimit < 1 {
		return errors.New("tiers.trialDeviceLimit must be at least 1")
	}
	if p.ProDeviceLimit < p.TrialDeviceLimit {
		return errors.New("tiers.proDeviceLimit must not be lower than the trial limit")
	}
	if p.SuspendedDeviceLimit != 0 {
		return errors.New("tiers.suspendedDeviceLimit must be 0")
	}
	return nil
}
