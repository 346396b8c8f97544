// Package config loads gatewayd's runtime configuration with viper, the way
// the XMiDT stack's components are configured.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ListenerConfig describes one TLS listener endpoint (§4.A).
type ListenerConfig struct {
	Address    string `mapstructure:"address"`
	Port       int    `mapstructure:"port"`
	Backlog    int    `mapstructure:"backlog"`
	KeyFile    string `mapstructure:"keyfile"`
	CertFile   string `mapstructure:"certfile"`
	ChainFile  string `mapstructure:"chainfile"`
	RootCA     string `mapstructure:"rootca"`
	IssuerFile string `mapstructure:"issuerfile"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Listeners []ListenerConfig `mapstructure:"listeners"`

	// Counterparts of the openwifi.* settings (§6), read from the flat keys
	// in the mapstructure tags; dotted openwifi.* key names are not read.
	CertAllowMismatch bool          `mapstructure:"certificates_allowmismatch"`
	CertMismatchDepth int           `mapstructure:"certificates_mismatchdepth"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	MaxReactors       int           `mapstructure:"websocket_maxreactors"`

	// autoprovisioning.process (§6), read from the flat key
	// autoprovisioning_process.
	AutoProvisioningProcess string `mapstructure:"autoprovisioning_process"`

	// simulatorid (§6)
	SimulatorID string `mapstructure:"simulatorid"`

	MaxFramePayload int `mapstructure:"max_frame_payload"`

	StorePath string `mapstructure:"store_path"`

	// Notify configures the external notification channel (§6).
	Notify NotifyConfig `mapstructure:"notify"`

	// Bridge configures the optional WRP/Scytale upstream integration.
	Bridge BridgeConfig `mapstructure:"bridge"`

	// LogLevel feeds sallust's zap-config builder in the composition root.
	LogLevel string `mapstructure:"log_level"`
}

// BridgeConfig controls the optional WRP/Scytale upstream bridge.
type BridgeConfig struct {
	Enable   bool          `mapstructure:"enable"`
	URL      string        `mapstructure:"url"`
	Auth     string        `mapstructure:"auth"`
	Source   string        `mapstructure:"source"`
	Services []string      `mapstructure:"services"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NotifyConfig mirrors the teacher's webhook.Config shape, generalized for
// the ancla-backed registrar in internal/notify (§6).
type NotifyConfig struct {
	Enable         bool          `mapstructure:"enable"`
	ArgusURL       string        `mapstructure:"argus_url"`
	Bucket         string        `mapstructure:"bucket"`
	AuthBasic      string        `mapstructure:"auth_basic"`
	CallbackURL    string        `mapstructure:"callback_url"`
	Events         []string      `mapstructure:"events"`
	DeviceMatchers []string      `mapstructure:"device_matchers"`
	Duration       time.Duration `mapstructure:"duration"`
	Retries        int           `mapstructure:"retries"`
}

// AutoProvisioningFlags is derived from AutoProvisioningProcess (§9,
// mirroring AP_WS_Server::Start's LookAtProvisioning_/UseDefaultConfig_).
type AutoProvisioningFlags struct {
	LookAtProvisioning bool
	UseDefaultConfig   bool
}

func (c Config) Provisioning() AutoProvisioningFlags {
	proc := c.AutoProvisioningProcess
	if proc == "" {
		proc = "default"
	}
	if proc == "default" {
		return AutoProvisioningFlags{UseDefaultConfig: true}
	}
	var f AutoProvisioningFlags
	for _, tok := range strings.Split(proc, ",") {
		switch strings.TrimSpace(tok) {
		case "prov":
			f.LookAtProvisioning = true
		default:
			f.UseDefaultConfig = true
		}
	}
	return f
}

func (c Config) SimulatorEnabled() bool {
	return strings.TrimSpace(c.SimulatorID) != ""
}

// Default returns the baseline configuration, mirroring the defaults named
// throughout §4.A and §6 of the specification.
func Default() Config {
	return Config{
		CertAllowMismatch:       true,
		CertMismatchDepth:       2,
		SessionTimeout:          600 * time.Second,
		MaxReactors:             5,
		AutoProvisioningProcess: "default",
		MaxFramePayload:         256 * 1024,
		StorePath:               "gatewaydb.sqlite",
		LogLevel:                "info",
	}
}

// Load builds a viper instance layering a config file (if present) over
// Default(), then applies BLIZZARD_-prefixed environment overrides.
func Load(configFile string) (Config, error) {
	v := viper.New()
	cfg := Default()
	v.SetDefault("certificates_allowmismatch", cfg.CertAllowMismatch)
	v.SetDefault("certificates_mismatchdepth", cfg.CertMismatchDepth)
	v.SetDefault("session_timeout", cfg.SessionTimeout)
	v.SetDefault("websocket_maxreactors", cfg.MaxReactors)
	v.SetDefault("autoprovisioning_process", cfg.AutoProvisioningProcess)
	v.SetDefault("max_frame_payload", cfg.MaxFramePayload)
	v.SetDefault("store_path", cfg.StorePath)
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetEnvPrefix("BLIZZARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}
