package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix       = "LAMBRO"
	DefaultProfile  = "default"
	MinPlaybackRate = 0.5
	MaxPlaybackRate = 2.0
)

// SupportedPlayers lists the external players the transport knows how to drive.
var SupportedPlayers = []string{"auto", "mpv", "ffplay", "vlc"}

type DefinitionsConfig struct {
	Backends []BackendDefinition `mapstructure:"backends" yaml:"backends"`
}

// BackendDefinition is a named retune backend that profiles reference.
type BackendDefinition struct {
	ID                string        `mapstructure:"id" yaml:"id"`
	URL               string        `mapstructure:"url" yaml:"url"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
}

type BackendReference struct {
	Ref               string         `mapstructure:"ref" yaml:"ref"`
	Timeout           *time.Duration `mapstructure:"timeout,omitempty" yaml:"timeout,omitempty"`
	KeepAliveInterval *time.Duration `mapstructure:"keep_alive_interval,omitempty" yaml:"keep_alive_interval,omitempty"`
}

type GlobalsConfig struct {
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

type RootConfig struct {
	ActiveProfile string              `mapstructure:"active_profile" yaml:"active_profile"`
	Globals       *GlobalsConfig      `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions   *DefinitionsConfig  `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Profiles      map[string]*Profile `mapstructure:"profiles" yaml:"profiles"`
}

// Config is a fully resolved profile.
type Config struct {
	Profile string        `mapstructure:"-" yaml:"profile"`
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Render  RenderConfig  `mapstructure:"render" yaml:"render"`
	Dial    DialConfig    `mapstructure:"dial" yaml:"dial"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Player  PlayerConfig  `mapstructure:"player" yaml:"player"`
	Share   ShareConfig   `mapstructure:"share" yaml:"share"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// Profile is a profile as written in the config file, before resolution.
type Profile struct {
	Backend BackendReference `mapstructure:"backend" yaml:"backend"`
	Render  RenderOverrides  `mapstructure:"render" yaml:"render"`
	Dial    DialOverrides    `mapstructure:"dial" yaml:"dial"`
	Storage StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Player  PlayerConfig     `mapstructure:"player" yaml:"player"`
	Share   ShareConfig      `mapstructure:"share" yaml:"share"`
}

type InheritanceInfo struct {
	Backend struct {
		URL               string // "inherited" or "profile-specific"
		Timeout           string
		KeepAliveInterval string
	}
	Render struct {
		PlaybackRate string
		AIPreset     string
	}
	Dial struct {
		Radius    string
		Tolerance string
	}
	Storage struct {
		CacheDirectory string
		Database       string
	}
	Player struct {
		Preferred string
	}
	Share struct {
		BaseURL string
	}
}

type BackendConfig struct {
	URL               string        `mapstructure:"url" yaml:"url"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
}

type RenderConfig struct {
	PlaybackRate float64 `mapstructure:"playback_rate" yaml:"playback_rate"`
	AIPreset     bool    `mapstructure:"ai_preset" yaml:"ai_preset"`
}

// RenderOverrides uses a pointer so an explicit false can be told apart from unset.
type RenderOverrides struct {
	PlaybackRate float64 `mapstructure:"playback_rate" yaml:"playback_rate,omitempty"`
	AIPreset     *bool   `mapstructure:"ai_preset" yaml:"ai_preset,omitempty"`
}

type DialConfig struct {
	Radius    float64 `mapstructure:"radius" yaml:"radius"`
	Tolerance float64 `mapstructure:"tolerance" yaml:"tolerance"`

	// toleranceSet marks a tolerance written in a profile, so 0 still overrides.
	toleranceSet bool
}

// DialOverrides uses a pointer so tolerance: 0 can be told apart from unset.
type DialOverrides struct {
	Radius    float64  `mapstructure:"radius" yaml:"radius,omitempty"`
	Tolerance *float64 `mapstructure:"tolerance" yaml:"tolerance,omitempty"`
}

type StorageConfig struct {
	CacheDirectory string `mapstructure:"cache_directory" yaml:"cache_directory"`
	Database       string `mapstructure:"database" yaml:"database"`
}

type PlayerConfig struct {
	Preferred string `mapstructure:"preferred" yaml:"preferred"`
}

type ShareConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

var defaultConfig = Config{
	Profile: DefaultProfile,
	Backend: BackendConfig{
		URL:               "http://localhost:8000",
		Timeout:           5 * time.Minute,
		KeepAliveInterval: 10 * time.Minute,
	},
	Render: RenderConfig{
		PlaybackRate: 1.0,
	},
	Dial: DialConfig{
		Radius:    100,
		Tolerance: 20,
	},
	Storage: StorageConfig{
		CacheDirectory: filepath.Join(os.Getenv("HOME"), ".cache", "lambro"),
		Database:       filepath.Join(os.Getenv("HOME"), ".local", "share", "lambro", "lambro.db"),
	},
	Player: PlayerConfig{
		Preferred: "auto",
	},
	Share: ShareConfig{
		BaseURL: "https://lambro.radio",
	},
}

// Default returns the built-in configuration used when no config file exists.
func Default() *Config {
	c := defaultConfig
	c.Inheritance = &InheritanceInfo{}
	return &c
}

// DefaultPath is where the config file is looked up when --config is not given.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/lambro.yaml")
}

// LoadWithProfile reads configFile and resolves profile (or the file's active
// profile). Unset fields fall back to the default profile, then to built-in
// defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	profileName := profile
	if profileName == "" {
		profileName = rootConfig.ActiveProfile
	}
	if profileName == "" {
		profileName = DefaultProfile
	}

	selectedProfile, exists := rootConfig.Profiles[profileName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", profileName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", profileName, err)
	}

	// Non-default profiles inherit from the default profile first
	base := Default()
	if profileName != DefaultProfile {
		if defaultProfile, exists := rootConfig.Profiles[DefaultProfile]; exists {
			resolvedDefault, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			base = mergeConfigs(base, resolvedDefault)
		}
	}
	selectedConfig = mergeConfigs(base, selectedConfig)
	selectedConfig.Profile = profileName

	// Global storage settings take priority over profile-specific directories
	if rootConfig.Globals != nil {
		if rootConfig.Globals.Storage.CacheDirectory != "" {
			selectedConfig.Storage.CacheDirectory = rootConfig.Globals.Storage.CacheDirectory
		}
		if rootConfig.Globals.Storage.Database != "" {
			selectedConfig.Storage.Database = rootConfig.Globals.Storage.Database
		}
	}

	selectedConfig.Storage.CacheDirectory = expandPath(selectedConfig.Storage.CacheDirectory)
	selectedConfig.Storage.Database = expandPath(selectedConfig.Storage.Database)

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// LoadOrDefault loads configFile when it exists. A missing file at the
// default location yields the built-in defaults.
func LoadOrDefault(configFile, profile string) (*Config, error) {
	explicit := configFile != ""
	if !explicit {
		configFile = DefaultPath()
	}
	if _, err := os.Stat(configFile); err != nil {
		if !explicit && os.IsNotExist(err) {
			if profile != "" && profile != DefaultProfile {
				return nil, fmt.Errorf("configuration profile '%s' not found (no config file at %s)", profile, configFile)
			}
			return Default(), nil
		}
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return LoadWithProfile(configFile, profile)
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, newActiveProfile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := rootConfig.Profiles[newActiveProfile]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveProfile)
	}

	v.Set("active_profile", newActiveProfile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// convertProfileToConfig resolves the backend reference of a profile
func convertProfileToConfig(profile *Profile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Render:  RenderConfig{PlaybackRate: profile.Render.PlaybackRate},
		Dial:    DialConfig{Radius: profile.Dial.Radius},
		Storage: profile.Storage,
		Player:  profile.Player,
		Share:   profile.Share,
	}
	if profile.Render.AIPreset != nil {
		config.Render.AIPreset = *profile.Render.AIPreset
	}
	if profile.Dial.Tolerance != nil {
		config.Dial.Tolerance = *profile.Dial.Tolerance
		config.Dial.toleranceSet = true
	}

	if profile.Backend.Ref != "" {
		definition := findBackend(definitions, profile.Backend.Ref)
		if definition == nil {
			return nil, fmt.Errorf("backend: reference '%s' not found in definitions", profile.Backend.Ref)
		}
		config.Backend = BackendConfig{
			URL:               definition.URL,
			Timeout:           definition.Timeout,
			KeepAliveInterval: definition.KeepAliveInterval,
		}
	}

	// Apply overrides
	if profile.Backend.Timeout != nil {
		config.Backend.Timeout = *profile.Backend.Timeout
	}
	if profile.Backend.KeepAliveInterval != nil {
		config.Backend.KeepAliveInterval = *profile.Backend.KeepAliveInterval
	}

	return config, nil
}

func findBackend(definitions *DefinitionsConfig, id string) *BackendDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Backends {
		if definitions.Backends[i].ID == id {
			return &definitions.Backends[i]
		}
	}
	return nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// every field set in the profile wins, everything else falls back to base.
// The AI preset flag follows the base unless the profile turns it on.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}
	inh := result.Inheritance

	if base != nil {
		result.Backend = base.Backend
		result.Render = base.Render
		result.Dial = base.Dial
		result.Storage = base.Storage
		result.Player = base.Player
		result.Share = base.Share

		inh.Backend.URL = "inherited"
		inh.Backend.Timeout = "inherited"
		inh.Backend.KeepAliveInterval = "inherited"
		inh.Render.PlaybackRate = "inherited"
		inh.Render.AIPreset = "inherited"
		inh.Dial.Radius = "inherited"
		inh.Dial.Tolerance = "inherited"
		inh.Storage.CacheDirectory = "inherited"
		inh.Storage.Database = "inherited"
		inh.Player.Preferred = "inherited"
		inh.Share.BaseURL = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Backend.URL != "" {
		result.Backend.URL = profile.Backend.URL
		inh.Backend.URL = "profile-specific"
	}
	if profile.Backend.Timeout != 0 {
		result.Backend.Timeout = profile.Backend.Timeout
		inh.Backend.Timeout = "profile-specific"
	}
	if profile.Backend.KeepAliveInterval != 0 {
		result.Backend.KeepAliveInterval = profile.Backend.KeepAliveInterval
		inh.Backend.KeepAliveInterval = "profile-specific"
	}

	if profile.Render.PlaybackRate != 0 {
		result.Render.PlaybackRate = profile.Render.PlaybackRate
		inh.Render.PlaybackRate = "profile-specific"
	}
	if profile.Render.AIPreset {
		result.Render.AIPreset = true
		inh.Render.AIPreset = "profile-specific"
	}

	if profile.Dial.Radius != 0 {
		result.Dial.Radius = profile.Dial.Radius
		inh.Dial.Radius = "profile-specific"
	}
	if profile.Dial.Tolerance != 0 || profile.Dial.toleranceSet {
		result.Dial.Tolerance = profile.Dial.Tolerance
		inh.Dial.Tolerance = "profile-specific"
	}

	if profile.Storage.CacheDirectory != "" {
		result.Storage.CacheDirectory = profile.Storage.CacheDirectory
		inh.Storage.CacheDirectory = "profile-specific"
	}
	if profile.Storage.Database != "" {
		result.Storage.Database = profile.Storage.Database
		inh.Storage.Database = "profile-specific"
	}

	if profile.Player.Preferred != "" {
		result.Player.Preferred = profile.Player.Preferred
		inh.Player.Preferred = "profile-specific"
	}

	if profile.Share.BaseURL != "" {
		result.Share.BaseURL = profile.Share.BaseURL
		inh.Share.BaseURL = "profile-specific"
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration.
func Validate(c *Config) error {
	if err := validateHTTPURL(c.Backend.URL); err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be > 0, got %s", c.Backend.Timeout)
	}
	if c.Backend.KeepAliveInterval < 0 {
		return fmt.Errorf("backend.keep_alive_interval must be >= 0, got %s", c.Backend.KeepAliveInterval)
	}

	if c.Render.PlaybackRate < MinPlaybackRate || c.Render.PlaybackRate > MaxPlaybackRate {
		return fmt.Errorf("render.playback_rate must be between %.1f and %.1f, got %.2f", MinPlaybackRate, MaxPlaybackRate, c.Render.PlaybackRate)
	}

	if c.Dial.Radius < 0 {
		return fmt.Errorf("dial.radius must be >= 0, got %.1f", c.Dial.Radius)
	}
	if c.Dial.Tolerance < 0 {
		return fmt.Errorf("dial.tolerance must be >= 0, got %.1f", c.Dial.Tolerance)
	}

	if c.Storage.CacheDirectory == "" {
		return fmt.Errorf("storage.cache_directory is required")
	}
	if c.Storage.Database == "" {
		return fmt.Errorf("storage.database is required")
	}

	if !isSupportedPlayer(c.Player.Preferred) {
		return fmt.Errorf("player.preferred must be one of %s, got: %s", strings.Join(SupportedPlayers, ", "), c.Player.Preferred)
	}

	if err := validateHTTPURL(c.Share.BaseURL); err != nil {
		return fmt.Errorf("share.base_url: %w", err)
	}

	return nil
}

func isSupportedPlayer(name string) bool {
	for _, p := range SupportedPlayers {
		if p == name {
			return true
		}
	}
	return false
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http or https URL, got: %s", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %s", raw)
	}
	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.BindEnv("active_profile")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Profiles) == 0 {
		return nil, fmt.Errorf("profiles section is required")
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for profileName, p := range rootConfig.Profiles {
		if p == nil {
			return nil, fmt.Errorf("invalid profile '%s': empty profile", profileName)
		}
		if err := validateBackendReference(p.Backend, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid profile '%s': %w", profileName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section. It is optional.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Backends {
		prefix := fmt.Sprintf("definitions.backends[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateHTTPURL(def.URL); err != nil {
			return fmt.Errorf("%s: 'url' %w", prefix, err)
		}
		if def.Timeout < 0 {
			return fmt.Errorf("%s: 'timeout' must be >= 0, got: %s", prefix, def.Timeout)
		}
		if def.KeepAliveInterval < 0 {
			return fmt.Errorf("%s: 'keep_alive_interval' must be >= 0, got: %s", prefix, def.KeepAliveInterval)
		}
	}

	return nil
}

// validateBackendReference validates the backend reference of a profile
func validateBackendReference(ref BackendReference, definitions *DefinitionsConfig) error {
	if ref.Ref != "" && findBackend(definitions, ref.Ref) == nil {
		return fmt.Errorf("backend: references undefined backend definition '%s'", ref.Ref)
	}
	if ref.Timeout != nil && *ref.Timeout <= 0 {
		return fmt.Errorf("backend: timeout override must be > 0, got %s", *ref.Timeout)
	}
	if ref.KeepAliveInterval != nil && *ref.KeepAliveInterval < 0 {
		return fmt.Errorf("backend: keep_alive_interval override must be >= 0, got %s", *ref.KeepAliveInterval)
	}
	return nil
}
