package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	base := &Config{
		Backend: BackendConfig{
			URL:               "http://localhost:8000",
			Timeout:           5 * time.Minute,
			KeepAliveInterval: 10 * time.Minute,
		},
		Render:  RenderConfig{PlaybackRate: 1.0},
		Dial:    DialConfig{Radius: 100, Tolerance: 20},
		Storage: StorageConfig{CacheDirectory: "~/.cache/lambro", Database: "~/lambro.db"},
		Player:  PlayerConfig{Preferred: "auto"},
		Share:   ShareConfig{BaseURL: "https://lambro.radio"},
	}

	profile := &Config{
		Backend: BackendConfig{URL: "https://retune.example.com"},
		Render:  RenderConfig{PlaybackRate: 1.2, AIPreset: true},
		Dial:    DialConfig{Tolerance: 35},
		Player:  PlayerConfig{Preferred: "mpv"},
	}

	result := mergeConfigs(base, profile)

	if result.Backend.URL != "https://retune.example.com" {
		t.Errorf("Expected profile backend url, got %s", result.Backend.URL)
	}
	if result.Backend.Timeout != 5*time.Minute {
		t.Errorf("Expected inherited timeout 5m, got %s", result.Backend.Timeout)
	}
	if result.Render.PlaybackRate != 1.2 || !result.Render.AIPreset {
		t.Errorf("Render incorrect: got %+v", result.Render)
	}
	if result.Dial.Radius != 100 || result.Dial.Tolerance != 35 {
		t.Errorf("Dial incorrect: got %+v", result.Dial)
	}
	if result.Storage.CacheDirectory != "~/.cache/lambro" {
		t.Errorf("Expected inherited cache directory, got %s", result.Storage.CacheDirectory)
	}
	if result.Player.Preferred != "mpv" {
		t.Errorf("Expected player mpv, got %s", result.Player.Preferred)
	}

	inh := result.Inheritance
	if inh == nil {
		t.Fatal("Expected inheritance info")
	}
	if inh.Backend.URL != "profile-specific" {
		t.Errorf("Expected backend url to be profile-specific, got %s", inh.Backend.URL)
	}
	if inh.Backend.Timeout != "inherited" {
		t.Errorf("Expected backend timeout to be inherited, got %s", inh.Backend.Timeout)
	}
	if inh.Dial.Radius != "inherited" || inh.Dial.Tolerance != "profile-specific" {
		t.Errorf("Dial inheritance incorrect: %+v", inh.Dial)
	}
	if inh.Render.AIPreset != "profile-specific" {
		t.Errorf("Expected ai preset to be profile-specific, got %s", inh.Render.AIPreset)
	}
	if inh.Share.BaseURL != "inherited" {
		t.Errorf("Expected share base url to be inherited, got %s", inh.Share.BaseURL)
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := Default()
	result := mergeConfigs(base, &Config{})

	if result.Backend != base.Backend || result.Dial != base.Dial || result.Player != base.Player {
		t.Errorf("Empty profile should inherit everything, got %+v", result)
	}
	if result.Inheritance.Player.Preferred != "inherited" {
		t.Errorf("Expected inherited player, got %s", result.Inheritance.Player.Preferred)
	}
}

func TestMergeConfigs_ProfileOnly(t *testing.T) {
	profile := &Config{Backend: BackendConfig{URL: "http://10.0.0.2:9000"}}
	result := mergeConfigs(nil, profile)

	if result.Backend.URL != "http://10.0.0.2:9000" {
		t.Errorf("Expected profile url, got %s", result.Backend.URL)
	}
	if result.Inheritance.Backend.URL != "profile-specific" {
		t.Errorf("Expected profile-specific url, got %s", result.Inheritance.Backend.URL)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.cache/lambro", filepath.Join(homeDir, ".cache/lambro")},
		{"/var/lib/lambro", "/var/lib/lambro"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestLoadWithProfile_InheritsFromDefault(t *testing.T) {
	configContent := `
active_profile: studio

definitions:
  backends:
    - id: local
      url: http://localhost:8000
      timeout: 2m
      keep_alive_interval: 5m
    - id: remote
      url: https://retune.example.com
      timeout: 10m

profiles:
  default:
    backend:
      ref: local
    dial:
      tolerance: 25
    storage:
      cache_directory: /tmp/lambro-cache
      database: /tmp/lambro.db
  studio:
    backend:
      ref: remote
      timeout: 90s
    render:
      playback_rate: 0.8
    player:
      preferred: ffplay
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Profile != "studio" {
		t.Errorf("Expected active profile studio, got %s", cfg.Profile)
	}
	if cfg.Backend.URL != "https://retune.example.com" {
		t.Errorf("Expected remote backend, got %s", cfg.Backend.URL)
	}
	if cfg.Backend.Timeout != 90*time.Second {
		t.Errorf("Expected timeout override 90s, got %s", cfg.Backend.Timeout)
	}
	// remote has no keep-alive interval, so the default profile's value applies
	if cfg.Backend.KeepAliveInterval != 5*time.Minute {
		t.Errorf("Expected keep-alive 5m from default profile, got %s", cfg.Backend.KeepAliveInterval)
	}
	if cfg.Render.PlaybackRate != 0.8 {
		t.Errorf("Expected playback rate 0.8, got %.2f", cfg.Render.PlaybackRate)
	}
	if cfg.Dial.Tolerance != 25 || cfg.Dial.Radius != 100 {
		t.Errorf("Expected tolerance from default profile and built-in radius, got %+v", cfg.Dial)
	}
	if cfg.Storage.Database != "/tmp/lambro.db" {
		t.Errorf("Expected database from default profile, got %s", cfg.Storage.Database)
	}
	if cfg.Player.Preferred != "ffplay" {
		t.Errorf("Expected ffplay, got %s", cfg.Player.Preferred)
	}
	if cfg.Share.BaseURL != "https://lambro.radio" {
		t.Errorf("Expected built-in share base url, got %s", cfg.Share.BaseURL)
	}
}

func TestLoadWithProfile_ZeroToleranceOverrides(t *testing.T) {
	configContent := `
active_profile: exact
profiles:
  default:
    dial:
      tolerance: 25
  exact:
    dial:
      tolerance: 0
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Dial.Tolerance != 0 {
		t.Errorf("Expected tolerance 0 from the exact profile, got %g", cfg.Dial.Tolerance)
	}
	if cfg.Inheritance.Dial.Tolerance != "profile-specific" {
		t.Errorf("Expected profile-specific tolerance, got %s", cfg.Inheritance.Dial.Tolerance)
	}

	cfg, err = LoadWithProfile(configFile, "default")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Dial.Tolerance != 25 {
		t.Errorf("Expected default profile tolerance 25, got %g", cfg.Dial.Tolerance)
	}
}

func TestLoadWithProfile_ExplicitProfileWins(t *testing.T) {
	configContent := `
active_profile: studio
profiles:
  default:
    player:
      preferred: vlc
  studio:
    player:
      preferred: mpv
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "default")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Profile != "default" || cfg.Player.Preferred != "vlc" {
		t.Errorf("Expected default profile with vlc, got %s/%s", cfg.Profile, cfg.Player.Preferred)
	}

	if _, err := LoadWithProfile(configFile, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestGlobalsStorage(t *testing.T) {
	configContent := `
active_profile: default
globals:
  storage:
    cache_directory: /srv/lambro/cache
profiles:
  default:
    storage:
      cache_directory: /tmp/ignored
      database: /srv/lambro/lambro.db
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Storage.CacheDirectory != "/srv/lambro/cache" {
		t.Errorf("Expected globals cache directory, got %s", cfg.Storage.CacheDirectory)
	}
	if cfg.Storage.Database != "/srv/lambro/lambro.db" {
		t.Errorf("Expected profile database, got %s", cfg.Storage.Database)
	}
}

func TestLoadWithProfile_EnvSelectsProfile(t *testing.T) {
	configContent := `
active_profile: default
profiles:
  default:
    player:
      preferred: vlc
  travel:
    player:
      preferred: mpv
`
	configFile := createTempConfig(t, configContent)
	t.Setenv("LAMBRO_ACTIVE_PROFILE", "travel")

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Profile != "travel" {
		t.Errorf("Expected env selected profile travel, got %s", cfg.Profile)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadOrDefault("", "")
	if err != nil {
		t.Fatalf("Expected defaults without a config file, got: %v", err)
	}
	if cfg.Backend.URL != defaultConfig.Backend.URL {
		t.Errorf("Expected default backend, got %s", cfg.Backend.URL)
	}

	if _, err := LoadOrDefault("", "studio"); err == nil {
		t.Error("Expected error for a named profile without a config file")
	}
	if _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Error("Expected error for an explicit missing config file")
	}
}

func TestUpdateActiveProfile(t *testing.T) {
	configContent := `
active_profile: default
profiles:
  default:
    player:
      preferred: auto
  studio:
    player:
      preferred: mpv
`
	configFile := createTempConfig(t, configContent)

	if err := UpdateActiveProfile(configFile, "studio"); err != nil {
		t.Fatalf("UpdateActiveProfile: %v", err)
	}
	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Profile != "studio" {
		t.Errorf("Expected studio to be active, got %s", cfg.Profile)
	}

	if err := UpdateActiveProfile(configFile, "nope"); err == nil {
		t.Error("Expected error when activating an unknown profile")
	}
}
