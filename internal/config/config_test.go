package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Expected port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Pursuit.ExplosionDistance != 30 {
		t.Errorf("Expected explosion distance 30, got %v", cfg.Pursuit.ExplosionDistance)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
pursuit:
  bark_distance: 50
  mode_bypass_actions: [bark]
scheduler:
  detection_interval: 2s
`)
	t.Setenv("PORT", "9100")
	t.Setenv("DETECTION_CLASSES", "person,dog")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Environment should win over YAML, got port %d", cfg.Server.Port)
	}
	if cfg.Pursuit.BarkDistance != 50 {
		t.Errorf("Expected bark distance 50, got %v", cfg.Pursuit.BarkDistance)
	}
	if cfg.Scheduler.DetectionInterval != 2*time.Second {
		t.Errorf("Expected detection interval 2s, got %v", cfg.Scheduler.DetectionInterval)
	}
	if len(cfg.Pursuit.ModeBypassActions) != 1 || cfg.Pursuit.ModeBypassActions[0] != "bark" {
		t.Errorf("Unexpected bypass actions %v", cfg.Pursuit.ModeBypassActions)
	}
	if len(cfg.Detection.Classes) != 2 || cfg.Detection.Classes[1] != "dog" {
		t.Errorf("Unexpected classes %v", cfg.Detection.Classes)
	}
	if cfg.Pursuit.PursueDistance != 200 {
		t.Errorf("Unset fields should keep defaults, got pursue distance %v", cfg.Pursuit.PursueDistance)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
	if _, err := Load(writeConfig(t, "pursuit:\n  explosion_distance: 500\n")); err == nil {
		t.Error("Expected validation error")
	}
}

func TestLoad_RejectsZeroSensorInterval(t *testing.T) {
	t.Setenv("SENSOR_INTERVAL", "0s")
	if _, err := Load(""); err == nil {
		t.Error("Expected validation error for SENSOR_INTERVAL=0s")
	}
}

func TestLoad_AgentCapabilities(t *testing.T) {
	cfg, err := Load(writeConfig(t, "agent:\n  has_rgb: true\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Agent.HasRGB || cfg.Agent.HasIMU {
		t.Errorf("Expected rgb only, got imu=%v rgb=%v", cfg.Agent.HasIMU, cfg.Agent.HasRGB)
	}
}

func TestApplyPerformanceMode(t *testing.T) {
	tests := []struct {
		mode         string
		wantInterval time.Duration
		wantTh       float64
		wantErr      bool
	}{
		{"", 500 * time.Millisecond, 0.25, false},
		{"eco", time.Second, 0.5, false},
		{"balanced", 500 * time.Millisecond, 0.35, false},
		{"aggressive", 250 * time.Millisecond, 0.25, false},
		{"ludicrous", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := Default()
			cfg.Pursuit.PerformanceMode = tt.mode
			err := cfg.ApplyPerformanceMode()
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownPerformanceMode) {
					t.Errorf("Expected ErrUnknownPerformanceMode, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyPerformanceMode failed: %v", err)
			}
			if cfg.Scheduler.DetectionInterval != tt.wantInterval || cfg.Detection.ConfidenceThreshold != tt.wantTh {
				t.Errorf("Got interval=%v threshold=%v", cfg.Scheduler.DetectionInterval, cfg.Detection.ConfidenceThreshold)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"explosion above pursue", func(c *Config) { c.Pursuit.ExplosionDistance = 250 }},
		{"zero explosion", func(c *Config) { c.Pursuit.ExplosionDistance = 0 }},
		{"pursue beyond max", func(c *Config) { c.Pursuit.PursueDistance = 400 }},
		{"zero bark distance", func(c *Config) { c.Pursuit.BarkDistance = 0 }},
		{"inverted distance range", func(c *Config) { c.Pursuit.DistanceMin = 1000 }},
		{"zero movement interval", func(c *Config) { c.Pursuit.MovementInterval = 0 }},
		{"zero tick", func(c *Config) { c.Scheduler.Tick = 0 }},
		{"threshold above one", func(c *Config) { c.Detection.ConfidenceThreshold = 1.5 }},
		{"zero sensor interval", func(c *Config) { c.Agent.SensorInterval = 0 }},
		{"negative control interval", func(c *Config) { c.Agent.ControlInterval = -time.Second }},
		{"zero reconnect interval", func(c *Config) { c.Agent.ReconnectInterval = 0 }},
		{"zero flush interval", func(c *Config) { c.Storage.FlushInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
