package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, DriverHX711, cfg.ADC.Driver)
	assert.Equal(t, 10, cfg.ADC.SampleRate)
	assert.Equal(t, 100*time.Millisecond, cfg.ADC.Interval())
	assert.Equal(t, float32(0.03), cfg.Grind.ToleranceG)
	assert.Equal(t, 10, cfg.Grind.MaxPulseAttempts)
	assert.Equal(t, 30*time.Second, cfg.Grind.Timeout)
	assert.Equal(t, float32(1.0), cfg.Grind.UndershootG)
	assert.Equal(t, float32(0.010), cfg.Sample.SettlingToleranceG)
	assert.Equal(t, float32(-7050), cfg.Sample.DefaultScale)
	assert.Equal(t, float32(100), cfg.Sample.ReferenceWeightG)
	assert.Equal(t, 75*time.Millisecond, cfg.Grind.MinPulse)
	assert.Equal(t, 300*time.Millisecond, cfg.Grind.MaxPulse)
	assert.Equal(t, 75*time.Millisecond, cfg.Grind.MotorLatency)
	assert.Equal(t, 50, cfg.Autotune.MaxIterations)
	assert.Equal(t, 5, cfg.Autotune.VerificationPulses)
	assert.True(t, cfg.Logging.Enabled)
	assert.Len(t, cfg.Profiles, 3)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, DriverHX711, cfg.ADC.Driver)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
adc:
  driver: sim
  sample_rate: 20

grind:
  tolerance_g: 0.1
  timeout: 15s
  min_pulse: 50ms

sim:
  flow_gps: 1.5
  min_effective_pulse: 0s

profiles:
  - name: Espresso
    weight_g: 18
    time: 9s
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, DriverSim, cfg.ADC.Driver)
	assert.Equal(t, 50*time.Millisecond, cfg.ADC.Interval())
	assert.Equal(t, float32(0.1), cfg.Grind.ToleranceG)
	assert.Equal(t, 15*time.Second, cfg.Grind.Timeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Grind.MinPulse)
	assert.Equal(t, float32(1.5), cfg.Sim.FlowGPS)
	assert.Equal(t, time.Duration(0), cfg.Sim.MinEffectivePulse)
	require.Len(t, cfg.Profiles, 1)
	assert.Equal(t, "Espresso", cfg.Profiles[0].Name)
	assert.Equal(t, 9*time.Second, cfg.Profiles[0].Time)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
bridge:
  port: "/dev/ttyUSB1"
grind:
  max_pulse_attempts: 0
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing and zeroed fields
	assert.Equal(t, "/dev/ttyUSB1", cfg.Bridge.Port)
	assert.Equal(t, 115200, cfg.Bridge.BaudRate)
	assert.Equal(t, 10, cfg.Grind.MaxPulseAttempts)
	assert.Equal(t, 1024, cfg.Sample.RingCapacity)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Bridge.Port = "/dev/ttyUSB0"
	cfg.Grind.MotorLatency = 120 * time.Millisecond

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Bridge.Port)
	assert.Equal(t, 120*time.Millisecond, loaded.Grind.MotorLatency)
	assert.Equal(t, cfg.Sample, loaded.Sample)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero scale", func(c *Config) { c.Sample.DefaultScale = 0 }, false},
		{"inverted pulse bounds", func(c *Config) { c.Grind.MinPulse = time.Second }, false},
		{"inverted latency bounds", func(c *Config) { c.Grind.LatencyMin = time.Second }, false},
		{"unknown driver", func(c *Config) { c.ADC.Driver = "spi" }, false},
		{"negative tolerance", func(c *Config) { c.Grind.ToleranceG = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestConfig_Profile(t *testing.T) {
	cfg := Default()

	p, ok := cfg.Profile(1)
	require.True(t, ok)
	assert.Equal(t, "Double", p.Name)
	assert.Equal(t, float32(18), p.WeightG)

	_, ok = cfg.Profile(7)
	assert.False(t, ok)
	_, ok = cfg.Profile(-1)
	assert.False(t, ok)
}
