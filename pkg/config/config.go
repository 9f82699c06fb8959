package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ADC driver selections.
const (
	DriverHX711  = "hx711"
	DriverBridge = "bridge"
	DriverSim    = "sim"
)

// Config represents the grinder configuration.
type Config struct {
	ADC      ADCConfig      `yaml:"adc"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Sample   SampleConfig   `yaml:"sample"`
	Motor    MotorConfig    `yaml:"motor"`
	Grind    GrindConfig    `yaml:"grind"`
	Autotune AutotuneConfig `yaml:"autotune"`
	Sim      SimConfig      `yaml:"sim"`
	Logging  LoggingConfig  `yaml:"logging"`
	Meter    MeterConfig    `yaml:"meter"`
	API      APIConfig      `yaml:"api"`
	Prefs    PrefsConfig    `yaml:"prefs"`
	Profiles []Profile      `yaml:"profiles"`
}

// ADCConfig selects and configures the load cell ADC.
type ADCConfig struct {
	Driver     string `yaml:"driver"`      // hx711, bridge or sim
	SampleRate int    `yaml:"sample_rate"` // Conversions per second
	Gain       int    `yaml:"gain"`        // 128, 64 or 32
	SCKPin     string `yaml:"sck_pin"`     // periph.io pin name
	DOUTPin    string `yaml:"dout_pin"`    // periph.io pin name
}

// Interval returns the conversion period.
func (c ADCConfig) Interval() time.Duration {
	if c.SampleRate <= 0 {
		return 100 * time.Millisecond
	}
	return time.Second / time.Duration(c.SampleRate)
}

// BridgeConfig contains the serial bridge firmware link configuration.
type BridgeConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// SampleConfig contains sample pipeline parameters.
type SampleConfig struct {
	RingCapacity       int           `yaml:"ring_capacity"`
	LowLatencyWindow   time.Duration `yaml:"low_latency_window"`
	DisplayWindow      time.Duration `yaml:"display_window"`
	HighLatencyWindow  time.Duration `yaml:"high_latency_window"`
	DisplayDeadbandG   float32       `yaml:"display_deadband_g"`
	DisplayDownAlpha   float32       `yaml:"display_down_alpha"`
	SettlingToleranceG float32       `yaml:"settling_tolerance_g"` // Peak-to-peak bound for settled
	SettlingTimeout    time.Duration `yaml:"settling_timeout"`
	TareWindow         time.Duration `yaml:"tare_window"`
	TareTimeout        time.Duration `yaml:"tare_timeout"`
	CalibrationWindow  time.Duration `yaml:"calibration_window"`
	CalibrationTimeout time.Duration `yaml:"calibration_timeout"`
	DefaultScale       float32       `yaml:"default_scale"`      // Raw counts per gram
	ReferenceWeightG   float32       `yaml:"reference_weight_g"` // Expected calibration mass
}

// MotorConfig contains motor relay parameters.
type MotorConfig struct {
	Pin              string        `yaml:"pin"`
	HardwareMinPulse time.Duration `yaml:"hardware_min_pulse"`
	MaxPulse         time.Duration `yaml:"max_pulse"`
	SettlingTime     time.Duration `yaml:"settling_time"` // Startup transient immunity
}

// GrindConfig contains grind controller parameters.
type GrindConfig struct {
	ToleranceG          float32       `yaml:"tolerance_g"`
	MaxPulseAttempts    int           `yaml:"max_pulse_attempts"`
	Timeout             time.Duration `yaml:"timeout"`
	UndershootG         float32       `yaml:"undershoot_g"` // Initial stop-target margin
	LatencyToCoastRatio float32       `yaml:"latency_to_coast_ratio"` // Coast margin relative to the latency mass
	FlowDetectionGPS    float32       `yaml:"flow_detection_gps"`
	FlowDetectionWindow time.Duration `yaml:"flow_detection_window"`
	FlowWindow          time.Duration `yaml:"flow_window"`
	PulseFlowWindow     time.Duration `yaml:"pulse_flow_window"`
	MinPulse            time.Duration `yaml:"min_pulse"`
	MaxPulse            time.Duration `yaml:"max_pulse"`
	MotorSettling       time.Duration `yaml:"motor_settling"`
	PrecisionSettling   time.Duration `yaml:"precision_settling"`
	FlowMinSaneGPS      float32       `yaml:"flow_min_sane_gps"`
	FlowMaxSaneGPS      float32       `yaml:"flow_max_sane_gps"`
	FlowReferenceGPS    float32       `yaml:"flow_reference_gps"`
	MotorLatency        time.Duration `yaml:"motor_latency"`
	LatencyMin          time.Duration `yaml:"latency_min"`
	LatencyMax          time.Duration `yaml:"latency_max"`
	FailsafeWeightG     float32       `yaml:"failsafe_weight_g"`
	NoWeightThresholdG  float32       `yaml:"no_weight_threshold_g"`
	TimePulse           time.Duration `yaml:"time_pulse"`
	EventQueueSize      int           `yaml:"event_queue_size"`
	LogEveryNTicks      int           `yaml:"log_every_n_ticks"`
	Tick                time.Duration `yaml:"tick"`
	MechanicalDropG     float32       `yaml:"mechanical_drop_g"`
	MechanicalCooldown  time.Duration `yaml:"mechanical_cooldown"`
	MechanicalEvents    int           `yaml:"mechanical_events"`
}

// AutotuneConfig contains motor latency auto-tune parameters.
type AutotuneConfig struct {
	PrimingPulse          time.Duration `yaml:"priming_pulse"`
	TargetAccuracy        time.Duration `yaml:"target_accuracy"` // Search stops when the step is this small
	SuccessRate           float32       `yaml:"success_rate"`
	VerificationPulses    int           `yaml:"verification_pulses"`
	MaxVerificationRounds int           `yaml:"max_verification_rounds"`
	MaxIterations         int           `yaml:"max_iterations"`
	DetectThresholdG      float32       `yaml:"detect_threshold_g"`
	CollectionDelay       time.Duration `yaml:"collection_delay"`
	SettleTimeout         time.Duration `yaml:"settle_timeout"`
	LogPath               string        `yaml:"log_path"`
}

// SimConfig contains simulated ADC parameters.
type SimConfig struct {
	FlowGPS           float32       `yaml:"flow_gps"`
	StartDelay        time.Duration `yaml:"start_delay"` // Motor start to first grounds
	StopDelay         time.Duration `yaml:"stop_delay"`  // Full-rate flow after motor stop
	Ramp              time.Duration `yaml:"ramp"`        // Linear flow ramp up and down
	MinEffectivePulse time.Duration `yaml:"min_effective_pulse"`
	IdleNoise         float32       `yaml:"idle_noise"`  // Raw counts, standard deviation
	GrindNoise        float32       `yaml:"grind_noise"` // Raw counts, standard deviation
	BaselineRaw       int32         `yaml:"baseline_raw"`
	Scale             float32       `yaml:"scale"`
	Seed              int64         `yaml:"seed"`
}

// LoggingConfig contains session log persistence parameters.
type LoggingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	MaxSessions int    `yaml:"max_sessions"`
	QueueSize   int    `yaml:"queue_size"`
	MaxEvents   int    `yaml:"max_events"`
}

// MeterConfig contains live flow monitor parameters.
type MeterConfig struct {
	Window           time.Duration `yaml:"window"`             // History kept for display
	FlowThresholdGPS float64       `yaml:"flow_threshold_gps"` // Flow that counts as dispensing
	MinBurst         time.Duration `yaml:"min_burst"`          // Shorter bursts are noise
}

// APIConfig contains HTTP API parameters.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// PrefsConfig contains the preferences store location.
type PrefsConfig struct {
	Path string `yaml:"path"`
}

// Profile is a named grind preset. Time is used for time-mode grinds.
type Profile struct {
	Name    string        `yaml:"name"`
	WeightG float32       `yaml:"weight_g"`
	Time    time.Duration `yaml:"time"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		ADC: ADCConfig{
			Driver:     DriverHX711,
			SampleRate: 10,
			Gain:       128,
			SCKPin:     "GPIO2",
			DOUTPin:    "GPIO3",
		},
		Bridge: BridgeConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
		},
		Sample: SampleConfig{
			RingCapacity:       1024,
			LowLatencyWindow:   100 * time.Millisecond,
			DisplayWindow:      300 * time.Millisecond,
			HighLatencyWindow:  500 * time.Millisecond,
			DisplayDeadbandG:   0.014,
			DisplayDownAlpha:   0.9,
			SettlingToleranceG: 0.010,
			SettlingTimeout:    10 * time.Second,
			TareWindow:         500 * time.Millisecond,
			TareTimeout:        3 * time.Second,
			CalibrationWindow:  800 * time.Millisecond,
			CalibrationTimeout: 2 * time.Second,
			DefaultScale:       -7050,
			ReferenceWeightG:   100,
		},
		Motor: MotorConfig{
			Pin:              "GPIO18",
			HardwareMinPulse: 5 * time.Millisecond,
			MaxPulse:         time.Second,
			SettlingTime:     500 * time.Millisecond,
		},
		Grind: GrindConfig{
			ToleranceG:          0.03,
			MaxPulseAttempts:    10,
			Timeout:             30 * time.Second,
			UndershootG:         1.0,
			LatencyToCoastRatio: 0.2,
			FlowDetectionGPS:    0.5,
			FlowDetectionWindow: 500 * time.Millisecond,
			FlowWindow:          time.Second,
			PulseFlowWindow:     2500 * time.Millisecond,
			MinPulse:            75 * time.Millisecond,
			MaxPulse:            300 * time.Millisecond,
			MotorSettling:       200 * time.Millisecond,
			PrecisionSettling:   500 * time.Millisecond,
			FlowMinSaneGPS:      1.0,
			FlowMaxSaneGPS:      3.0,
			FlowReferenceGPS:    1.5,
			MotorLatency:        75 * time.Millisecond,
			LatencyMin:          30 * time.Millisecond,
			LatencyMax:          200 * time.Millisecond,
			FailsafeWeightG:     -1.0,
			NoWeightThresholdG:  0.2,
			TimePulse:           100 * time.Millisecond,
			EventQueueSize:      10,
			LogEveryNTicks:      1,
			Tick:                10 * time.Millisecond,
			MechanicalDropG:     0.4,
			MechanicalCooldown:  200 * time.Millisecond,
			MechanicalEvents:    3,
		},
		Autotune: AutotuneConfig{
			PrimingPulse:          500 * time.Millisecond,
			TargetAccuracy:        5 * time.Millisecond,
			SuccessRate:           0.8,
			VerificationPulses:    5,
			MaxVerificationRounds: 5,
			MaxIterations:         50,
			DetectThresholdG:      0.010,
			CollectionDelay:       1500 * time.Millisecond,
			SettleTimeout:         5 * time.Second,
			LogPath:               "autotune.log",
		},
		Sim: SimConfig{
			FlowGPS:           1.9,
			StartDelay:        500 * time.Millisecond,
			StopDelay:         400 * time.Millisecond,
			Ramp:              350 * time.Millisecond,
			MinEffectivePulse: 42 * time.Millisecond,
			IdleNoise:         10,
			GrindNoise:        150,
			BaselineRaw:       0x700000,
			Scale:             -7050,
			Seed:              1,
		},
		Logging: LoggingConfig{
			Enabled:     true,
			Dir:         "sessions",
			MaxSessions: 10,
			QueueSize:   5,
			MaxEvents:   50,
		},
		Meter: MeterConfig{
			Window:           10 * time.Second,
			FlowThresholdGPS: 0.3,
			MinBurst:         150 * time.Millisecond,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Prefs: PrefsConfig{
			Path: "prefs.yaml",
		},
		Profiles: []Profile{
			{Name: "Single", WeightG: 9, Time: 5 * time.Second},
			{Name: "Double", WeightG: 18, Time: 10 * time.Second},
			{Name: "Custom", WeightG: 21.5, Time: 12 * time.Second},
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports settings that would break the control loop.
func (c *Config) Validate() error {
	var errs []error
	if c.ADC.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("adc.sample_rate must be positive, got %d", c.ADC.SampleRate))
	}
	if c.Sample.DefaultScale == 0 {
		errs = append(errs, errors.New("sample.default_scale must be non-zero"))
	}
	if c.Grind.MinPulse > c.Grind.MaxPulse {
		errs = append(errs, fmt.Errorf("grind.min_pulse %v exceeds grind.max_pulse %v", c.Grind.MinPulse, c.Grind.MaxPulse))
	}
	if c.Grind.LatencyMin > c.Grind.LatencyMax {
		errs = append(errs, fmt.Errorf("grind.latency_min %v exceeds grind.latency_max %v", c.Grind.LatencyMin, c.Grind.LatencyMax))
	}
	if c.Grind.ToleranceG <= 0 {
		errs = append(errs, fmt.Errorf("grind.tolerance_g must be positive, got %v", c.Grind.ToleranceG))
	}
	switch c.ADC.Driver {
	case DriverHX711, DriverBridge, DriverSim:
	default:
		errs = append(errs, fmt.Errorf("unknown adc.driver %q", c.ADC.Driver))
	}
	return errors.Join(errs...)
}

// Profile returns the profile with the given index.
func (c *Config) Profile(id int) (Profile, bool) {
	if id < 0 || id >= len(c.Profiles) {
		return Profile{}, false
	}
	return c.Profiles[id], true
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	orDefault(&c.ADC.Driver, def.ADC.Driver)
	orDefault(&c.ADC.SampleRate, def.ADC.SampleRate)
	orDefault(&c.ADC.Gain, def.ADC.Gain)
	orDefault(&c.ADC.SCKPin, def.ADC.SCKPin)
	orDefault(&c.ADC.DOUTPin, def.ADC.DOUTPin)

	orDefault(&c.Bridge.Port, def.Bridge.Port)
	orDefault(&c.Bridge.BaudRate, def.Bridge.BaudRate)

	s, ds := &c.Sample, &def.Sample
	orDefault(&s.RingCapacity, ds.RingCapacity)
	orDefault(&s.LowLatencyWindow, ds.LowLatencyWindow)
	orDefault(&s.DisplayWindow, ds.DisplayWindow)
	orDefault(&s.HighLatencyWindow, ds.HighLatencyWindow)
	orDefault(&s.DisplayDeadbandG, ds.DisplayDeadbandG)
	orDefault(&s.DisplayDownAlpha, ds.DisplayDownAlpha)
	orDefault(&s.SettlingToleranceG, ds.SettlingToleranceG)
	orDefault(&s.SettlingTimeout, ds.SettlingTimeout)
	orDefault(&s.TareWindow, ds.TareWindow)
	orDefault(&s.TareTimeout, ds.TareTimeout)
	orDefault(&s.CalibrationWindow, ds.CalibrationWindow)
	orDefault(&s.CalibrationTimeout, ds.CalibrationTimeout)
	orDefault(&s.DefaultScale, ds.DefaultScale)
	orDefault(&s.ReferenceWeightG, ds.ReferenceWeightG)

	orDefault(&c.Motor.Pin, def.Motor.Pin)
	orDefault(&c.Motor.HardwareMinPulse, def.Motor.HardwareMinPulse)
	orDefault(&c.Motor.MaxPulse, def.Motor.MaxPulse)
	orDefault(&c.Motor.SettlingTime, def.Motor.SettlingTime)

	g, dg := &c.Grind, &def.Grind
	orDefault(&g.ToleranceG, dg.ToleranceG)
	orDefault(&g.MaxPulseAttempts, dg.MaxPulseAttempts)
	orDefault(&g.Timeout, dg.Timeout)
	orDefault(&g.UndershootG, dg.UndershootG)
	orDefault(&g.LatencyToCoastRatio, dg.LatencyToCoastRatio)
	orDefault(&g.FlowDetectionGPS, dg.FlowDetectionGPS)
	orDefault(&g.FlowDetectionWindow, dg.FlowDetectionWindow)
	orDefault(&g.FlowWindow, dg.FlowWindow)
	orDefault(&g.PulseFlowWindow, dg.PulseFlowWindow)
	orDefault(&g.MinPulse, dg.MinPulse)
	orDefault(&g.MaxPulse, dg.MaxPulse)
	orDefault(&g.MotorSettling, dg.MotorSettling)
	orDefault(&g.PrecisionSettling, dg.PrecisionSettling)
	orDefault(&g.FlowMinSaneGPS, dg.FlowMinSaneGPS)
	orDefault(&g.FlowMaxSaneGPS, dg.FlowMaxSaneGPS)
	orDefault(&g.FlowReferenceGPS, dg.FlowReferenceGPS)
	orDefault(&g.MotorLatency, dg.MotorLatency)
	orDefault(&g.LatencyMin, dg.LatencyMin)
	orDefault(&g.LatencyMax, dg.LatencyMax)
	orDefault(&g.FailsafeWeightG, dg.FailsafeWeightG)
	orDefault(&g.NoWeightThresholdG, dg.NoWeightThresholdG)
	orDefault(&g.TimePulse, dg.TimePulse)
	orDefault(&g.EventQueueSize, dg.EventQueueSize)
	orDefault(&g.LogEveryNTicks, dg.LogEveryNTicks)
	orDefault(&g.Tick, dg.Tick)
	orDefault(&g.MechanicalDropG, dg.MechanicalDropG)
	orDefault(&g.MechanicalCooldown, dg.MechanicalCooldown)
	orDefault(&g.MechanicalEvents, dg.MechanicalEvents)

	a, da := &c.Autotune, &def.Autotune
	orDefault(&a.PrimingPulse, da.PrimingPulse)
	orDefault(&a.TargetAccuracy, da.TargetAccuracy)
	orDefault(&a.SuccessRate, da.SuccessRate)
	orDefault(&a.VerificationPulses, da.VerificationPulses)
	orDefault(&a.MaxVerificationRounds, da.MaxVerificationRounds)
	orDefault(&a.MaxIterations, da.MaxIterations)
	orDefault(&a.DetectThresholdG, da.DetectThresholdG)
	orDefault(&a.CollectionDelay, da.CollectionDelay)
	orDefault(&a.SettleTimeout, da.SettleTimeout)
	orDefault(&a.LogPath, da.LogPath)

	orDefault(&c.Sim.BaselineRaw, def.Sim.BaselineRaw)
	orDefault(&c.Sim.Scale, def.Sim.Scale)

	orDefault(&c.Logging.Dir, def.Logging.Dir)
	orDefault(&c.Logging.MaxSessions, def.Logging.MaxSessions)
	orDefault(&c.Logging.QueueSize, def.Logging.QueueSize)
	orDefault(&c.Logging.MaxEvents, def.Logging.MaxEvents)

	orDefault(&c.Meter.Window, def.Meter.Window)
	orDefault(&c.Meter.FlowThresholdGPS, def.Meter.FlowThresholdGPS)
	orDefault(&c.Meter.MinBurst, def.Meter.MinBurst)

	orDefault(&c.API.Addr, def.API.Addr)
	orDefault(&c.Prefs.Path, def.Prefs.Path)

	if len(c.Profiles) == 0 {
		c.Profiles = def.Profiles
	}
}

func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}
