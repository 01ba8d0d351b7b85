package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	SensorReal       = "real"
	SensorSimulation = "simulation"

	// NumChannels is the number of scanner channels in use.
	NumChannels = 3

	// MaxIntervalSeconds is one week, the longest pause between rounds.
	MaxIntervalSeconds = 7 * 24 * 60 * 60
)

type MQTTConfig struct {
	Server            string `json:"server"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	ClientID          string `json:"client_id"`
	StateTopic        string `json:"state_topic"`
	DiscoveryTopic    string `json:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty"`
	Unit              string `json:"unit,omitempty"`
}

type OutputConfig struct {
	Type string      `json:"type"`
	MQTT *MQTTConfig `json:"mqtt,omitempty"`
}

// SerialConfig selects the meter's port. With Port empty the first
// enumerated port matching VID/PID is used.
type SerialConfig struct {
	Port string `json:"port"`
	VID  string `json:"vid,omitempty"`
	PID  string `json:"pid,omitempty"`
}

type ChannelConfig struct {
	Channel           int      `json:"channel"`
	Sink              string   `json:"sink"`
	ReferenceWeight   *float64 `json:"reference_weight"`
	CalibrationFactor float64  `json:"calibration_factor"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type Config struct {
	Serial              SerialConfig    `json:"serial"`
	SensorType          string          `json:"sensor_type"`
	Channels            []ChannelConfig `json:"channels"`
	UnitScale           float64         `json:"unit_scale"`
	RecordLayout        string          `json:"record_layout"`
	SkipUnweightedReads bool            `json:"skip_unweighted_reads"`
	SyncWrites          bool            `json:"sync_writes"`
	IntervalSeconds     float64         `json:"interval_seconds"`
	MinIntervalSeconds  float64         `json:"min_interval_seconds"`
	DataDir             string          `json:"data_dir"`
	HTTP                HTTPConfig      `json:"http"`
	Outputs             []OutputConfig  `json:"outputs"`
	Autostart           bool            `json:"autostart"`
}

// envConfig lists the variables that override the JSON file. Pointer
// fields distinguish unset from zero. Per-channel maps use "ch=value" pairs
// separated by commas, e.g. K2000_WEIGHTS=1=10.5,3=5.
type envConfig struct {
	SerialPort          string          `env:"K2000_SERIAL_PORT"`
	SensorType          string          `env:"K2000_SENSOR_TYPE"`
	DataDir             string          `env:"K2000_DATA_DIR"`
	HTTPAddr            string          `env:"K2000_HTTP_ADDR"`
	RecordLayout        string          `env:"K2000_RECORD_LAYOUT"`
	Interval            *float64        `env:"K2000_INTERVAL_SECONDS"`
	MinInterval         *float64        `env:"K2000_MIN_INTERVAL_SECONDS"`
	UnitScale           *float64        `env:"K2000_UNIT_SCALE"`
	SkipUnweightedReads *bool           `env:"K2000_SKIP_UNWEIGHTED_READS"`
	SyncWrites          *bool           `env:"K2000_SYNC_WRITES"`
	Autostart           *bool           `env:"K2000_AUTOSTART"`
	Weights             map[int]float64 `env:"K2000_WEIGHTS" envKeyValSeparator:"="`
	Sinks               map[int]string  `env:"K2000_SINKS" envKeyValSeparator:"="`
	Factors             map[int]float64 `env:"K2000_FACTORS" envKeyValSeparator:"="`
	MQTTServer          string          `env:"K2000_MQTT_SERVER"`
	MQTTUser            string          `env:"K2000_MQTT_USER"`
	MQTTPass            string          `env:"K2000_MQTT_PASS"`
}

func DefaultConfig() Config {
	return defaultConfigAt(time.Now())
}

func defaultConfigAt(now time.Time) Config {
	day := now.Format("2006-01-02")
	channels := make([]ChannelConfig, 0, NumChannels)
	for ch := 1; ch <= NumChannels; ch++ {
		channels = append(channels, ChannelConfig{
			Channel:           ch,
			Sink:              fmt.Sprintf("%s-%d.csv", day, ch),
			CalibrationFactor: 1.0,
		})
	}
	return Config{
		SensorType:         SensorReal,
		Channels:           channels,
		UnitScale:          1.0,
		RecordLayout:       "minimal",
		IntervalSeconds:    20,
		MinIntervalSeconds: 20,
		DataDir:            "data",
		HTTP:               HTTPConfig{Addr: ":8050"},
		Outputs:            []OutputConfig{{Type: "console"}},
	}
}

// LoadFromFlags loads configuration from a JSON file (optional), the
// environment and the process flags, in increasing order of precedence.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:])
}

func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("k2000-logger", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON config file")
	flagPort := fs.String("serial-port", "", "Serial port of the meter (empty: discover)")
	flagVID := fs.String("serial-vid", "", "USB vendor id filter for port discovery")
	flagPID := fs.String("serial-pid", "", "USB product id filter for port discovery")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagWeights := fs.String("weights", "", "Reference weights per channel e.g. 1=10.5,3=5")
	flagSinks := fs.String("sinks", "", "Sink file per channel e.g. 1=a.csv,2=b.csv")
	flagFactors := fs.String("factors", "", "Calibration factor per channel e.g. 1=1.02,2=0.98")
	flagUnitScale := fs.Float64("unit-scale", math.NaN(), "Scale applied after calibration (1 or 1000)")
	flagLayout := fs.String("record-layout", "", "Record layout: minimal|audit")
	flagSkip := fs.Bool("skip-unweighted-reads", false, "Do not read channels without a reference weight")
	flagSync := fs.Bool("sync-writes", false, "fsync every appended record")
	flagInterval := fs.Float64("interval", -1, "Seconds between scan rounds")
	flagMinInterval := fs.Float64("min-interval", -1, "Smallest accepted interval in seconds")
	flagDataDir := fs.String("data-dir", "", "Directory holding the sink files")
	flagHTTPAddr := fs.String("http-addr", "", "Listen address of the HTTP API")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic, %d is replaced by the channel")
	flagAutostart := fs.Bool("autostart", false, "Start acquisition at launch")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := DefaultConfig()

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		defaults := cfg.Channels
		cfg.Channels = nil
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		cfg.mergeChannels(defaults)
	}

	var ev envConfig
	if err := env.Parse(&ev); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyEnv(ev)

	if *flagPort != "" {
		cfg.Serial.Port = *flagPort
	}
	if *flagVID != "" {
		cfg.Serial.VID = *flagVID
	}
	if *flagPID != "" {
		cfg.Serial.PID = *flagPID
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagWeights != "" {
		m, err := parseKeyFloatMap(*flagWeights)
		if err != nil {
			return cfg, fmt.Errorf("weights: %w", err)
		}
		cfg.applyWeights(m)
	}
	if *flagSinks != "" {
		m, err := parseKeyStringMap(*flagSinks)
		if err != nil {
			return cfg, fmt.Errorf("sinks: %w", err)
		}
		cfg.applySinks(m)
	}
	if *flagFactors != "" {
		m, err := parseKeyFloatMap(*flagFactors)
		if err != nil {
			return cfg, fmt.Errorf("factors: %w", err)
		}
		cfg.applyFactors(m)
	}
	if !math.IsNaN(*flagUnitScale) {
		cfg.UnitScale = *flagUnitScale
	}
	if *flagLayout != "" {
		cfg.RecordLayout = *flagLayout
	}
	if set["skip-unweighted-reads"] {
		cfg.SkipUnweightedReads = *flagSkip
	}
	if set["sync-writes"] {
		cfg.SyncWrites = *flagSync
	}
	if *flagInterval != -1 {
		cfg.IntervalSeconds = *flagInterval
	}
	if *flagMinInterval != -1 {
		cfg.MinIntervalSeconds = *flagMinInterval
	}
	if *flagDataDir != "" {
		cfg.DataDir = *flagDataDir
	}
	if *flagHTTPAddr != "" {
		cfg.HTTP.Addr = *flagHTTPAddr
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}
	cfg.applyMQTT(MQTTConfig{
		Server:     *flagMQTTServer,
		Username:   *flagMQTTUser,
		Password:   *flagMQTTPass,
		ClientID:   *flagClientID,
		StateTopic: *flagTopic,
	})
	if set["autostart"] {
		cfg.Autostart = *flagAutostart
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(ev envConfig) {
	if ev.SerialPort != "" {
		c.Serial.Port = ev.SerialPort
	}
	if ev.SensorType != "" {
		c.SensorType = ev.SensorType
	}
	if ev.DataDir != "" {
		c.DataDir = ev.DataDir
	}
	if ev.HTTPAddr != "" {
		c.HTTP.Addr = ev.HTTPAddr
	}
	if ev.RecordLayout != "" {
		c.RecordLayout = ev.RecordLayout
	}
	if ev.Interval != nil {
		c.IntervalSeconds = *ev.Interval
	}
	if ev.MinInterval != nil {
		c.MinIntervalSeconds = *ev.MinInterval
	}
	if ev.UnitScale != nil {
		c.UnitScale = *ev.UnitScale
	}
	if ev.SkipUnweightedReads != nil {
		c.SkipUnweightedReads = *ev.SkipUnweightedReads
	}
	if ev.SyncWrites != nil {
		c.SyncWrites = *ev.SyncWrites
	}
	if ev.Autostart != nil {
		c.Autostart = *ev.Autostart
	}
	c.applyWeights(ev.Weights)
	c.applySinks(ev.Sinks)
	c.applyFactors(ev.Factors)
	c.applyMQTT(MQTTConfig{Server: ev.MQTTServer, Username: ev.MQTTUser, Password: ev.MQTTPass})
}

func (c *Config) applyWeights(m map[int]float64) {
	for ch, v := range m {
		w := v
		c.channel(ch).ReferenceWeight = &w
	}
}

func (c *Config) applySinks(m map[int]string) {
	for ch, v := range m {
		c.channel(ch).Sink = v
	}
}

func (c *Config) applyFactors(m map[int]float64) {
	for ch, v := range m {
		c.channel(ch).CalibrationFactor = v
	}
}

// applyMQTT copies the non-empty fields of m into every mqtt output,
// creating one if none exists.
func (c *Config) applyMQTT(m MQTTConfig) {
	if m == (MQTTConfig{}) {
		return
	}
	apply := func(dst *MQTTConfig) {
		if m.Server != "" {
			dst.Server = m.Server
		}
		if m.Username != "" {
			dst.Username = m.Username
		}
		if m.Password != "" {
			dst.Password = m.Password
		}
		if m.ClientID != "" {
			dst.ClientID = m.ClientID
		}
		if m.StateTopic != "" {
			dst.StateTopic = m.StateTopic
		}
	}
	applied := false
	for i := range c.Outputs {
		if strings.ToLower(c.Outputs[i].Type) == "mqtt" {
			if c.Outputs[i].MQTT == nil {
				c.Outputs[i].MQTT = &MQTTConfig{}
			}
			apply(c.Outputs[i].MQTT)
			applied = true
		}
	}
	if !applied {
		out := OutputConfig{Type: "mqtt", MQTT: &MQTTConfig{}}
		apply(out.MQTT)
		c.Outputs = append(c.Outputs, out)
	}
}

// mergeChannels fills sinks and factors left out of the file.
func (c *Config) mergeChannels(defaults []ChannelConfig) {
	for _, d := range defaults {
		ch := c.channel(d.Channel)
		if ch.Sink == "" {
			ch.Sink = d.Sink
		}
		if ch.CalibrationFactor == 0 {
			ch.CalibrationFactor = d.CalibrationFactor
		}
	}
}

// channel returns the entry for ch, appending one if the config has none.
func (c *Config) channel(ch int) *ChannelConfig {
	for i := range c.Channels {
		if c.Channels[i].Channel == ch {
			return &c.Channels[i]
		}
	}
	c.Channels = append(c.Channels, ChannelConfig{Channel: ch, CalibrationFactor: 1.0})
	return &c.Channels[len(c.Channels)-1]
}

// ChannelTable returns the channels indexed by number-1. Channels missing
// from the config get factor 1 and no sink.
func (c Config) ChannelTable() [NumChannels]ChannelConfig {
	var out [NumChannels]ChannelConfig
	for i := range out {
		out[i] = ChannelConfig{Channel: i + 1, CalibrationFactor: 1.0}
	}
	for _, ch := range c.Channels {
		if ch.Channel >= 1 && ch.Channel <= NumChannels {
			out[ch.Channel-1] = ch
		}
	}
	return out
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

func (c Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds * float64(time.Second))
}

func (c Config) Validate() error {
	var errs []error
	switch c.SensorType {
	case SensorReal, SensorSimulation:
	default:
		errs = append(errs, fmt.Errorf("sensor-type must be %s or %s, got %q", SensorReal, SensorSimulation, c.SensorType))
	}
	seen := map[int]bool{}
	for _, ch := range c.Channels {
		if ch.Channel < 1 || ch.Channel > NumChannels {
			errs = append(errs, fmt.Errorf("channel %d out of range 1..%d", ch.Channel, NumChannels))
		}
		if seen[ch.Channel] {
			errs = append(errs, fmt.Errorf("channel %d configured twice", ch.Channel))
		}
		seen[ch.Channel] = true
	}
	if c.UnitScale <= 0 {
		errs = append(errs, errors.New("unit-scale must be > 0"))
	}
	switch strings.ToLower(c.RecordLayout) {
	case "", "minimal", "audit":
	default:
		errs = append(errs, fmt.Errorf("record-layout must be minimal or audit, got %q", c.RecordLayout))
	}
	if c.MinIntervalSeconds < 0 {
		errs = append(errs, errors.New("min-interval must be >= 0"))
	}
	if c.IntervalSeconds > MaxIntervalSeconds {
		errs = append(errs, fmt.Errorf("interval %gs above maximum %ds", c.IntervalSeconds, MaxIntervalSeconds))
	}
	if c.IntervalSeconds < c.MinIntervalSeconds {
		errs = append(errs, fmt.Errorf("interval %gs below minimum %gs", c.IntervalSeconds, c.MinIntervalSeconds))
	}
	return errors.Join(errs...)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func splitKeyValues(s string, fn func(key int, value string) error) error {
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid entry %q, want channel=value", p)
		}
		k, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return fmt.Errorf("invalid channel %q: %w", kv[0], err)
		}
		if err := fn(k, strings.TrimSpace(kv[1])); err != nil {
			return err
		}
	}
	return nil
}

func parseKeyFloatMap(s string) (map[int]float64, error) {
	out := map[int]float64{}
	err := splitKeyValues(s, func(k int, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid value %q for channel %d: %w", v, k, err)
		}
		out[k] = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyStringMap(s string) (map[int]string, error) {
	out := map[int]string{}
	err := splitKeyValues(s, func(k int, v string) error {
		if v == "" {
			return fmt.Errorf("empty value for channel %d", k)
		}
		out[k] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
