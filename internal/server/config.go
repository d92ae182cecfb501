package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/serialscope/internal/channel"
	"github.com/shaunagostinho/serialscope/internal/convert"
	"github.com/shaunagostinho/serialscope/internal/ingest"
	"github.com/shaunagostinho/serialscope/internal/logger"
	"github.com/shaunagostinho/serialscope/internal/protocol"
	"github.com/shaunagostinho/serialscope/internal/serialport"
)

const defaultConfigPath = "config.yaml"

// Config holds all application configuration.
type Config struct {
	mu sync.RWMutex

	Serial   serialport.Config `yaml:"serial" json:"serial"`
	Protocol ProtocolConfig    `yaml:"protocol" json:"protocol"`
	Channels []ChannelConfig   `yaml:"channels" json:"channels"`
	Display  DisplayConfig     `yaml:"display" json:"display"`
	Logging  logger.Config     `yaml:"logging" json:"logging"`
	Server   ServerConfig      `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ProtocolConfig struct {
	Name        string            `yaml:"name" json:"name"`         // FireWater, JustFloat, RawData, CSV, Custom
	Channels    int               `yaml:"channels" json:"channels"` // FireWater, JustFloat, CSV
	Types       []string          `yaml:"types" json:"types"`       // RawData layout, e.g. [float, int16]
	DrainChunks bool              `yaml:"drain_chunks" json:"drainChunks"`
	QueueSize   int               `yaml:"queue_size" json:"queueSize"`
	Custom      CustomFrameConfig `yaml:"custom" json:"custom"`
}

// CustomFrameConfig describes a user-defined frame. Header and Tail are hex
// strings such as "AA 55".
type CustomFrameConfig struct {
	Header      string   `yaml:"header" json:"header"`
	Tail        string   `yaml:"tail" json:"tail"`
	Types       []string `yaml:"types" json:"types"`
	BigEndian   bool     `yaml:"big_endian" json:"bigEndian"`
	UseChecksum bool     `yaml:"use_checksum" json:"useChecksum"`
}

type ChannelConfig struct {
	Name     string  `yaml:"name" json:"name"`
	Enabled  bool    `yaml:"enabled" json:"enabled"`
	Color    string  `yaml:"color" json:"color"` // #RRGGBB or #RRGGBBAA
	DataType string  `yaml:"data_type" json:"dataType"`
	Scale    float32 `yaml:"scale" json:"scale"`
	Offset   float32 `yaml:"offset" json:"offset"`
}

type DisplayConfig struct {
	MaxPoints   int  `yaml:"max_points" json:"maxPoints"`     // points per series sent to the UI
	RefreshHz   int  `yaml:"refresh_hz" json:"refreshHz"`     // plot broadcast rate
	HexTerminal bool `yaml:"hex_terminal" json:"hexTerminal"` // raw terminal shows hex instead of text
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	channels := make([]ChannelConfig, channel.MaxChannels)
	for i := range channels {
		def := channel.DefaultConfig(i)
		channels[i] = ChannelConfig{
			Name:     def.Name,
			Enabled:  i < 4,
			Color:    colorToHex(def.Color),
			DataType: def.DataType.String(),
			Scale:    def.Scale,
			Offset:   def.Offset,
		}
	}
	return &Config{
		Serial: serialport.Config{
			Type:     "demo",
			PortPath: "/dev/ttyUSB0",
			BaudRate: 115200,
			DataBits: 8,
			Parity:   "none",
			StopBits: "1",
		},
		Protocol: ProtocolConfig{
			Name:      protocol.KindFireWater.String(),
			Channels:  4,
			Types:     []string{"float", "float", "float", "float"},
			QueueSize: ingest.DefaultQueueSize,
			Custom: CustomFrameConfig{
				Header: "AA",
				Tail:   "7F",
				Types:  []string{"float", "float", "float", "float"},
			},
		},
		Channels: channels,
		Display: DisplayConfig{
			MaxPoints: 1000,
			RefreshHz: 30,
		},
		Logging: logger.Config{
			Enabled:     false,
			Path:        "./logs",
			IntervalMs:  0,
			TrafficPath: "",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		path: defaultConfigPath,
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	if path == "" {
		path = defaultConfigPath
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		log.Printf("[config] %v", err)
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SERIAL_TYPE, SERIAL_PORT, SERIAL_BAUD, PROTOCOL,
// PROTOCOL_CHANNELS, DRAIN_CHUNKS, LISTEN_ADDR, LOG_ENABLED, LOG_PATH,
// LOG_INTERVAL_MS, TRAFFIC_LOG
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERIAL_TYPE"); v != "" {
		c.Serial.Type = v
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("PROTOCOL"); v != "" {
		c.Protocol.Name = v
	}
	if v := os.Getenv("PROTOCOL_CHANNELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Protocol.Channels = n
		}
	}
	if v := os.Getenv("DRAIN_CHUNKS"); v != "" {
		c.Protocol.DrainChunks = truthy(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
	if v := os.Getenv("TRAFFIC_LOG"); v != "" {
		c.Logging.TrafficPath = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// normalize pads or trims the channel list to MaxChannels and fills zero
// values a partial YAML file leaves behind.
func (c *Config) normalize() {
	for len(c.Channels) < channel.MaxChannels {
		def := channel.DefaultConfig(len(c.Channels))
		c.Channels = append(c.Channels, ChannelConfig{
			Name:     def.Name,
			Color:    colorToHex(def.Color),
			DataType: def.DataType.String(),
			Scale:    def.Scale,
		})
	}
	c.Channels = c.Channels[:channel.MaxChannels]
	for i := range c.Channels {
		if c.Channels[i].Scale == 0 {
			c.Channels[i].Scale = 1
		}
	}
	if c.Display.MaxPoints <= 0 {
		c.Display.MaxPoints = 1000
	}
	if c.Display.RefreshHz <= 0 {
		c.Display.RefreshHz = 30
	}
}

// validate checks every field that later feeds a decoder or the store.
func (c *Config) validate() error {
	if _, err := protocol.ParseKind(c.Protocol.Name); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if n := c.Protocol.Channels; n < 0 || n > protocol.MaxChannels {
		return fmt.Errorf("config: protocol.channels %d outside [1,%d]", n, protocol.MaxChannels)
	}
	if _, err := parseTypes(c.Protocol.Types); err != nil {
		return fmt.Errorf("config: protocol.types: %w", err)
	}
	if _, err := c.Protocol.Custom.decoderConfig(); err != nil {
		return fmt.Errorf("config: protocol.custom: %w", err)
	}
	for i, ch := range c.Channels {
		if _, err := parseColor(ch.Color); err != nil {
			return fmt.Errorf("config: channels[%d].color: %w", i, err)
		}
		if _, err := protocol.ParseDataType(ch.DataType); err != nil {
			return fmt.Errorf("config: channels[%d].data_type: %w", i, err)
		}
	}
	return nil
}

func parseTypes(names []string) ([]protocol.DataType, error) {
	types := make([]protocol.DataType, 0, len(names))
	for _, n := range names {
		t, err := protocol.ParseDataType(n)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func (cf CustomFrameConfig) decoderConfig() (protocol.CustomConfig, error) {
	header, err := convert.HexToBytes(cf.Header)
	if err != nil {
		return protocol.CustomConfig{}, fmt.Errorf("header: %w", err)
	}
	tail, err := convert.HexToBytes(cf.Tail)
	if err != nil {
		return protocol.CustomConfig{}, fmt.Errorf("tail: %w", err)
	}
	types, err := parseTypes(cf.Types)
	if err != nil {
		return protocol.CustomConfig{}, err
	}
	return protocol.CustomConfig{
		Header:      header,
		Tail:        tail,
		Types:       types,
		BigEndian:   cf.BigEndian,
		UseChecksum: cf.UseChecksum,
	}, nil
}

// DecoderOptions returns the decoder settings. Invalid fields were rejected
// by validate, so errors here fall back to defaults.
func (c *Config) DecoderOptions() protocol.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts := protocol.Options{
		Protocol: c.Protocol.Name,
		Channels: c.Protocol.Channels,
	}
	if types, err := parseTypes(c.Protocol.Types); err == nil && len(types) > 0 {
		opts.Types = types
	}
	if custom, err := c.Protocol.Custom.decoderConfig(); err == nil {
		opts.Custom = custom
	} else {
		opts.Custom = protocol.DefaultCustomConfig()
	}
	return opts
}

// IngestOptions returns the session chunk policy and queue size.
func (c *Config) IngestOptions() ingest.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts := ingest.Options{QueueSize: c.Protocol.QueueSize}
	if c.Protocol.DrainChunks {
		opts.Policy = ingest.PolicyDrain
	}
	return opts
}

// ChannelConfigs converts the channel list into store settings.
func (c *Config) ChannelConfigs() []channel.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]channel.Config, len(c.Channels))
	for i, ch := range c.Channels {
		def := channel.DefaultConfig(i)
		out[i] = channel.Config{
			Enabled:  ch.Enabled,
			Name:     ch.Name,
			Color:    def.Color,
			DataType: def.DataType,
			Scale:    ch.Scale,
			Offset:   ch.Offset,
		}
		if ch.Name == "" {
			out[i].Name = def.Name
		}
		if col, err := parseColor(ch.Color); err == nil {
			out[i].Color = col
		}
		if t, err := protocol.ParseDataType(ch.DataType); err == nil {
			out[i].DataType = t
		}
	}
	return out
}

// ProtocolSettings returns a copy of the protocol section.
func (c *Config) ProtocolSettings() ProtocolConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Protocol
	p.Types = append([]string(nil), p.Types...)
	p.Custom.Types = append([]string(nil), p.Custom.Types...)
	return p
}

func (c *Config) SerialConfig() serialport.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Serial
}

func (c *Config) DisplaySettings() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display
}

func (c *Config) LoggingConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that fails validation leaves the
// config untouched.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	next.normalize()
	if err := next.validate(); err != nil {
		return err
	}

	c.Serial = next.Serial
	c.Protocol = next.Protocol
	c.Channels = next.Channels
	c.Display = next.Display
	c.Logging = next.Logging
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

func colorToHex(c [4]float32) string {
	b := make([]byte, 4)
	for i, v := range c {
		b[i] = byte(min(max(v, 0), 1)*255 + 0.5)
	}
	if b[3] == 255 {
		b = b[:3]
	}
	return "#" + strings.ToLower(convert.BytesToHex(b, false))
}

// parseColor accepts #RRGGBB or #RRGGBBAA.
func parseColor(s string) ([4]float32, error) {
	b, err := convert.HexToBytes(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil {
		return [4]float32{}, err
	}
	if len(b) != 3 && len(b) != 4 {
		return [4]float32{}, fmt.Errorf("color %q: want #RRGGBB or #RRGGBBAA", s)
	}
	col := [4]float32{1, 1, 1, 1}
	for i, v := range b {
		col[i] = float32(v) / 255
	}
	return col, nil
}
