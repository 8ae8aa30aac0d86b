// Package config loads the collector's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// ConfigurationError reports an invalid point or rule entry.
type ConfigurationError = model.ConfigurationError

// Root configuration for the collector service.
// This mirrors config/collector.yaml.

type Config struct {
	Log        LogConfig         `yaml:"log"`
	Link       LinkConfig        `yaml:"link"`
	Points     []PointConfig     `yaml:"points"`
	PointRules []PointRuleConfig `yaml:"point_rules"`
	MultiRules []MultiRuleConfig `yaml:"multi_rules"`
	Storage    StorageConfig     `yaml:"storage"`
	Alarm      AlarmConfig       `yaml:"alarm"`
	Notify     NotifyConfig      `yaml:"notify"`
	API        APIConfig         `yaml:"api"`
	Simulator  SimulatorConfig   `yaml:"simulator"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

type LinkConfig struct {
	Name           string          `yaml:"name"`
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	UnitID         uint8           `yaml:"unit_id"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	PollInterval   time.Duration   `yaml:"poll_interval"`
	ResultBuffer   int             `yaml:"result_buffer"`
	KeepAlive      KeepAliveConfig `yaml:"keep_alive"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// Address returns host:port.
func (l LinkConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type KeepAliveConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	Address      uint16        `yaml:"address"`
	FunctionCode uint8         `yaml:"function_code"`
}

type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 retries forever
}

type PointConfig struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	Address       uint16  `yaml:"address"`
	FunctionCode  uint8   `yaml:"function_code"` // 3 holding | 4 input
	Format        string  `yaml:"format"`
	BitPosition   *uint8  `yaml:"bit_position"`
	Scale         float64 `yaml:"scale"`
	Unit          string  `yaml:"unit"`
	AlarmEnabled  bool    `yaml:"alarm"`
	AlarmContent  string  `yaml:"alarm_content"`
	LowLevelAlarm bool    `yaml:"low_level_alarm"`
	Source        string  `yaml:"source"` // POINT only
}

type PointRuleConfig struct {
	ID       string  `yaml:"id"`
	Point    string  `yaml:"point"`
	Type     string  `yaml:"type"` // no_update | threshold
	Timeout  float64 `yaml:"timeout_seconds"`
	Operator string  `yaml:"operator"`
	Value    float64 `yaml:"value"`
	Duration float64 `yaml:"duration_seconds"`
	Level    string  `yaml:"level"`
	Content  string  `yaml:"content"`
	Enabled  *bool   `yaml:"enabled"`
}

type ConditionConfig struct {
	Point    string  `yaml:"point"`
	Operator string  `yaml:"operator"`
	Value    Literal `yaml:"value"`
	Logic    string  `yaml:"logic"`
}

type MultiRuleConfig struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Conditions       []ConditionConfig `yaml:"conditions"`
	ConsecutiveCount int               `yaml:"consecutive_count"`
	Level            string            `yaml:"level"`
	Content          string            `yaml:"content"`
	Enabled          *bool             `yaml:"enabled"`
}

// Literal is a condition operand. Any YAML scalar is accepted and kept in
// its textual form; booleans become "1" and "0".
type Literal string

func (l *Literal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: condition value must be a scalar", node.Line)
	}
	if node.Tag == "!!bool" {
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		if b {
			*l = "1"
		} else {
			*l = "0"
		}
		return nil
	}
	*l = Literal(node.Value)
	return nil
}

type StorageConfig struct {
	DBPath          string        `yaml:"db_path"`
	HistoryEnabled  bool          `yaml:"history_enabled"`
	QueueSize       int           `yaml:"queue_size"`
	HistoryDedupTTL time.Duration `yaml:"history_dedup_ttl"`
}

type AlarmConfig struct {
	StaleCheckInterval time.Duration `yaml:"stale_check_interval"`
}

type NotifyConfig struct {
	Log   bool        `yaml:"log"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Codec        string        `yaml:"codec"` // json | cbor
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type APIConfig struct {
	Listen string `yaml:"listen"` // empty disables the HTTP API
}

type SimulatorConfig struct {
	Listen    string           `yaml:"listen"`
	Size      int              `yaml:"size"`
	Registers []RegisterConfig `yaml:"registers"`
}

// RegisterConfig seeds one register of the simulator.
type RegisterConfig struct {
	Type    string `yaml:"type"` // holding | input
	Address uint16 `yaml:"address"`
	Value   uint16 `yaml:"value"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates the settings that
// would prevent the service from starting. Individual points and rules are
// validated later by Definitions and Rules.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	l := &c.Link
	if l.Name == "" {
		l.Name = "plc"
	}
	if l.Port == 0 {
		l.Port = 502
	}
	if l.UnitID == 0 {
		l.UnitID = 1
	}
	if l.ConnectTimeout <= 0 {
		l.ConnectTimeout = 5 * time.Second
	}
	if l.RequestTimeout <= 0 {
		l.RequestTimeout = 3 * time.Second
	}
	if l.WriteTimeout <= 0 {
		l.WriteTimeout = 5 * time.Second
	}
	if l.PollInterval <= 0 {
		l.PollInterval = time.Second
	}
	if l.ResultBuffer <= 0 {
		l.ResultBuffer = 1024
	}
	if l.KeepAlive.Interval <= 0 {
		l.KeepAlive.Interval = 30 * time.Second
	}
	if l.KeepAlive.FunctionCode == 0 {
		l.KeepAlive.FunctionCode = 3
	}
	if l.Reconnect.InitialDelay <= 0 {
		l.Reconnect.InitialDelay = time.Second
	}
	if l.Reconnect.MaxDelay <= 0 {
		l.Reconnect.MaxDelay = 30 * time.Second
	}
	for i := range c.Points {
		if c.Points[i].FunctionCode == 0 {
			c.Points[i].FunctionCode = 3
		}
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/alarms.db"
	}
	if c.Storage.QueueSize <= 0 {
		c.Storage.QueueSize = 1000
	}
	if c.Storage.HistoryDedupTTL <= 0 {
		c.Storage.HistoryDedupTTL = time.Hour
	}
	if c.Alarm.StaleCheckInterval <= 0 {
		c.Alarm.StaleCheckInterval = time.Second
	}
	if c.Notify.Kafka.Codec == "" {
		c.Notify.Kafka.Codec = "json"
	}
	if c.Simulator.Listen == "" {
		c.Simulator.Listen = ":1502"
	}
	if c.Simulator.Size <= 0 {
		c.Simulator.Size = 65536
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Link.Host) == "" {
		return errors.New("config: link.host must be set")
	}
	if c.Link.Port < 1 || c.Link.Port > 65535 {
		return fmt.Errorf("config: link.port %d out of range", c.Link.Port)
	}
	if fc := c.Link.KeepAlive.FunctionCode; fc != 3 && fc != 4 {
		return fmt.Errorf("config: link.keep_alive.function_code %d must be 3 or 4", fc)
	}
	if c.Link.Reconnect.MaxDelay < c.Link.Reconnect.InitialDelay {
		return errors.New("config: link.reconnect.max_delay is shorter than initial_delay")
	}
	if c.Notify.Kafka.Enabled {
		if len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "" {
			return errors.New("config: notify.kafka needs brokers and a topic")
		}
	}
	for _, r := range c.Simulator.Registers {
		if t := strings.ToLower(r.Type); t != "holding" && t != "input" {
			return fmt.Errorf("config: simulator register %d: unknown type %q", r.Address, r.Type)
		}
	}
	return nil
}

// Definitions converts the configured points. Entries whose format cannot
// be parsed are still returned so the registry can fall back to UINT16;
// structural validation happens in the registry.
func (c Config) Definitions() []model.DataPointDefinition {
	defs := make([]model.DataPointDefinition, 0, len(c.Points))
	for _, p := range c.Points {
		format, _ := model.ParseFormat(p.Format)
		if strings.TrimSpace(p.Format) == "" {
			format = model.FormatUint16
		}
		defs = append(defs, model.DataPointDefinition{
			ID:            strings.TrimSpace(p.ID),
			Name:          p.Name,
			Address:       p.Address,
			FunctionCode:  p.FunctionCode,
			Format:        format,
			BitPosition:   p.BitPosition,
			Scale:         p.Scale,
			Unit:          p.Unit,
			AlarmEnabled:  p.AlarmEnabled,
			AlarmContent:  p.AlarmContent,
			LowLevelAlarm: p.LowLevelAlarm,
			Source:        strings.TrimSpace(p.Source),
		})
	}
	return defs
}

func invalid(id, field, reason string) error {
	return &ConfigurationError{Identifier: id, Field: field, Reason: reason}
}

// Rules converts and validates the point and multi-condition rules. Rule
// ids share one namespace with point ids, since both name persisted
// alarms. Invalid rules are skipped and reported.
func (c Config) Rules() ([]model.PointRule, []model.MultiConditionRule, []error) {
	var errs []error
	taken := make(map[string]string, len(c.Points))
	for _, p := range c.Points {
		if id := strings.TrimSpace(p.ID); id != "" {
			taken[id] = "point"
		}
	}
	claim := func(id string) error {
		if id == "" {
			return invalid("(unnamed)", "id", "missing identifier")
		}
		if owner, ok := taken[id]; ok {
			return invalid(id, "id", "identifier already used by a "+owner)
		}
		taken[id] = "rule"
		return nil
	}

	var points []model.PointRule
	for _, rc := range c.PointRules {
		r, err := pointRule(rc)
		if err == nil {
			err = claim(r.ID)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		points = append(points, r)
	}

	var multis []model.MultiConditionRule
	for _, mc := range c.MultiRules {
		r, err := multiRule(mc)
		if err == nil {
			err = claim(r.ID)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		multis = append(multis, r)
	}
	return points, multis, errs
}

func enabled(b *bool) bool { return b == nil || *b }

func pointRule(rc PointRuleConfig) (model.PointRule, error) {
	r := model.PointRule{
		ID:      strings.TrimSpace(rc.ID),
		Point:   strings.TrimSpace(rc.Point),
		Type:    model.PointRuleType(strings.ToLower(strings.TrimSpace(rc.Type))),
		Level:   rc.Level,
		Content: rc.Content,
		Enabled: enabled(rc.Enabled),
	}
	id := r.ID
	if id == "" {
		id = "(unnamed)"
	}
	if r.Point == "" {
		return r, invalid(id, "point", "missing point")
	}
	switch r.Type {
	case model.RuleNoUpdate:
		if rc.Timeout <= 0 {
			return r, invalid(id, "timeout_seconds", "must be positive")
		}
		r.TimeoutSeconds = rc.Timeout
	case model.RuleThreshold:
		op, ok := model.ParseOperator(rc.Operator)
		if !ok {
			return r, invalid(id, "operator", fmt.Sprintf("unknown operator %q", rc.Operator))
		}
		if rc.Duration < 0 {
			return r, invalid(id, "duration_seconds", "must not be negative")
		}
		r.Operator, r.Value, r.DurationSeconds = op, rc.Value, rc.Duration
	default:
		return r, invalid(id, "type", fmt.Sprintf("unknown rule type %q", rc.Type))
	}
	return r, nil
}

func multiRule(mc MultiRuleConfig) (model.MultiConditionRule, error) {
	r := model.MultiConditionRule{
		ID:               strings.TrimSpace(mc.ID),
		Name:             mc.Name,
		ConsecutiveCount: mc.ConsecutiveCount,
		Level:            mc.Level,
		Content:          mc.Content,
		Enabled:          enabled(mc.Enabled),
	}
	id := r.ID
	if id == "" {
		id = "(unnamed)"
	}
	if len(mc.Conditions) == 0 {
		return r, invalid(id, "conditions", "at least one condition is required")
	}
	if mc.ConsecutiveCount < 0 {
		return r, invalid(id, "consecutive_count", "must not be negative")
	}
	for i, cc := range mc.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		op, ok := model.ParseOperator(cc.Operator)
		if !ok {
			return r, invalid(id, field, fmt.Sprintf("unknown operator %q", cc.Operator))
		}
		if strings.TrimSpace(cc.Point) == "" {
			return r, invalid(id, field, "missing point")
		}
		logic := model.Logic(strings.ToLower(strings.TrimSpace(cc.Logic)))
		switch logic {
		case "":
			logic = model.LogicAnd
		case model.LogicAnd, model.LogicOr:
		default:
			return r, invalid(id, field, fmt.Sprintf("unknown logic %q", cc.Logic))
		}
		r.Conditions = append(r.Conditions, model.Condition{
			Point:    strings.TrimSpace(cc.Point),
			Operator: op,
			Value:    string(cc.Value),
			Logic:    logic,
		})
	}
	return r, nil
}
