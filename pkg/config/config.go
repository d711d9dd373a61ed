// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package config loads the simulator configuration: built-in defaults, an
// optional YAML file, then RABBITSIM_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/GwynCerbin/rabbitsim/pkg/adapter"
	"github.com/GwynCerbin/rabbitsim/pkg/topology"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RABBITSIM_"

// Config is the complete simulator configuration.
type Config struct {
	Log    LogConfig       `yaml:"log"`
	Broker   BrokerConfig    `yaml:"broker"`
	AMQP     AMQPConfig      `yaml:"amqp"`
	Topology topology.Config `yaml:"topology"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level       string `env:"LEVEL" yaml:"level"`
	Development bool   `env:"DEVELOPMENT" yaml:"development"`
	Encoding    string `env:"ENCODING" yaml:"encoding"`
}

// BrokerConfig tunes the in-memory broker.
//   - SweepInterval: how often expired deliveries and due delayed messages
//     are collected.
//   - Prefetch: in-flight limit per consumer, 0 is unlimited.
//   - DedupCapacity: identities remembered per scope, 0 is unbounded.
type BrokerConfig struct {
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" yaml:"sweep_interval"`
	Prefetch      int           `env:"PREFETCH" yaml:"prefetch"`
	DedupCapacity int           `env:"DEDUP_CAPACITY" yaml:"dedup_capacity"`
}

// AMQPConfig enables mirroring the topology onto a real RabbitMQ server.
type AMQPConfig struct {
	Enabled        bool `env:"ENABLED" yaml:"enabled"`
	adapter.Client `yaml:",inline"`
}

// Default returns the demo setup: one exchange per routing feature and the
// queues that exercise them.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
		Broker: BrokerConfig{
			SweepInterval: 50 * time.Millisecond,
			Prefetch:      1,
			DedupCapacity: 10_000,
		},
		AMQP: AMQPConfig{
			Client: adapter.Client{
				Host:             "localhost:5672",
				VHost:            "/",
				Username:         "guest",
				Password:         "guest",
				MaxReconnectTime: 32 * time.Second,
				Properties:       map[string]any{"connection_name": "rabbitsim"},
			},
		},
		Topology: DemoTopology(),
	}
}

// Demo exchange, queue and routing key names.
const (
	DirectExchange        = "demo-direct-exchange"
	FanoutExchange        = "demo-fanout-exchange"
	TopicExchange         = "demo-topic-exchange"
	DeadLetterExchange    = "demo-dead-letter-exchange"
	DelayedExchange       = "demo-delayed-exchange"
	DeduplicationExchange = "demo-deduplication-exchange"

	SimpleQueue        = "simple-queue"
	WorkQueue          = "work-queue"
	DirectQueue1       = "direct-queue-1"
	DirectQueue2       = "direct-queue-2"
	FanoutQueue1       = "fanout-queue-1"
	FanoutQueue2       = "fanout-queue-2"
	TopicQueue1        = "topic-queue-1"
	TopicQueue2        = "topic-queue-2"
	DeadLetterQueue    = "dead-letter-queue"
	TTLQueue           = "ttl-queue"
	DelayedQueue       = "delayed-queue"
	DeduplicationQueue = "deduplication-queue"

	DirectKey1       = "key1"
	DirectKey2       = "key2"
	TopicConfirmed   = "ordem.*.confirmada"
	TopicAll         = "ordem.#"
	DeadLetterKey    = "dead-letter"
	DelayedKey       = "delayed"
	DeduplicationKey = "deduplication"
)

// DemoMessageTTL is the per-queue TTL of the ttl-queue.
const DemoMessageTTL = 10 * time.Second

// DemoTopology is the topology the demo scenarios run against.
func DemoTopology() topology.Config {
	deadLetter := func() *topology.DeadLetter {
		return &topology.DeadLetter{Exchange: DeadLetterExchange, RoutingKey: DeadLetterKey}
	}

	return topology.Config{
		Exchanges: []topology.Exchange{
			{Name: DirectExchange, Kind: topology.KindDirect, Durable: true},
			{Name: FanoutExchange, Kind: topology.KindFanout, Durable: true},
			{Name: TopicExchange, Kind: topology.KindTopic, Durable: true},
			{Name: DeadLetterExchange, Kind: topology.KindDirect, Durable: true},
			{Name: DelayedExchange, Kind: topology.KindDelayed, DelayedKind: topology.KindDirect, Durable: true},
			{Name: DeduplicationExchange, Kind: topology.KindDirect, Durable: true},
		},
		Queues: []topology.Queue{
			{Name: SimpleQueue, Durable: true},
			{Name: WorkQueue, Durable: true, DeadLetter: deadLetter()},
			{Name: DirectQueue1, Durable: true},
			{Name: DirectQueue2, Durable: true},
			{Name: FanoutQueue1, Durable: true},
			{Name: FanoutQueue2, Durable: true},
			{Name: TopicQueue1, Durable: true},
			{Name: TopicQueue2, Durable: true},
			{Name: DeadLetterQueue, Durable: true},
			{Name: TTLQueue, Durable: true, TTL: DemoMessageTTL, DeadLetter: deadLetter()},
			{Name: DelayedQueue, Durable: true},
			{Name: DeduplicationQueue, Durable: true},
		},
		Bindings: []topology.Binding{
			{Exchange: DirectExchange, Queue: DirectQueue1, Pattern: DirectKey1},
			{Exchange: DirectExchange, Queue: DirectQueue2, Pattern: DirectKey2},
			{Exchange: FanoutExchange, Queue: FanoutQueue1},
			{Exchange: FanoutExchange, Queue: FanoutQueue2},
			{Exchange: TopicExchange, Queue: TopicQueue1, Pattern: TopicConfirmed},
			{Exchange: TopicExchange, Queue: TopicQueue2, Pattern: TopicAll},
			{Exchange: DeadLetterExchange, Queue: DeadLetterQueue, Pattern: DeadLetterKey},
			{Exchange: "amq.direct", Queue: TTLQueue, Pattern: TTLQueue},
			{Exchange: DelayedExchange, Queue: DelayedQueue, Pattern: DelayedKey},
			{Exchange: DeduplicationExchange, Queue: DeduplicationQueue, Pattern: DeduplicationKey},
		},
	}
}

// Load builds the configuration from Default, the YAML file at path and the
// environment. An empty path or a missing file leaves the defaults in place.
// A file that lists topology replaces the demo topology as a whole.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.readEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) readFile(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var probe struct {
		Topology yaml.Node `yaml:"topology"`
	}

	if err = yaml.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	if !probe.Topology.IsZero() {
		c.Topology = topology.Config{}
	}

	if err = yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	return nil
}

func (c *Config) readEnv() error {
	sections := []struct {
		prefix string
		target any
	}{
		{prefix: EnvPrefix + "LOG_", target: &c.Log},
		{prefix: EnvPrefix + "BROKER_", target: &c.Broker},
		{prefix: EnvPrefix + "AMQP_", target: &c.AMQP},
	}

	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: s.prefix}); err != nil {
			return fmt.Errorf("parse env %s*: %w", s.prefix, err)
		}
	}

	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error

	if _, lvlErr := zap.ParseAtomicLevel(c.Log.Level); lvlErr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lvlErr))
	}

	switch c.Log.Encoding {
	case "", "console", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("log.encoding: unknown encoding %q", c.Log.Encoding))
	}

	if c.Broker.SweepInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("broker.sweep_interval must be positive, got %s", c.Broker.SweepInterval))
	}

	if c.Broker.Prefetch < 0 {
		err = multierr.Append(err, fmt.Errorf("broker.prefetch must not be negative, got %d", c.Broker.Prefetch))
	}

	if c.Broker.DedupCapacity < 0 {
		err = multierr.Append(err, fmt.Errorf("broker.dedup_capacity must not be negative, got %d", c.Broker.DedupCapacity))
	}

	if c.AMQP.Enabled && c.AMQP.Host == "" {
		err = multierr.Append(err, errors.New("amqp.host is required when amqp is enabled"))
	}

	if topoErr := topology.NewRegistry().Apply(c.Topology); topoErr != nil {
		err = multierr.Append(err, fmt.Errorf("topology: %w", topoErr))
	}

	return err
}

// Build returns the process logger described by c.
func (c LogConfig) Build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}

	zc.Level = level

	if c.Encoding != "" {
		zc.Encoding = c.Encoding
	}

	return zc.Build()
}
