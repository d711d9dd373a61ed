// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Client is the connection configuration of the AMQP mirror.
type Client struct {
	Username         string        `env:"USERNAME" yaml:"-"`
	Password         string        `env:"PASSWORD" yaml:"-"`
	Host             string        `env:"HOST" yaml:"host"`
	VHost            string        `env:"VHOST" yaml:"vhost"`
	TcpHeartBeat     time.Duration `env:"HEARTBEAT" yaml:"tcp_heartbeat"`
	Properties       amqp091.Table `yaml:"properties"`
	MaxReconnectTime time.Duration `env:"RECONNECT" yaml:"reconnect"`
	Logging          bool          `env:"LOGGING" yaml:"logging"`
}

type ConsumerConfig struct {
	QueueName string        `env:"QUEUE" yaml:"queue"`
	Prefetch  int           `env:"PREFETCH" yaml:"prefetch"`
	Args      amqp091.Table `yaml:"args"`
}

type PublisherConfig struct {
	ExchangeName      string `env:"EXCHANGE" yaml:"exchange"`
	RoutingKey        string `env:"ROUTING" yaml:"routing_key"`
	MessagePersistent bool   `env:"PERSISTENT" yaml:"is_persistent"`
	AppId             string `env:"APP_ID" yaml:"app_id"`
}

type ExchangeDeclare struct {
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type"`
	Durable    bool          `yaml:"durable"`
	AutoDelete bool          `yaml:"auto_delete"`
	Internal   bool          `yaml:"internal"`
	Args       amqp091.Table `yaml:"args"`
}

type QueueDeclareAndBind struct {
	Name         string        `yaml:"name"`
	NoBind       bool          `yaml:"no_bind"`
	RoutingKey   string        `yaml:"routing_key"`
	ExchangeName string        `yaml:"exchange_name"`
	BindArgs     amqp091.Table `yaml:"bind_args"`
	Durable      bool          `yaml:"durable"`
	AutoDelete   bool          `yaml:"auto_delete"`
	Exclusive    bool          `yaml:"exclusive"`
	Args         amqp091.Table `yaml:"args"`
}
