// Package rabbit implements an AMQP transition-event publisher.
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Config holds the RabbitMQ connection parameters.
type Config struct {
	URL          string        `mapstructure:"url"`
	Exchange     string        `mapstructure:"exchange"`
	ExchangeType string        `mapstructure:"exchange_type"`
	Durable      bool          `mapstructure:"durable"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
}

// Publisher publishes JSON payloads to a topic exchange; the publish topic
// becomes the routing key.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// New dials the broker and declares the exchange.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbit url is required")
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("rabbit exchange is required")
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = "topic"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = channel.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, cfg.Durable, false, false, false, nil)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{
		conn:     conn,
		channel:  channel,
		exchange: cfg.Exchange,
		logger:   logger,
	}, nil
}

// Publish marshals the payload to JSON and publishes it persistently.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	messageID := uuid.NewString()
	err = p.channel.PublishWithContext(ctx, p.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	p.logger.Debug("message published",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", topic),
		zap.Int("body_size", len(body)),
	)
	return messageID, nil
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("close channel failed", zap.Error(err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}
