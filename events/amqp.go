// Copyright 2025 The OpenMerchant Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmerchant/openmerchant/internal/secrets"
	"github.com/rabbitmq/amqp091-go"
)

const (
	exchangeName          = "merchant.events"
	routingPaymentSettled = "payment.settled"

	dialTimeout = 10 * time.Second
)

// AMQPConfig configures the broker connection. The URL carries
// credentials, so it is a secret and never appears in logs.
type AMQPConfig struct {
	URL secrets.String `yaml:"url"`
}

// AMQPPublisher publishes events to a durable topic exchange on
// RabbitMQ.
type AMQPPublisher struct {
	conn *amqp091.Connection

	mu      sync.Mutex
	channel *amqp091.Channel
}

// NewAMQPPublisher connects to the broker and declares the event
// exchange.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	conn, err := amqp091.DialConfig(cfg.URL.Consume(), amqp091.Config{
		Dial: amqp091.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch}, nil
}

func declareExchange(ch *amqp091.Channel) error {
	err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) PublishPaymentSettled(ctx context.Context, event PaymentSettled) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publish(ctx, routingPaymentSettled, body)
	if err != nil {
		// a broker restart invalidates the channel; reopen once
		slog.WarnContext(ctx, "publish failed, reopening channel", "error", err)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return fmt.Errorf("failed to reopen channel: %w", chErr)
		}
		p.channel = ch
		if err := declareExchange(ch); err != nil {
			return err
		}
		err = p.publish(ctx, routingPaymentSettled, body)
	}
	return err
}

func (p *AMQPPublisher) publish(ctx context.Context, routingKey string, body []byte) error {
	return p.channel.PublishWithContext(ctx, exchangeName, routingKey, false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	return p.conn.Close()
}
