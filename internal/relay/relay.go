package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"roomchat/internal/hub"
)

// Relay mirrors hub events across instances through a RabbitMQ fanout
// exchange, so a WebSocket subscriber on one node sees rooms and
// messages written on another. Each instance tags what it publishes and
// skips its own events on consume.
type Relay struct {
	url        string
	exchange   string
	instanceID string

	conn    *amqp.Connection
	channel *amqp.Channel
}

type envelope struct {
	Origin string    `json:"origin"`
	Topic  string    `json:"topic"`
	Event  hub.Event `json:"event"`
}

// New connects to the broker and declares the fanout exchange.
func New(url, exchange string) (*Relay, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("relay amqp url is required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "roomchat.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "fanout", false, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Relay{
		url:        url,
		exchange:   exchange,
		instanceID: uuid.NewString(),
		conn:       conn,
		channel:    channel,
	}, nil
}

// Publish sends a hub event to the other instances. Local delivery is
// the hub's job; relay failures are surfaced so the caller can log them
// without failing the user's request.
func (r *Relay) Publish(topic string, ev hub.Event) error {
	body, err := json.Marshal(envelope{
		Origin: r.instanceID,
		Topic:  topic,
		Event:  ev,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.channel.PublishWithContext(ctx, r.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run consumes relayed events into the local hub until ctx is done.
func (r *Relay) Run(ctx context.Context, h *hub.Hub) error {
	queue, err := r.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare relay queue: %w", err)
	}
	if err := r.channel.QueueBind(queue.Name, "", r.exchange, false, nil); err != nil {
		return fmt.Errorf("bind relay queue: %w", err)
	}
	deliveries, err := r.channel.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume relay queue: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				select {
				case <-ctx.Done():
					return nil
				default:
					return errors.New("relay consumer channel closed")
				}
			}
			r.deliver(msg.Body, h)
		}
	}
}

// deliver decodes one broker delivery into the local hub. Events this
// instance published itself are dropped, otherwise every local
// subscriber would see them twice.
func (r *Relay) deliver(body []byte, h *hub.Hub) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("relay: dropping undecodable event", "err", err)
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	h.Publish(env.Topic, env.Event)
}

// Close tears down the broker connection.
func (r *Relay) Close() error {
	return r.conn.Close()
}
