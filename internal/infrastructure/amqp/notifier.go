// Package amqp publishes merchant notifications to a RabbitMQ queue so an
// external renderer can deliver them. Errors are logged and returned; callers
// decide whether a failed publish should interrupt anything.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/campusmart/fulfillment/internal/application/notify"
	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/observability"
)

const componentAMQP = "amqp_notifier"

type Notifier struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   observability.Logger
}

// Dial connects to the broker and declares the notification queue. The queue
// is durable and messages are marked persistent so notifications survive a
// broker restart.
func Dial(url, queue string, logger observability.Logger) (*Notifier, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return &Notifier{
		conn:  conn,
		ch:    ch,
		queue: queue,
		log:   logger.With(observability.F("component", componentAMQP)),
	}, nil
}

type message struct {
	MerchantID string    `json:"merchant_id"`
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entity_id"`
	Reference  string    `json:"reference"`
	SentAt     time.Time `json:"sent_at"`
}

func (n *Notifier) Notify(ctx context.Context, note notify.Notification) error {
	body, err := json.Marshal(message{
		MerchantID: note.MerchantID,
		Entity:     note.Entity,
		EntityID:   note.EntityID,
		Reference:  note.Reference,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("amqp marshal notification: %w", err)
	}

	err = n.ch.PublishWithContext(ctx,
		"",      // default exchange
		n.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		n.log.Warn("publish_failed",
			observability.F("queue", n.queue),
			observability.F("error", err.Error()),
		)
		return errs.Transient("notify.publish", note.EntityID, err)
	}
	return nil
}

func (n *Notifier) Close() error {
	if err := n.ch.Close(); err != nil {
		_ = n.conn.Close()
		return err
	}
	return n.conn.Close()
}
