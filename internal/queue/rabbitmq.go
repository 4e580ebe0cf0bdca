package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// RabbitMQConfig holds broker connection settings.
type RabbitMQConfig struct {
	URL       string
	QueueName string
}

// RabbitMQPublisher implements Publisher over an AMQP 0-9-1 broker. The
// queue is declared durable and deliveries are persistent so messages
// survive broker restarts.
type RabbitMQPublisher struct {
	mu         sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	logger     *slog.Logger
}

// NewRabbitMQPublisher connects to the broker and declares the queue.
func NewRabbitMQPublisher(cfg *RabbitMQConfig, logger *slog.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening RabbitMQ channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", cfg.QueueName, err)
	}

	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			logger.Error("RabbitMQ connection closed", "error", err)
		}
	}()

	return &RabbitMQPublisher{
		connection: conn,
		channel:    channel,
		queueName:  cfg.QueueName,
		logger:     logger,
	}, nil
}

// Publish implements Publisher.
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg *InboundMessage) error {
	body, err := json.Marshal(struct {
		Payload     string       `json:"payload"`
		Attachments []Attachment `json:"attachments,omitempty"`
	}{
		Payload:     msg.Payload,
		Attachments: msg.Attachments,
	})
	if err != nil {
		return fmt.Errorf("%w: encoding message: %v", ErrPublish, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.Publish(
		"",          // default exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: msg.CorrelationID,
			MessageId:     msg.MessageID,
			Body:          body,
		})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}

	return nil
}

// Close shuts down the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.Close(); err != nil {
		p.connection.Close()
		return err
	}
	return p.connection.Close()
}
