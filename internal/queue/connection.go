package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connect dials RabbitMQ and opens a channel on which the direct exchange
// and the entity-ready queue are declared and bound.
func Connect(url, exchange, queueName string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(step string, err error) (*amqp.Connection, *amqp.Channel, error) {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to %s: %w", step, err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fail("declare exchange", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fail("declare queue", err)
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	return conn, ch, nil
}
