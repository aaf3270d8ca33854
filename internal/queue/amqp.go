package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue routes envelopes through a topic exchange. Each worker owns a
// durable dispatch queue bound to "dispatch.<id>" and an auto-delete control
// queue bound to "cancel.<id>".
type AMQPQueue struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu       sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool
}

var _ Queue = (*AMQPQueue)(nil)

func NewAMQPQueue(url, exchange string, logger *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPQueue{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "queue", "backend", "amqp"),
		pubCh:    ch,
		declared: make(map[string]bool),
	}, nil
}

func WorkerQueueName(workerID string) string {
	return "grinn.worker." + workerID
}

func dispatchRoutingKey(workerID string) string {
	return "dispatch." + workerID
}

func cancelRoutingKey(workerID string) string {
	return "cancel." + workerID
}

// declareWorkerQueue makes sure the worker's durable queue exists and is bound.
func declareWorkerQueue(ch *amqp.Channel, exchange, workerID string) error {
	name := WorkerQueueName(workerID)
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, dispatchRoutingKey(workerID), exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}
	return nil
}

// Publish sends e persistently. Dispatches declare the destination queue first
// so messages for a worker that is not consuming yet are retained.
func (q *AMQPQueue) Publish(ctx context.Context, e Envelope) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// a channel the broker closed is only noticed on use; retry once on a fresh one
	for attempt := 0; ; attempt++ {
		err = q.publish(ctx, e, body)
		if err == nil || attempt > 0 || !errors.Is(err, amqp.ErrClosed) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s for job %s: %w", e.Kind, e.JobID, err)
	}
	return nil
}

// publish sends one message. Callers hold q.mu.
func (q *AMQPQueue) publish(ctx context.Context, e Envelope, body []byte) error {
	ch, err := q.channel()
	if err != nil {
		return err
	}

	routingKey := cancelRoutingKey(e.WorkerID)
	if e.Kind == KindDispatch {
		routingKey = dispatchRoutingKey(e.WorkerID)
		if !q.declared[e.WorkerID] {
			if err := declareWorkerQueue(ch, q.exchange, e.WorkerID); err != nil {
				return err
			}
			q.declared[e.WorkerID] = true
		}
	}

	return ch.PublishWithContext(ctx,
		q.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.JobID.String(),
			Body:         body,
		},
	)
}

// channel returns the publishing channel, reopening it once a channel-level
// error has closed it. Callers hold q.mu.
func (q *AMQPQueue) channel() (*amqp.Channel, error) {
	if q.pubCh != nil && !q.pubCh.IsClosed() {
		return q.pubCh, nil
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("reopen amqp channel: %w", err)
	}
	q.logger.Warn("publish channel was closed, reopened")
	q.pubCh = ch
	q.declared = make(map[string]bool)
	return ch, nil
}

func (q *AMQPQueue) Consume(ctx context.Context, workerID string, prefetch int, h Handler) error {
	if prefetch < 1 {
		prefetch = 1
	}
	logger := q.logger.With("worker_id", workerID)

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := declareWorkerQueue(ch, q.exchange, workerID); err != nil {
		return err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	// cancels ride their own channel so prefetch never holds them back
	ctrlCh, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp control channel: %w", err)
	}
	defer ctrlCh.Close()
	ctrlQueue, err := ctrlCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare control queue: %w", err)
	}
	if err := ctrlCh.QueueBind(ctrlQueue.Name, cancelRoutingKey(workerID), q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind control queue: %w", err)
	}

	msgs, err := ch.Consume(WorkerQueueName(workerID), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", WorkerQueueName(workerID), err)
	}
	ctrl, err := ctrlCh.Consume(ctrlQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume control queue: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer shutting down")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqp dispatch channel closed")
			}
			e, err := Decode(msg.Body)
			if err != nil {
				logger.Warn("dropping undecodable delivery", "error", err)
				msg.Nack(false, false)
				continue
			}
			wg.Add(1)
			go func(e Envelope, msg amqp.Delivery) {
				defer wg.Done()
				if err := h(ctx, e); err != nil {
					logger.Warn("handler failed, requeueing", "job_id", e.JobID, "error", err)
					msg.Nack(false, true)
					return
				}
				msg.Ack(false)
			}(e, msg)

		case msg, ok := <-ctrl:
			if !ok {
				return errors.New("amqp control channel closed")
			}
			e, err := Decode(msg.Body)
			if err != nil {
				logger.Warn("dropping undecodable control message", "error", err)
				continue
			}
			if err := h(ctx, e); err != nil {
				logger.Warn("control handler failed", "job_id", e.JobID, "kind", e.Kind, "error", err)
			}
		}
	}
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	return q.conn.Close()
}
