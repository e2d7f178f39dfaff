package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Cypherspark/broadcast-engine/internal/core"
	"github.com/Cypherspark/broadcast-engine/internal/metrics"
)

// Rabbit is a durable RabbitMQ work queue. Jobs are persistent and acked
// manually, so an unacked job returns to the queue when a worker dies.
type Rabbit struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *zap.SugaredLogger

	// amqp channels are not safe for concurrent publishing
	pubMu sync.Mutex
}

var _ Queue = (*Rabbit)(nil)

func NewRabbit(url, queue string, prefetch int, log *zap.SugaredLogger) (*Rabbit, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Rabbit{conn: conn, ch: ch, queue: queue, log: log}, nil
}

func (r *Rabbit) Publish(ctx context.Context, job core.DispatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	return r.ch.PublishWithContext(ctx,
		"", r.queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    job.RunToken,
			Body:         body,
		})
}

func (r *Rabbit) Consume(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := r.ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					r.log.Warnw("consumer_channel_closed", "queue", r.queue)
					return
				}
				var job core.DispatchJob
				if err := json.Unmarshal(d.Body, &job); err != nil || job.MessageID == "" || job.RunToken == "" {
					r.log.Warnw("job_unmarshal_error", "error", err, "body", string(d.Body))
					metrics.QueueJobs.WithLabelValues("malformed").Inc()
					_ = d.Ack(false)
					continue
				}
				del := Delivery{
					Job:  job,
					Ack:  func() error { return d.Ack(false) },
					Nack: func(requeue bool) error { return d.Nack(false, requeue) },
				}
				select {
				case out <- del:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Rabbit) Ping() error {
	if r.conn.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

func (r *Rabbit) Close() error {
	_ = r.ch.Close()
	return r.conn.Close()
}
