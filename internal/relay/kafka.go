// Package relay republishes accepted readings to Kafka for downstream
// consumers.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"crowdwatch/config"
	"crowdwatch/internal/metrics"
	"crowdwatch/internal/reading"
	"crowdwatch/logger"
)

const component = "kafka_relay"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// message is the JSON value written for every reading.
type message struct {
	LocationID string    `json:"location_id"`
	Count      int64     `json:"count"`
	Density    float64   `json:"density"`
	Timestamp  time.Time `json:"timestamp"`
	Alert      bool      `json:"alert"`
	ReceivedAt time.Time `json:"received_at"`
}

type pending struct {
	reading reading.Reading
	alert   bool
}

// Publisher is a stream sink keyed by location id so one location's
// readings stay ordered within a partition.
type Publisher struct {
	location string
	writer   messageWriter
	log      *logger.Log
	queue    chan pending

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPublisher(cfg config.KafkaConfig, location string, log *logger.Log) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
	}
	p := newPublisher(w, location, cfg.QueueSize, log)
	p.log.WithComponent(component).WithLocation(location).WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka relay initialized")
	return p, nil
}

func newPublisher(w messageWriter, location string, queueSize int, log *logger.Log) *Publisher {
	if log == nil {
		log = logger.GetLogger()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Publisher{
		location: location,
		writer:   w,
		log:      log,
		queue:    make(chan pending, queueSize),
	}
}

// Offer queues r with the alert flag the pipeline evaluated for it.
func (p *Publisher) Offer(r reading.Reading, alert bool) bool {
	select {
	case p.queue <- pending{reading: r, alert: alert}:
		return true
	default:
		metrics.EmitDropMetric(p.log, metrics.DropMetricRelayQueue, p.location, "queue_full", "relay")
		return false
	}
}

func (p *Publisher) QueueLen() int { return len(p.queue) }
func (p *Publisher) QueueCap() int { return cap(p.queue) }

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("kafka relay already running")
	}
	p.running = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(runCtx)
	return nil
}

// Stop publishes what is still queued and closes the writer.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.log.WithComponent(component).WithError(err).Warn("failed to close kafka writer")
	}
	p.log.WithComponent(component).Info("kafka relay stopped")
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain(context.WithoutCancel(ctx))
			return
		case m := <-p.queue:
			p.publish(ctx, m)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	for {
		select {
		case m := <-p.queue:
			p.publish(ctx, m)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, m pending) {
	r := m.reading
	location := p.location
	if r.LocationID != "" {
		location = r.LocationID
	}
	value, err := json.Marshal(message{
		LocationID: location,
		Count:      r.Count,
		Density:    r.Density,
		Timestamp:  r.Timestamp,
		Alert:      m.alert,
		ReceivedAt: r.ReceivedAt,
	})
	if err != nil {
		p.log.WithComponent(component).WithLocation(location).WithError(err).Warn("failed to marshal reading")
		return
	}

	msg := kafka.Message{Key: []byte(location), Value: value, Time: r.ReceivedAt}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.WithComponent(component).WithLocation(location).WithError(err).Warn("failed to write message")
	}
}
