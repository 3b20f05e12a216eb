package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// PublisherConfig tunes the queue and the drain loop.
type PublisherConfig struct {
	QueueCapacity int
	BatchSize     int
	BatchTimeout  time.Duration
}

// Publisher is the bounded fire-and-forget bridge to the Sink. Publish is
// O(1) and never blocks; when the queue is full the oldest event is dropped
// and the drop counter incremented. One background worker drains the queue,
// batching up to BatchSize events or waiting up to BatchTimeout.
type Publisher struct {
	sink Sink
	cfg  PublisherConfig

	mu    sync.Mutex
	ring  []Event
	head  int
	count int

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	dropped   atomic.Uint64
	failed    atomic.Uint64
	delivered atomic.Uint64
}

// NewPublisher starts the drain worker and returns the publisher.
func NewPublisher(sink Sink, cfg PublisherConfig) *Publisher {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1024
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 500 * time.Millisecond
	}
	p := &Publisher{
		sink:   sink,
		cfg:    cfg,
		ring:   make([]Event, cfg.QueueCapacity),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues ev. Full queue: the oldest event loses its slot.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	if p.count == len(p.ring) {
		p.head = (p.head + 1) % len(p.ring)
		p.count--
		p.dropped.Add(1)
	}
	p.ring[(p.head+p.count)%len(p.ring)] = ev
	p.count++
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Dropped is the number of events evicted by overflow.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Failed is the number of events whose batch the sink rejected.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Delivered is the number of events accepted by the sink.
func (p *Publisher) Delivered() uint64 { return p.delivered.Load() }

// Close stops the worker, flushing what it can within grace. The queue may
// still hold events when the grace period runs out; they are lost, which is
// the contract.
func (p *Publisher) Close(grace time.Duration) {
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(grace):
	}
	_ = p.sink.Close()
}

func (p *Publisher) run() {
	defer close(p.done)
	timer := time.NewTimer(p.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			for p.flush() > 0 {
			}
			return
		case <-p.notify:
			if p.size() >= p.cfg.BatchSize {
				p.flush()
				resetTimer(timer, p.cfg.BatchTimeout)
			}
		case <-timer.C:
			p.flush()
			timer.Reset(p.cfg.BatchTimeout)
		}
	}
}

// flush sends one batch; returns how many events it took off the queue.
func (p *Publisher) flush() int {
	batch := p.take(p.cfg.BatchSize)
	if len(batch) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sink.Publish(ctx, batch); err != nil {
		p.failed.Add(uint64(len(batch)))
		log.Warn().Err(err).Int("batch", len(batch)).Msg("event batch delivery failed")
		return len(batch)
	}
	p.delivered.Add(uint64(len(batch)))
	return len(batch)
}

func (p *Publisher) take(n int) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.count {
		n = p.count
	}
	if n == 0 {
		return nil
	}
	batch := make([]Event, n)
	for i := 0; i < n; i++ {
		batch[i] = p.ring[(p.head+i)%len(p.ring)]
	}
	p.head = (p.head + n) % len(p.ring)
	p.count -= n
	return batch
}

func (p *Publisher) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
