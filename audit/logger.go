package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/bunstore/internal/logger"
)

// Subscriber receives matching audit events. Errors are logged, never
// propagated to the emitter.
type Subscriber func(evt Event) error

// Config configures an audit logger.
type Config struct {
	// Path of the append-only JSONL log; empty disables the file sink.
	Path string
	// Workers bounds the subscriber dispatch pool (default 4).
	Workers int
}

// Logger appends events to a JSONL file and fans them out to subscribers on
// a bounded worker pool.
//
// Ordering: within a Log or LogBatch call the file write happens before any
// subscriber delivery, so the file order is authoritative. Subscriber
// delivery across events is unordered (fire-and-forget on the pool).
type Logger struct {
	mu          sync.Mutex
	file        *os.File
	subscribers map[int]subscription
	nextSub     int
	pool        *ants.Pool
	wg          sync.WaitGroup
	log         *slog.Logger
}

type subscription struct {
	filter Filter
	fn     Subscriber
}

// NewLogger opens the audit log. An empty path keeps the logger purely
// in-process (subscribers only).
func NewLogger(cfg Config) (*Logger, error) {
	l := &Logger{
		subscribers: make(map[int]subscription),
		log:         logger.ForComponent("audit"),
	}

	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		l.file = f
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		if l.file != nil {
			l.file.Close()
		}
		return nil, fmt.Errorf("failed to create dispatch pool: %w", err)
	}
	l.pool = pool
	return l, nil
}

// Subscribe registers a subscriber with a filter and returns its handle.
func (l *Logger) Subscribe(filter Filter, fn Subscriber) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	l.subscribers[l.nextSub] = subscription{filter: filter, fn: fn}
	return l.nextSub
}

// Unsubscribe removes a subscriber.
func (l *Logger) Unsubscribe(handle int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscribers, handle)
}

// Log records one event: file append first, then async fan-out.
func (l *Logger) Log(evt Event) error {
	l.stamp(&evt)

	l.mu.Lock()
	if err := l.appendLocked(evt); err != nil {
		l.mu.Unlock()
		return err
	}
	subs := l.matchingLocked(evt)
	l.mu.Unlock()

	l.dispatch(evt, subs)
	return nil
}

// LogBatch records a batch under one file lock, then dispatches each event.
func (l *Logger) LogBatch(events []Event) error {
	l.mu.Lock()
	stamped := make([]Event, len(events))
	for i := range events {
		stamped[i] = events[i]
		l.stamp(&stamped[i])
		if err := l.appendLocked(stamped[i]); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	l.mu.Unlock()

	for _, evt := range stamped {
		l.mu.Lock()
		subs := l.matchingLocked(evt)
		l.mu.Unlock()
		l.dispatch(evt, subs)
	}
	return nil
}

func (l *Logger) stamp(evt *Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
}

func (l *Logger) appendLocked(evt Event) error {
	if l.file == nil {
		return nil
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (l *Logger) matchingLocked(evt Event) []Subscriber {
	var subs []Subscriber
	for _, sub := range l.subscribers {
		if sub.filter.Matches(evt) {
			subs = append(subs, sub.fn)
		}
	}
	return subs
}

func (l *Logger) dispatch(evt Event, subs []Subscriber) {
	for _, fn := range subs {
		fn := fn
		l.wg.Add(1)
		err := l.pool.Submit(func() {
			defer l.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("audit subscriber panicked", "panic", fmt.Sprintf("%v", r))
				}
			}()
			if err := fn(evt); err != nil {
				l.log.Error("audit subscriber failed", "event", evt.ID, "error", err)
			}
		})
		if err != nil {
			l.wg.Done()
			l.log.Error("audit dispatch rejected", "event", evt.ID, "error", err)
		}
	}
}

// Flush waits for in-flight subscriber deliveries.
func (l *Logger) Flush() {
	l.wg.Wait()
}

// Close flushes deliveries and closes the file sink.
func (l *Logger) Close() error {
	l.Flush()
	l.pool.Release()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
