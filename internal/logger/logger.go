// Package logger records metered requests off the hot path.
//
// Entries land on a buffered channel and a background goroutine flushes
// them in batches to a pluggable Sink — slog by default, ClickHouse when an
// analytics DSN is configured. When the channel is full (over 10 000
// pending entries) new entries are dropped and counted in DroppedLogs
// rather than blocking a request.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one metered gateway request.
type RequestLog struct {
	ID           uuid.UUID
	UserID       string
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	CostUSD      string
	BalanceUSD   string
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	Streamed     bool
	CreatedAt    time.Time
}

// Sink receives flushed batches. Implementations must tolerate being
// called from a single background goroutine.
type Sink interface {
	Write(ctx context.Context, batch []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	tick := time.NewTicker(flushInterval)
	defer tick.Stop()

	batch := make([]RequestLog, 0, batchSize)
	stash := func(e RequestLog) {
		batch = append(batch, e)
		if len(batch) >= batchSize {
			batch = l.flush(batch)
		}
	}

	for {
		select {
		case e := <-l.ch:
			stash(e)
		case <-tick.C:
			batch = l.flush(batch)
		case <-l.done:
			// Drain whatever is still buffered, then flush and exit.
			for {
				select {
				case e := <-l.ch:
					stash(e)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

func (l *Logger) flush(batch []RequestLog) []RequestLog {
	if len(batch) == 0 {
		return batch
	}
	if err := l.sink.Write(l.baseCtx, batch); err != nil {
		l.log.ErrorContext(l.baseCtx, "request log flush failed",
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()))
	}
	return batch[:0]
}

// SlogSink writes each entry as a structured log line.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.Log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("user_id", e.UserID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.String("cost_usd", e.CostUSD),
			slog.String("balance_usd", e.BalanceUSD),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Bool("streamed", e.Streamed),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
