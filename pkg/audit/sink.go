// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LevelAudit is a custom audit log level, between Info and Warn.
const LevelAudit = slog.Level(2)

// Sink accepts audit entries. Implementations must be safe for concurrent
// use and must not block the request path for longer than a channel send.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// NopSink discards every entry. Useful for tests and for components whose
// audit wiring is optional.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Entry) {}

// NewAuditLogger creates a structured audit logger writing JSON to w.
func NewAuditLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: LevelAudit,
	})
	return slog.New(handler)
}

// LogSink writes entries to a structured audit logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink writing to w (stdout when nil).
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{logger: NewAuditLogger(w)}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, entry Entry) {
	attrs := []slog.Attr{
		slog.String("audit_id", entry.ID),
		slog.Time("timestamp", entry.Timestamp),
		slog.String("source", entry.Source),
		slog.String("action", entry.Action),
		slog.Bool("success", entry.Success),
	}
	if entry.UserID != "" {
		attrs = append(attrs, slog.String("user_id", entry.UserID))
	}
	if entry.Reason != "" {
		attrs = append(attrs, slog.String("reason", entry.Reason))
	}
	if entry.Error != "" {
		attrs = append(attrs, slog.String("error", entry.Error))
	}
	if entry.Metadata != nil {
		attrs = append(attrs, slog.Any("metadata", entry.Metadata))
	}
	if entry.ModuleReportedSuccess != nil {
		attrs = append(attrs,
			slog.Bool("module_reported_success", *entry.ModuleReportedSuccess),
			slog.Bool("registry_verified_success", *entry.RegistryVerifiedSuccess),
			slog.Time("registry_timestamp", *entry.RegistryTimestamp),
		)
	}
	s.logger.LogAttrs(ctx, LevelAudit, "audit_event", attrs...)
}

// RingSink keeps the most recent entries in a bounded in-memory ring.
// When the ring is full the oldest entry is handed to the OnOverflow
// callback (when set) before being discarded. The ring exposes no query
// surface.
type RingSink struct {
	mu         sync.Mutex
	entries    []Entry
	head       int
	size       int
	capacity   int
	onOverflow func(Entry)
}

// NewRingSink creates a RingSink with the given capacity. onOverflow may be
// nil; it is invoked synchronously under the ring lock, so callbacks must be
// cheap (hand off to their own queue for real persistence).
func NewRingSink(capacity int, onOverflow func(Entry)) *RingSink {
	if capacity < 1 {
		capacity = 1
	}
	return &RingSink{
		entries:    make([]Entry, capacity),
		capacity:   capacity,
		onOverflow: onOverflow,
	}
}

// Record implements Sink.
func (s *RingSink) Record(_ context.Context, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == s.capacity {
		oldest := s.entries[s.head]
		if s.onOverflow != nil {
			s.onOverflow(oldest)
		}
		s.entries[s.head] = entry
		s.head = (s.head + 1) % s.capacity
		return
	}

	s.entries[(s.head+s.size)%s.capacity] = entry
	s.size++
}

// MultiSink fans entries out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; nil members are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

// Record implements Sink.
func (s *MultiSink) Record(ctx context.Context, entry Entry) {
	for _, sink := range s.sinks {
		sink.Record(ctx, entry)
	}
}

// AsyncSink decouples audit writes from the request path through a bounded
// queue drained by a single worker. Entries that cannot be queued are handed
// to onDrop (when set) and discarded, never blocking the caller.
type AsyncSink struct {
	backing Sink
	queue   chan Entry
	onDrop  func(Entry)
	done    chan struct{}
	once    sync.Once
}

// NewAsyncSink wraps backing with a bounded queue of the given size.
func NewAsyncSink(backing Sink, queueSize int, onDrop func(Entry)) *AsyncSink {
	if queueSize < 1 {
		queueSize = 1
	}
	s := &AsyncSink{
		backing: backing,
		queue:   make(chan Entry, queueSize),
		onDrop:  onDrop,
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *AsyncSink) drain() {
	for entry := range s.queue {
		s.backing.Record(context.Background(), entry)
	}
	close(s.done)
}

// Record implements Sink. It never blocks.
func (s *AsyncSink) Record(_ context.Context, entry Entry) {
	select {
	case s.queue <- entry:
	default:
		if s.onDrop != nil {
			s.onDrop(entry)
		}
	}
}

// Close stops the worker after the queue is drained.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.queue)
	})
	<-s.done
}
