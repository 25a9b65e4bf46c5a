// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerConfig holds configuration for the embedded queue backend.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Tests only.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Visibility is how long a dequeued message stays invisible before it
	// is eligible for redelivery. Default: 30s.
	Visibility time.Duration

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to a negative value to disable.
	GCInterval time.Duration

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults: durable writes, 30s
// visibility, 5-minute GC.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		Visibility: 30 * time.Second,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryBadgerConfig returns a configuration for tests: no disk I/O,
// no GC, short visibility so redelivery paths are exercisable.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:   true,
		Visibility: 30 * time.Second,
		GCInterval: -1,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerQueue is a log-backed durable Queue on BadgerDB.
//
// # Key Layout
//
//	q/{queue}/m/{seq} -> JSON Message   (the log)
//	q/{queue}/i/{seq} -> deadline nanos (in-flight marker)
//
// Sequence numbers are monotonically increasing per queue, so key-order
// iteration yields FIFO delivery. The ack token is the sequence number.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions serialize conflicting
// writers and the sequence map is mutex-guarded.
type BadgerQueue struct {
	db         *badger.DB
	visibility time.Duration

	mu   sync.Mutex
	seqs map[string]*badger.Sequence

	gcDone chan struct{}
	closed bool
}

// OpenBadger opens (creating if needed) a BadgerQueue at cfg.Path.
func OpenBadger(cfg BadgerConfig) (*BadgerQueue, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent queue")
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create queue directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue: %w", err)
	}

	q := &BadgerQueue{
		db:         db,
		visibility: cfg.Visibility,
		seqs:       make(map[string]*badger.Sequence),
		gcDone:     make(chan struct{}),
	}

	gcInterval := cfg.GCInterval
	if gcInterval == 0 {
		gcInterval = 5 * time.Minute
	}
	if gcInterval > 0 && !cfg.InMemory {
		go q.gcLoop(gcInterval)
	}
	return q, nil
}

func (q *BadgerQueue) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.gcDone:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing
			// to collect; that is not a failure.
			_ = q.db.RunValueLogGC(0.5)
		}
	}
}

func msgKey(queue string, seq uint64) []byte {
	return []byte(fmt.Sprintf("q/%s/m/%016x", queue, seq))
}

func inflightKey(queue string, seq uint64) []byte {
	return []byte(fmt.Sprintf("q/%s/i/%016x", queue, seq))
}

func (q *BadgerQueue) sequence(queue string) (*badger.Sequence, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq, ok := q.seqs[queue]; ok {
		return seq, nil
	}
	seq, err := q.db.GetSequence([]byte("q/"+queue+"/seq"), 64)
	if err != nil {
		return nil, fmt.Errorf("queue sequence for %s: %w", queue, err)
	}
	q.seqs[queue] = seq
	return seq, nil
}

// Enqueue appends a message to the named queue's log.
func (q *BadgerQueue) Enqueue(ctx context.Context, queue string, body []byte) error {
	if q.isClosed() {
		return ErrQueueUnavailable
	}
	seq, err := q.sequence(queue)
	if err != nil {
		return err
	}
	n, err := seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence for %s: %w", queue, err)
	}

	msg := Message{
		ID:         uuid.NewString(),
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(msgKey(queue, n), data)
	})
	if err != nil {
		return fmt.Errorf("%w: enqueue to %s: %v", ErrQueueUnavailable, queue, err)
	}
	return nil
}

// Dequeue scans the queue log in FIFO order, skipping messages whose
// in-flight window has not lapsed, and marks up to max messages in flight.
func (q *BadgerQueue) Dequeue(ctx context.Context, queue string, max int) ([]Delivery, error) {
	if q.isClosed() {
		return nil, ErrQueueUnavailable
	}
	if max < 1 {
		max = 1
	}

	now := time.Now()
	deadline := now.Add(q.visibility).UnixNano()
	prefix := []byte(fmt.Sprintf("q/%s/m/", queue))

	var out []Delivery
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < max; it.Next() {
			item := it.Item()
			key := string(item.Key())
			seqHex := strings.TrimPrefix(key, string(prefix))
			seq, err := strconv.ParseUint(seqHex, 16, 64)
			if err != nil {
				continue // foreign key under the prefix; leave it alone
			}

			// Skip messages another consumer holds.
			if infItem, err := txn.Get(inflightKey(queue, seq)); err == nil {
				raw, err := infItem.ValueCopy(nil)
				if err == nil {
					if until, err := strconv.ParseInt(string(raw), 10, 64); err == nil && now.UnixNano() < until {
						continue
					}
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("corrupt queue message at %s: %w", key, err)
			}

			marker := []byte(strconv.FormatInt(deadline, 10))
			if err := txn.Set(inflightKey(queue, seq), marker); err != nil {
				return err
			}
			out = append(out, Delivery{AckToken: seqHex, Message: msg})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue from %s: %v", ErrQueueUnavailable, queue, err)
	}
	return out, nil
}

// Ack deletes the message and its in-flight marker.
func (q *BadgerQueue) Ack(ctx context.Context, queue string, ackToken string) error {
	if q.isClosed() {
		return ErrQueueUnavailable
	}
	seq, err := strconv.ParseUint(ackToken, 16, 64)
	if err != nil {
		return ErrUnknownAck
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(msgKey(queue, seq)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrUnknownAck
			}
			return err
		}
		if err := txn.Delete(msgKey(queue, seq)); err != nil {
			return err
		}
		return txn.Delete(inflightKey(queue, seq))
	})
	if errors.Is(err, ErrUnknownAck) {
		return ErrUnknownAck
	}
	if err != nil {
		return fmt.Errorf("%w: ack on %s: %v", ErrQueueUnavailable, queue, err)
	}
	return nil
}

// Close releases sequences, stops GC, and closes the database.
func (q *BadgerQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.gcDone)
	for _, seq := range q.seqs {
		_ = seq.Release()
	}
	q.mu.Unlock()
	return q.db.Close()
}

func (q *BadgerQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

var _ Queue = (*BadgerQueue)(nil)
