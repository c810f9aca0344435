package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/parley-dev/parley/pkg/store"
)

// s3API is the slice of the S3 client the archiver uses. Tests provide
// a fake; production passes *s3.Client.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config controls batching and object naming.
type Config struct {
	// Bucket is the destination S3 bucket. Required.
	Bucket string

	// Prefix is prepended to every object key.
	// Default: "archive/".
	Prefix string

	// MaxBatch is the number of pending entries that triggers an early
	// flush. Default: 256.
	MaxBatch int

	// FlushInterval uploads whatever is pending even when the batch is
	// not full. Default: 30s.
	FlushInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults. Bucket must
// still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		Prefix:        "archive/",
		MaxBatch:      256,
		FlushInterval: 30 * time.Second,
	}
}

// Entry is one archived event. Body is the raw message body; JSON
// marshals it as base64.
type Entry struct {
	ID           int64     `json:"id"`
	Conversation int64     `json:"conversation"`
	User         int64     `json:"user"`
	Timestamp    time.Time `json:"timestamp"`
	Body         []byte    `json:"body"`
}

// Archiver batches accepted events and uploads them to S3 as JSONL
// objects, one JSON document per line. Archival is best-effort: a
// failed upload is retried on the next flush, and the backlog is
// bounded so a long outage degrades to dropping the oldest entries
// rather than growing without limit.
type Archiver struct {
	client s3API
	config *Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []Entry

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an Archiver and starts its flush loop.
func New(client s3API, config *Config) *Archiver {
	if config == nil {
		config = DefaultConfig()
	} else {
		defaults := DefaultConfig()
		if config.Prefix == "" {
			config.Prefix = defaults.Prefix
		}
		if config.MaxBatch <= 0 {
			config.MaxBatch = defaults.MaxBatch
		}
		if config.FlushInterval <= 0 {
			config.FlushInterval = defaults.FlushInterval
		}
	}

	a := &Archiver{
		client:  client,
		config:  config,
		logger:  slog.Default().With("component", "archive"),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	a.wg.Add(1)
	go a.flushLoop()

	return a
}

// Record queues one entry for archival. It never blocks and never
// fails; entries recorded after Close are dropped.
func (a *Archiver) Record(e Entry) {
	if a.closed.Load() {
		return
	}

	a.mu.Lock()
	a.pending = append(a.pending, e)
	full := len(a.pending) >= a.config.MaxBatch
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of entries waiting for upload.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close flushes whatever is pending and stops the flush loop.
func (a *Archiver) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	close(a.done)
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.flush(ctx)
}

func (a *Archiver) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush(context.Background())
		case <-a.flushCh:
			a.flush(context.Background())
		case <-a.done:
			return
		}
	}
}

// flush uploads all pending entries as one JSONL object. On failure the
// batch is requeued ahead of anything recorded since.
func (a *Archiver) flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			a.logger.Error("archive encode failed", "error", err, "id", e.ID)
			return fmt.Errorf("archive: encode entry %d: %w", e.ID, err)
		}
	}

	key := a.objectKey(batch[0], batch[len(batch)-1])

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.requeue(batch)
		a.logger.Error("archive upload failed",
			"error", err,
			"key", key,
			"entries", len(batch))
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}

	a.logger.Debug("archive batch uploaded",
		"key", key,
		"entries", len(batch))
	return nil
}

// requeue puts a failed batch back in front of newer entries, trimming
// the oldest once the backlog passes 64 full batches.
func (a *Archiver) requeue(batch []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(batch, a.pending...)

	limit := a.config.MaxBatch * 64
	if len(a.pending) > limit {
		dropped := len(a.pending) - limit
		a.pending = a.pending[dropped:]
		a.logger.Warn("archive backlog over limit, dropping oldest entries",
			"dropped", dropped,
			"limit", limit)
	}
}

// objectKey builds a date-partitioned key covering the batch id range.
func (a *Archiver) objectKey(first, last Entry) string {
	return fmt.Sprintf("%s%s/events-%d-%d.jsonl",
		a.config.Prefix,
		first.Timestamp.UTC().Format("2006/01/02"),
		first.ID, last.ID)
}

// =============================================================================
// MessageStore decorator
// =============================================================================

// Store decorates a MessageStore so every accepted message is also
// queued for archival. All other operations pass through unchanged.
type Store struct {
	store.MessageStore
	archiver *Archiver
}

// NewStore wraps inner with archival through arch.
func NewStore(inner store.MessageStore, arch *Archiver) *Store {
	return &Store{MessageStore: inner, archiver: arch}
}

// AppendMessage persists through the wrapped store and, on success,
// records the event. Archival never fails an accepted append.
func (s *Store) AppendMessage(ctx context.Context, conversation, user int64, msgBody []byte) (int64, time.Time, error) {
	id, ts, err := s.MessageStore.AppendMessage(ctx, conversation, user, msgBody)
	if err != nil {
		return id, ts, err
	}

	// The append contract leaves msgBody ownership with the caller.
	bodyCopy := append([]byte(nil), msgBody...)
	s.archiver.Record(Entry{
		ID:           id,
		Conversation: conversation,
		User:         user,
		Timestamp:    ts,
		Body:         bodyCopy,
	})

	return id, ts, nil
}
