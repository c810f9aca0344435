package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/pkg/store"
)

// Broker errors.
var (
	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("broker: closed")

	// ErrNotMember is returned by Connect when the user does not belong
	// to the conversation.
	ErrNotMember = errors.New("broker: user is not a member of the conversation")

	// ErrTrailingData is returned by Publish when bytes follow the
	// message body. One publish carries exactly one message.
	ErrTrailingData = errors.New("broker: trailing bytes after message body")
)

// Event is one validated, persisted message fanned out to a
// conversation's listeners. Events are read-only after creation.
type Event struct {
	Conversation int64
	ID           int64
	User         int64
	Timestamp    time.Time
	Body         []byte
}

// Target accepts event deliveries for one listener. Deliver must not
// block: a full or closed target returns an error immediately and the
// broker drops the listener.
type Target interface {
	Deliver(Event) error
}

// listener is one registration in the conversation map.
type listener struct {
	user   int64
	addr   uuid.UUID
	target Target
}

// DefaultMailboxSize is the default command mailbox capacity.
const DefaultMailboxSize = 256

// Config configures a Broker.
type Config struct {
	// MailboxSize is the command mailbox capacity.
	// Default: DefaultMailboxSize.
	MailboxSize int

	// Logger receives delivery failure and lifecycle logs.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() *Config {
	return &Config{
		MailboxSize: DefaultMailboxSize,
	}
}

// Broker owns the conversation to listener-set map. All operations
// funnel through one goroutine via the command mailbox, giving a
// process-wide total order over Connect, Disconnect and Publish.
type Broker struct {
	st     store.MessageStore
	logger *slog.Logger

	cmds chan command
	stop chan struct{}
	done chan struct{}

	closed atomic.Bool

	// listeners is touched only by the run goroutine.
	listeners map[int64][]listener
}

// New creates a broker over the given message store and starts its
// command loop. Construct one per process and hand it to every
// session.
func New(st store.MessageStore, cfg *Config) *Broker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mailbox := cfg.MailboxSize
	if mailbox <= 0 {
		mailbox = DefaultMailboxSize
	}

	b := &Broker{
		st:        st,
		logger:    logger.With("component", "broker"),
		cmds:      make(chan command, mailbox),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[int64][]listener),
	}

	go b.run()
	return b
}

// Connect registers a listener for a conversation after verifying the
// user's membership with the message store. Repeated registrations for
// the same address are kept as separate listeners.
func (b *Broker) Connect(ctx context.Context, conversation, user int64, addr uuid.UUID, target Target) error {
	reply := make(chan error, 1)
	cmd := connectCmd{
		ctx:          ctx,
		conversation: conversation,
		user:         user,
		addr:         addr,
		target:       target,
		reply:        reply,
	}
	if err := b.post(ctx, cmd); err != nil {
		return err
	}
	return b.awaitErr(ctx, reply)
}

// Disconnect removes every listener registered under addr for the
// conversation. Unknown addresses are a no-op.
func (b *Broker) Disconnect(ctx context.Context, conversation int64, addr uuid.UUID) error {
	reply := make(chan error, 1)
	cmd := disconnectCmd{
		conversation: conversation,
		addr:         addr,
		reply:        reply,
	}
	if err := b.post(ctx, cmd); err != nil {
		return err
	}
	return b.awaitErr(ctx, reply)
}

// Publish validates msgBody, persists it, and fans the resulting event
// out to every listener registered for the conversation, in
// registration order. Delivery is best-effort: a failed delivery drops
// that one listener and neither aborts the fan-out nor fails the
// publish. The returned id is the event id assigned by the message
// store.
//
// A validation failure is returned as a *body.Error and never reaches
// the store; ErrTrailingData reports bytes left over after the root
// frame.
func (b *Broker) Publish(ctx context.Context, conversation, user int64, msgBody []byte) (int64, error) {
	reply := make(chan publishResult, 1)
	cmd := publishCmd{
		ctx:          ctx,
		conversation: conversation,
		user:         user,
		body:         msgBody,
		reply:        reply,
	}
	if err := b.post(ctx, cmd); err != nil {
		return 0, err
	}

	select {
	case res := <-reply:
		return res.id, res.err
	case <-b.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Listeners reports how many listeners are registered for a
// conversation. For tests and diagnostics.
func (b *Broker) Listeners(ctx context.Context, conversation int64) (int, error) {
	stats, err := b.stats(ctx, conversation)
	if err != nil {
		return 0, err
	}
	return stats.Listeners, nil
}

// Stats is a point-in-time snapshot of broker state.
type Stats struct {
	Conversations int // conversations with at least one listener
	Listeners     int // registered listeners in total
}

// Stats returns a snapshot of the whole listener map.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	return b.stats(ctx, allConversations)
}

func (b *Broker) stats(ctx context.Context, conversation int64) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := b.post(ctx, statsCmd{conversation: conversation, reply: reply}); err != nil {
		return Stats{}, err
	}

	select {
	case s := <-reply:
		return s, nil
	case <-b.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Close stops the command loop and waits for it to exit. Commands the
// loop has not picked up are abandoned; their callers receive
// ErrClosed. Closing twice is a no-op.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.stop)
	<-b.done

	b.logger.Info("broker stopped")
	return nil
}

// post enqueues a command, failing fast when the broker is closed or
// the caller's context expires before mailbox space frees up.
func (b *Broker) post(ctx context.Context, cmd command) error {
	if b.closed.Load() {
		return ErrClosed
	}

	select {
	case b.cmds <- cmd:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitErr waits for a command's error reply.
func (b *Broker) awaitErr(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the broker's single goroutine. Every command mutating or
// reading the listener map executes here, one at a time.
func (b *Broker) run() {
	defer close(b.done)

	for {
		select {
		case <-b.stop:
			return
		case cmd := <-b.cmds:
			cmd.apply(b)
		}
	}
}

// dropListener schedules a Disconnect for a dead listener. The run
// goroutine cannot post to its own mailbox without risking deadlock on
// a full buffer, so the post happens from a helper goroutine.
func (b *Broker) dropListener(conversation int64, addr uuid.UUID) {
	go func() {
		select {
		case b.cmds <- disconnectCmd{conversation: conversation, addr: addr}:
		case <-b.done:
		}
	}()
}
