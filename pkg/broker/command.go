package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/pkg/body"
	"github.com/parley-dev/parley/pkg/middleware"
)

// command is one unit of work for the broker's run goroutine. apply
// executes with exclusive access to the listener map.
type command interface {
	apply(b *Broker)
}

// allConversations widens a statsCmd to the whole map.
const allConversations int64 = -1

// =============================================================================
// Connect
// =============================================================================

type connectCmd struct {
	ctx          context.Context
	conversation int64
	user         int64
	addr         uuid.UUID
	target       Target
	reply        chan<- error
}

func (c connectCmd) apply(b *Broker) {
	member, err := b.st.IsMember(c.ctx, c.conversation, c.user)
	if err != nil {
		c.reply <- fmt.Errorf("broker: membership check: %w", err)
		return
	}
	if !member {
		c.reply <- ErrNotMember
		return
	}

	b.listeners[c.conversation] = append(b.listeners[c.conversation], listener{
		user:   c.user,
		addr:   c.addr,
		target: c.target,
	})
	middleware.RecordListenerChange(1)

	b.logger.Debug("listener connected",
		"conversation", c.conversation,
		"user", c.user,
		"listener", c.addr)
	c.reply <- nil
}

// =============================================================================
// Disconnect
// =============================================================================

type disconnectCmd struct {
	conversation int64
	addr         uuid.UUID

	// reply is nil for broker-internal disconnects.
	reply chan<- error
}

func (c disconnectCmd) apply(b *Broker) {
	ls := b.listeners[c.conversation]

	removed := 0
	kept := ls[:0]
	for _, l := range ls {
		if l.addr == c.addr {
			removed++
			continue
		}
		kept = append(kept, l)
	}

	// Dropping empty entries bounds memory growth from abandoned
	// conversations.
	if len(kept) == 0 {
		delete(b.listeners, c.conversation)
	} else {
		b.listeners[c.conversation] = kept
	}

	if removed > 0 {
		middleware.RecordListenerChange(-removed)
		b.logger.Debug("listener disconnected",
			"conversation", c.conversation,
			"listener", c.addr,
			"removed", removed)
	}
	if c.reply != nil {
		c.reply <- nil
	}
}

// =============================================================================
// Publish
// =============================================================================

type publishCmd struct {
	ctx          context.Context
	conversation int64
	user         int64
	body         []byte
	reply        chan<- publishResult
}

type publishResult struct {
	id  int64
	err error
}

func (c publishCmd) apply(b *Broker) {
	v, err := body.Validate(c.body)
	if err != nil {
		middleware.RecordPublish("invalid")
		c.reply <- publishResult{err: err}
		return
	}
	if len(v.Rest) != 0 {
		middleware.RecordPublish("invalid")
		c.reply <- publishResult{err: ErrTrailingData}
		return
	}

	id, ts, err := b.st.AppendMessage(c.ctx, c.conversation, c.user, v.Body)
	if err != nil {
		middleware.RecordPublish("store_error")
		c.reply <- publishResult{err: fmt.Errorf("broker: persist message: %w", err)}
		return
	}

	middleware.RecordPublish("ok")
	middleware.RecordMentions(len(v.Mentions))

	ev := Event{
		Conversation: c.conversation,
		ID:           id,
		User:         c.user,
		Timestamp:    ts,
		Body:         v.Body,
	}

	for _, l := range b.listeners[c.conversation] {
		if err := l.target.Deliver(ev); err != nil {
			middleware.RecordDelivery("failed")
			b.logger.Warn("event delivery failed, dropping listener",
				"conversation", c.conversation,
				"listener", l.addr,
				"user", l.user,
				"event_id", id,
				"error", err)
			b.dropListener(c.conversation, l.addr)
			continue
		}
		middleware.RecordDelivery("ok")
	}

	c.reply <- publishResult{id: id}
}

// =============================================================================
// Stats
// =============================================================================

type statsCmd struct {
	conversation int64 // allConversations for the whole map
	reply        chan<- Stats
}

func (c statsCmd) apply(b *Broker) {
	var s Stats
	if c.conversation == allConversations {
		s.Conversations = len(b.listeners)
		for _, ls := range b.listeners {
			s.Listeners += len(ls)
		}
	} else {
		ls := b.listeners[c.conversation]
		if len(ls) > 0 {
			s.Conversations = 1
		}
		s.Listeners = len(ls)
	}
	c.reply <- s
}
