// Package notify is the outbound notification boundary. The engine only
// requests dispatch and records the ticket; delivery, retries, and
// acknowledgment tracking live outside this service.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delivery channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Message is one dispatch request.
type Message struct {
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Data      map[string]string `json:"data,omitempty"`
}

// Ticket acknowledges that dispatch was requested. It says nothing about
// delivery.
type Ticket struct {
	ID         string    `json:"id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Dispatcher requests delivery of a message. Implementations must not block
// on delivery completing.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) (Ticket, error)
}

// MemoryDispatcher records dispatch requests in memory. For tests and local
// development.
type MemoryDispatcher struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryDispatcher creates a recording dispatcher.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{}
}

// Dispatch records the message and returns a ticket.
func (d *MemoryDispatcher) Dispatch(_ context.Context, msg Message) (Ticket, error) {
	d.mu.Lock()
	d.messages = append(d.messages, msg)
	d.mu.Unlock()

	return Ticket{ID: uuid.New().String(), AcceptedAt: time.Now().UTC()}, nil
}

// Messages returns a copy of all recorded messages.
func (d *MemoryDispatcher) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// Last returns the most recently recorded message, if any.
func (d *MemoryDispatcher) Last() (Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.messages) == 0 {
		return Message{}, false
	}
	return d.messages[len(d.messages)-1], true
}
