// Package mailbox owns the live IMAP subscription, the bounded worker pool
// that processes incoming payment notifications, and the periodic sweep that
// recovers messages the event stream missed.
package mailbox

import (
	"context"
	"time"
)

// Holding folders messages are moved to after the pipeline classifies them.
const (
	FolderProcessed   = "Processed"
	FolderUnprocessed = "Unprocessed"
)

// Message is one mail pulled from the inbox with its body already extracted.
type Message struct {
	UID        uint32
	MessageID  string
	Subject    string
	From       string
	SentAt     time.Time
	ReceivedAt time.Time
	Body       string
}

// Header is the envelope-only view of an inbox message, fetched by the sweep
// so unprocessed mail can be detected without downloading bodies.
type Header struct {
	UID        uint32
	MessageID  string
	ReceivedAt time.Time
}

// Conn is one IMAP session. Implementations are NOT safe for concurrent use;
// the receiver gives the idle connection a single owning goroutine and guards
// the ops connection with a mutex.
type Conn interface {
	// Connect opens the session and selects the inbox read/write.
	Connect(ctx context.Context) error

	// WaitNewMail blocks until the server signals new messages, the stop
	// channel closes (returns ErrStopped), or the session fails.
	WaitNewMail(stop <-chan struct{}) error

	// Noop sends a keepalive no-op.
	Noop() error

	// UnseenMessages fetches all currently unseen inbox messages in full.
	UnseenMessages() ([]Message, error)

	// RecentHeaders lists envelope data for messages received since the
	// given time.
	RecentHeaders(since time.Time) ([]Header, error)

	// FetchByUID downloads one full message.
	FetchByUID(uid uint32) (*Message, error)

	// Move copies the message to folder (creating it if needed) and expunges
	// it from the inbox.
	Move(uid uint32, folder string) error

	// MarkSeen flags the message as seen.
	MarkSeen(uid uint32) error

	Connected() bool

	// Close releases the folder and session, best-effort.
	Close() error
}
