package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotConnected is returned by ops calls while no session is established.
var ErrNotConnected = errors.New("mailbox not connected")

// OpsConn serializes folder operations (fetch, move, mark seen, header scans)
// onto a dedicated session so workers and the sweep never touch the idle
// connection. The underlying session is swapped on every reconnect.
type OpsConn struct {
	mu   sync.Mutex
	conn Conn
}

func (o *OpsConn) set(conn Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn = conn
}

func (o *OpsConn) close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil
	}
	err := o.conn.Close()
	o.conn = nil
	return err
}

// Connected reports whether a live session is attached.
func (o *OpsConn) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn != nil && o.conn.Connected()
}

func (o *OpsConn) Move(uid uint32, folder string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return ErrNotConnected
	}
	return o.conn.Move(uid, folder)
}

func (o *OpsConn) MarkSeen(uid uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return ErrNotConnected
	}
	return o.conn.MarkSeen(uid)
}

func (o *OpsConn) UnseenMessages() ([]Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil, ErrNotConnected
	}
	return o.conn.UnseenMessages()
}

func (o *OpsConn) RecentHeaders(since time.Time) ([]Header, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil, ErrNotConnected
	}
	return o.conn.RecentHeaders(since)
}

func (o *OpsConn) FetchByUID(uid uint32) (*Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil, ErrNotConnected
	}
	return o.conn.FetchByUID(uid)
}

func (o *OpsConn) connect(ctx context.Context, conn Conn) error {
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	o.set(conn)
	return nil
}
