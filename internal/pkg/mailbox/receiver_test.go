package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventspay/payverif/internal/pkg/paystore"
)

// connGate coordinates connect failures across the dialed fake sessions.
type connGate struct {
	mu           sync.Mutex
	failuresLeft int
	attempts     int
}

func (g *connGate) tryConnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	if g.failuresLeft > 0 {
		g.failuresLeft--
		return errors.New("dial refused")
	}
	return nil
}

func (g *connGate) attemptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

// fakeConn is a scriptable in-memory session.
type fakeConn struct {
	mu        sync.Mutex
	gate      *connGate
	connected bool

	unseen  []Message
	headers []Header
	byUID   map[uint32]Message
	fetched []uint32
	noops   int
}

func (f *fakeConn) Connect(_ context.Context) error {
	if f.gate != nil {
		if err := f.gate.tryConnect(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeConn) WaitNewMail(stop <-chan struct{}) error {
	<-stop
	return ErrStopped
}

func (f *fakeConn) Noop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noops++
	return nil
}

func (f *fakeConn) UnseenMessages() ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.unseen
	f.unseen = nil
	return msgs, nil
}

func (f *fakeConn) RecentHeaders(_ time.Time) ([]Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers, nil
}

func (f *fakeConn) FetchByUID(uid uint32) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byUID[uid]
	if !ok {
		return nil, errors.New("no such message")
	}
	f.fetched = append(f.fetched, uid)
	return &msg, nil
}

func (f *fakeConn) Move(uint32, string) error { return nil }

func (f *fakeConn) MarkSeen(uint32) error { return nil }

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeConn) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

func receiverConfig() Config {
	cfg := testConfig()
	cfg.Host = "imap.test.local"
	cfg.Port = 993
	cfg.ConnTimeout = time.Second
	cfg.KeepAliveInterval = time.Hour
	cfg.BackoffFloor = time.Millisecond
	cfg.BackoffCeil = 8 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.SweepLookback = time.Hour
	return cfg
}

func newTestReceiver(t *testing.T, cfg Config, conn *fakeConn) (*Receiver, *paystore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := paystore.New(client)
	ops := &OpsConn{}
	d := NewDispatcher(store, ops, parsedFact, cfg)
	r := NewReceiver(cfg, store, d, func() Conn { return conn }, ops)
	return r, store, mr
}

func TestBackoffProgression(t *testing.T) {
	bo := newBackoff(2*time.Second, 100*time.Second)

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 100 * time.Second, 100 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.Next(), "step %d", i)
	}

	bo.Reset()
	assert.Equal(t, 2*time.Second, bo.Next())
}

func TestReceiverDrainsUnseenOnConnect(t *testing.T) {
	cfg := receiverConfig()
	msg := testMessage(31, "<mid-31@mail.example.com>")
	conn := &fakeConn{unseen: []Message{msg}}

	r, store, _ := newTestReceiver(t, cfg, conn)
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		processed, err := store.IsProcessed(context.Background(), msg.MessageID)
		return err == nil && processed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReceiverReconnectsAfterFailure(t *testing.T) {
	cfg := receiverConfig()
	gate := &connGate{failuresLeft: 2}
	msg := testMessage(33, "<mid-33@mail.example.com>")
	conn := &fakeConn{gate: gate, unseen: []Message{msg}}

	r, store, _ := newTestReceiver(t, cfg, conn)
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		processed, err := store.IsProcessed(context.Background(), msg.MessageID)
		return err == nil && processed
	}, 2*time.Second, 10*time.Millisecond)

	// the two refused dials plus at least one successful pair
	assert.GreaterOrEqual(t, gate.attemptCount(), 3)
}

func TestReceiverStopIdempotent(t *testing.T) {
	cfg := receiverConfig()
	r, _, _ := newTestReceiver(t, cfg, &fakeConn{})

	r.Start()
	r.Stop()
	r.Stop()

	assert.False(t, r.running.Load())
}

func TestRunSweepOnce(t *testing.T) {
	cfg := receiverConfig()
	now := time.Now().UTC()

	claimed := testMessage(41, "<mid-41@mail.example.com>")
	missed := testMessage(42, "<mid-42@mail.example.com>")

	conn := &fakeConn{
		headers: []Header{
			{UID: 41, MessageID: claimed.MessageID, ReceivedAt: now.Add(-10 * time.Minute)},
			{UID: 42, MessageID: missed.MessageID, ReceivedAt: now.Add(-20 * time.Minute)},
			{UID: 43, MessageID: "", ReceivedAt: now.Add(-5 * time.Minute)},
		},
		byUID: map[uint32]Message{42: missed},
	}

	r, store, _ := newTestReceiver(t, cfg, conn)
	ctx := context.Background()

	fact := parsedFact(&claimed)
	_, err := store.ClaimAndPublish(ctx, fact, cfg.BusinessTTL, cfg.ProcessedTTL)
	require.NoError(t, err)

	require.NoError(t, conn.Connect(ctx))
	r.ops.set(conn)
	r.dispatcher.Start()
	defer r.dispatcher.Stop()

	r.RunSweepOnce()

	assert.Eventually(t, func() bool {
		processed, err := store.IsProcessed(ctx, missed.MessageID)
		return err == nil && processed
	}, 2*time.Second, 10*time.Millisecond)

	// only the missed message needed a body download
	assert.Equal(t, 1, conn.fetchCount())

	// a second pass finds everything claimed and fetches nothing new
	r.RunSweepOnce()
	assert.Equal(t, 1, conn.fetchCount())
}

func TestSweepSkippedWhenDisconnected(t *testing.T) {
	cfg := receiverConfig()
	conn := &fakeConn{headers: []Header{{UID: 51, MessageID: "<mid-51@mail.example.com>"}}}

	r, _, _ := newTestReceiver(t, cfg, conn)
	r.RunSweepOnce()

	assert.Equal(t, 0, conn.fetchCount())
}

func TestHeartbeatGatedOnLiveness(t *testing.T) {
	cfg := receiverConfig()
	conn := &fakeConn{}

	r, _, mr := newTestReceiver(t, cfg, conn)
	r.heartbeatInterval = 10 * time.Millisecond

	// nothing is live yet, so no heartbeat may be written
	r.writeHeartbeatOnce()
	assert.False(t, mr.Exists("email-listener:heartbeat"))

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		return mr.Exists("email-listener:heartbeat")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealthStatusSnapshot(t *testing.T) {
	cfg := receiverConfig()
	r, _, _ := newTestReceiver(t, cfg, &fakeConn{})

	status := r.HealthStatus()
	for name, ok := range status {
		assert.False(t, ok, "%s should be down before start", name)
	}

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		status := r.HealthStatus()
		for _, ok := range status {
			if !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}
