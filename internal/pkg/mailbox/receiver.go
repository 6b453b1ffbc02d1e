package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/eventspay/payverif/internal/pkg/paystore"
)

// ErrStopped is returned by Conn.WaitNewMail when shutdown was requested.
var ErrStopped = errors.New("receiver stopped")

// DialFunc creates a fresh, unconnected session. The receiver dials two per
// subscription: one owned by the idle loop, one guarded behind OpsConn.
type DialFunc func() Conn

// Receiver owns the mailbox subscription: the single idle connection, the
// reconnect backoff state machine, the keepalive, the liveness heartbeat and
// the periodic sweep. New-message notifications flow to the dispatcher.
type Receiver struct {
	cfg        Config
	store      *paystore.Store
	dispatcher *Dispatcher
	dial       DialFunc
	ops        *OpsConn

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// read-only liveness snapshots, written only by the owning goroutines
	idleUp      atomic.Bool
	keepAliveUp atomic.Bool
	heartbeatUp atomic.Bool
	sweepUp     atomic.Bool

	// heartbeat cadence; TTL is twice the interval so one missed beat does
	// not immediately read as down
	heartbeatInterval time.Duration
}

// NewReceiver wires the receiver. The dispatcher must already be configured
// with the receiver's ops connection as its FolderOps (see NewService).
func NewReceiver(cfg Config, store *paystore.Store, dispatcher *Dispatcher, dial DialFunc, ops *OpsConn) *Receiver {
	return &Receiver{
		cfg:               cfg,
		store:             store,
		dispatcher:        dispatcher,
		dial:              dial,
		ops:               ops,
		heartbeatInterval: 30 * time.Second,
	}
}

// NewService wires the full ingestion side: a shared ops connection, the
// worker pool around it and the receiver that owns both.
func NewService(cfg Config, store *paystore.Store, parse ParseFunc, dial DialFunc) *Receiver {
	ops := &OpsConn{}
	dispatcher := NewDispatcher(store, ops, parse, cfg)
	return NewReceiver(cfg, store, dispatcher, dial, ops)
}

// Start launches the dispatcher, the main connection loop and the periodic
// schedulers. Safe to call once; a second call is a no-op.
func (r *Receiver) Start() {
	if !r.running.CompareAndSwap(false, true) {
		log.Warn("[Receiver] Already running")
		return
	}
	r.stopCh = make(chan struct{})
	r.dispatcher.Start()

	r.wg.Add(3)
	go r.mainLoop()
	go r.heartbeatLoop()
	go r.sweepLoop()
	log.Info("[Receiver] Started")
}

// Stop requests shutdown and blocks until the connection loop, schedulers and
// worker pool have drained. Resource release is best-effort throughout.
func (r *Receiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	log.Info("[Receiver] Stopping...")
	close(r.stopCh)
	r.wg.Wait()
	r.dispatcher.Stop()
	log.Info("[Receiver] Stopped")
}

// backoff tracks the reconnect delay: doubles from the floor on each
// consecutive failure, capped at the ceiling, reset after a successful
// subscribed period.
type backoff struct {
	floor, ceil, cur time.Duration
}

func newBackoff(floor, ceil time.Duration) *backoff {
	return &backoff{floor: floor, ceil: ceil, cur: floor}
}

// Next returns the delay to wait now and advances the progression.
func (b *backoff) Next() time.Duration {
	d := b.cur
	if d > b.ceil {
		d = b.ceil
	}
	b.cur *= 2
	if b.cur > b.ceil {
		b.cur = b.ceil
	}
	return d
}

func (b *backoff) Reset() {
	b.cur = b.floor
}

// mainLoop is the connection owner: disconnected -> connecting -> idling,
// back to disconnected on any transport error, with exponential backoff
// between attempts. Only this goroutine touches the idle connection.
func (r *Receiver) mainLoop() {
	defer r.wg.Done()

	bo := newBackoff(r.cfg.BackoffFloor, r.cfg.BackoffCeil)
	for r.running.Load() {
		idle, err := r.connect()
		if err != nil {
			log.Errorf("[Receiver] Connect failed: %v", err)
		} else {
			r.idleUp.Store(true)

			// catch anything that arrived while we were disconnected
			r.drainUnseen()

			kaStop := make(chan struct{})
			r.wg.Add(1)
			go r.keepAliveLoop(kaStop)

			for r.running.Load() && idle.Connected() {
				err = idle.WaitNewMail(r.stopCh)
				if errors.Is(err, ErrStopped) {
					break
				}
				if err != nil {
					log.Warnf("[Receiver] Wait error, reconnecting: %v", err)
					break
				}
				// a completed subscribed period resets the backoff
				bo.Reset()
				r.drainUnseen()
			}

			close(kaStop)
			r.idleUp.Store(false)
		}

		r.closeConns(idle)
		if !r.running.Load() {
			break
		}

		wait := bo.Next()
		log.Infof("[Receiver] Reconnect backoff %s", wait)
		select {
		case <-time.After(wait):
		case <-r.stopCh:
		}
	}
	log.Info("[Receiver] Main loop exited")
}

// connect dials and opens both sessions. The ops session connects first so a
// half-open pair never serves workers.
func (r *Receiver) connect() (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnTimeout)
	defer cancel()

	log.Infof("[Receiver] Connecting to %s:%d", r.cfg.Host, r.cfg.Port)
	if err := r.ops.connect(ctx, r.dial()); err != nil {
		return nil, err
	}

	idle := r.dial()
	if err := idle.Connect(ctx); err != nil {
		_ = r.ops.close()
		return nil, err
	}
	log.Info("[Receiver] Inbox opened")
	return idle, nil
}

// closeConns releases folder and session on both connections; a failure on
// one never prevents closing the other.
func (r *Receiver) closeConns(idle Conn) {
	if idle != nil {
		if err := idle.Close(); err != nil {
			log.Warnf("[Receiver] Error closing idle session: %v", err)
		}
	}
	if err := r.ops.close(); err != nil {
		log.Warnf("[Receiver] Error closing ops session: %v", err)
	}
}

// drainUnseen fetches every unseen inbox message and submits it to the pool.
func (r *Receiver) drainUnseen() {
	msgs, err := r.ops.UnseenMessages()
	if err != nil {
		log.Warnf("[Receiver] Failed to fetch unseen messages: %v", err)
		return
	}
	if len(msgs) > 0 {
		log.Infof("[Receiver] %d new messages", len(msgs))
	}
	for _, m := range msgs {
		r.dispatcher.Submit(m)
	}
}

// keepAliveLoop sends a no-op at a fixed interval while subscribed, keeping
// the idle session from hitting transport inactivity timeouts. It is started
// and stopped with each subscription.
func (r *Receiver) keepAliveLoop(stop <-chan struct{}) {
	defer r.wg.Done()
	r.keepAliveUp.Store(true)
	defer r.keepAliveUp.Store(false)

	ticker := time.NewTicker(r.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			// the ops session carries the NOOP; the idle session keeps its
			// own connection alive through the wait command itself
			if !r.ops.Connected() {
				continue
			}
			log.Debug("[Receiver] Keepalive NOOP")
			if err := r.noop(); err != nil {
				log.Warnf("[Receiver] Keepalive failed: %v", err)
			}
		}
	}
}

func (r *Receiver) noop() error {
	r.ops.mu.Lock()
	defer r.ops.mu.Unlock()
	if r.ops.conn == nil {
		return ErrNotConnected
	}
	return r.ops.conn.Noop()
}

// heartbeatLoop writes the liveness timestamp on a fixed period, but only
// while every owned resource reports live; a stale or missing heartbeat is
// the externally observable degradation signal.
func (r *Receiver) heartbeatLoop() {
	defer r.wg.Done()
	r.heartbeatUp.Store(true)
	defer r.heartbeatUp.Store(false)

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.writeHeartbeatOnce()
		}
	}
}

func (r *Receiver) writeHeartbeatOnce() {
	status := r.HealthStatus()
	for name, ok := range status {
		if !ok {
			log.Warnf("[Receiver] Heartbeat skipped: %s not live", name)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := r.store.WriteHeartbeat(ctx, 2*r.heartbeatInterval); err != nil {
		log.Warnf("[Receiver] Failed to write heartbeat: %v", err)
	}
}

// HealthStatus returns a point-in-time snapshot of per-resource liveness for
// the health endpoint to merge with its heartbeat-age computation.
func (r *Receiver) HealthStatus() map[string]bool {
	return map[string]bool{
		"running":    r.running.Load(),
		"idleConn":   r.idleUp.Load(),
		"opsConn":    r.ops.Connected(),
		"dispatcher": r.dispatcher.IsRunning(),
		"keepAlive":  r.keepAliveUp.Load(),
		"heartbeat":  r.heartbeatUp.Load(),
		"sweep":      r.sweepUp.Load(),
	}
}

// sweepLoop periodically reconciles the inbox against the claim store,
// recovering messages whose notifications were lost to reconnect gaps.
func (r *Receiver) sweepLoop() {
	defer r.wg.Done()
	r.sweepUp.Store(true)
	defer r.sweepUp.Store(false)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunSweepOnce()
		}
	}
}

// RunSweepOnce scans recent headers and resubmits any message the claim store
// has not marked processed. A message claimed concurrently between scan and
// resubmission simply exits at the pipeline's dedup step. Also exposed as a
// manual trigger for the admin surface.
func (r *Receiver) RunSweepOnce() {
	if !r.ops.Connected() {
		log.Debug("[Receiver] Sweep skipped: not connected")
		return
	}

	since := time.Now().Add(-r.cfg.SweepLookback)
	headers, err := r.ops.RecentHeaders(since)
	if err != nil {
		log.Warnf("[Receiver] Sweep header scan failed: %v", err)
		return
	}

	for _, h := range headers {
		if h.MessageID == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		processed, err := r.store.IsProcessed(ctx, h.MessageID)
		cancel()
		if err != nil {
			log.Warnf("[Receiver] Sweep dedup check failed for mid=%s: %v", h.MessageID, err)
			continue
		}
		if processed {
			continue
		}

		log.Infof("[Receiver] Sweep found unprocessed message mid=%s, fetching", h.MessageID)
		full, err := r.ops.FetchByUID(h.UID)
		if err != nil {
			log.Warnf("[Receiver] Sweep fetch failed for mid=%s: %v", h.MessageID, err)
			continue
		}
		r.dispatcher.Submit(*full)
	}
}
