package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/eventspay/payverif/internal/pkg/payment"
	"github.com/eventspay/payverif/internal/pkg/paystore"
)

const storeOpTimeout = 10 * time.Second

// FolderOps is the slice of the transport the pipeline needs to file away a
// handled message. Implementations must be safe for concurrent workers.
type FolderOps interface {
	Move(uid uint32, folder string) error
	MarkSeen(uid uint32) error
}

// ParseFunc turns one raw message into a payment fact, nil when unrecognized.
type ParseFunc func(*Message) *payment.Fact

// Dispatcher runs the per-message pipeline on a bounded worker pool. Ordering
// across messages is not guaranteed; idempotency in the claim store is the
// correctness mechanism.
type Dispatcher struct {
	store   *paystore.Store
	ops     FolderOps
	parse   ParseFunc
	cfg     Config
	workers int

	jobs    chan Message
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a dispatcher with cfg.WorkerCount workers.
func NewDispatcher(store *paystore.Store, ops FolderOps, parse ParseFunc, cfg Config) *Dispatcher {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 6 // default pool size
	}
	return &Dispatcher{
		store:   store,
		ops:     ops,
		parse:   parse,
		cfg:     cfg,
		workers: workers,
		jobs:    make(chan Message, workers*4),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.stopCh = make(chan struct{})
	d.running = true
	log.Infof("[Dispatcher] Starting %d workers", d.workers)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop drains the pool: workers finish their current message, then exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	log.Info("[Dispatcher] Stopping workers...")
	close(d.stopCh)
	d.running = false
	d.wg.Wait()
	log.Info("[Dispatcher] All workers stopped")
}

// IsRunning reports whether the worker pool is live.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Submit hands a message to the pool. When the queue is full the send blocks,
// applying backpressure to the event source rather than dropping the message.
func (d *Dispatcher) Submit(msg Message) {
	select {
	case d.jobs <- msg:
	default:
		log.Warnf("[Dispatcher] Queue full, backpressure on submit (mid=%s)", msg.MessageID)
		select {
		case d.jobs <- msg:
		case <-d.stopCh:
			log.Warnf("[Dispatcher] Dropped message on shutdown (mid=%s)", msg.MessageID)
		}
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log.Infof("[Dispatcher] Worker %d started", id)

	for {
		select {
		case <-d.stopCh:
			log.Infof("[Dispatcher] Worker %d stopping", id)
			return
		case msg := <-d.jobs:
			d.safeHandle(msg)
		}
	}
}

// safeHandle keeps a panicking pipeline from killing the worker: the message
// is routed to the unprocessed holding area so it cannot retry forever.
func (d *Dispatcher) safeHandle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Dispatcher] Panic processing message %s: %v", msg.MessageID, r)
			d.moveBestEffort(msg.UID, FolderUnprocessed)
		}
	}()
	d.handle(msg)
}

// handle is the per-message pipeline: resolve id, dedup fast path, parse,
// staleness filter, atomic claim, move/acknowledge. Each step short-circuits
// on terminal outcomes.
func (d *Dispatcher) handle(msg Message) {
	messageID := msg.MessageID
	if messageID == "" {
		messageID = "synth-" + uuid.New().String()
		log.Debugf("[Dispatcher] Message without id, synthesized %s", messageID)
	}
	msg.MessageID = messageID

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	// Dedup fast path. A store read error here falls open to full parsing
	// rather than dropping the message.
	processed, err := d.store.IsProcessed(ctx, messageID)
	if err != nil {
		log.Warnf("[Dispatcher] Dedup check failed for mid=%s, continuing to parse: %v", messageID, err)
	} else if processed {
		log.Debugf("[Dispatcher] Message already processed (mid=%s), skipping", messageID)
		d.ackBestEffort(msg.UID, FolderProcessed)
		return
	}

	fact := d.parse(&msg)
	if fact == nil || fact.Unparseable() {
		log.Infof("[Dispatcher] Could not parse payment info, moving to %s (mid=%s)", FolderUnprocessed, messageID)
		sentinel := &payment.Fact{
			PaymentID: payment.SentinelPaymentID,
			PaidAt:    time.Now().UTC(),
			Subject:   msg.Subject,
			MessageID: messageID,
		}
		if _, err := d.store.ClaimSuppressed(ctx, sentinel, d.cfg.BusinessTTL, d.cfg.ProcessedTTL); err != nil {
			log.Warnf("[Dispatcher] Failed to record sentinel claim for mid=%s: %v", messageID, err)
		}
		d.ackBestEffort(msg.UID, FolderUnprocessed)
		return
	}

	if fact.MessageID == "" {
		fact.MessageID = messageID
	} else {
		messageID = fact.MessageID
	}

	// Staleness filter: record the claim so the message is never reparsed,
	// but never publish a consumable verification entry for it.
	if fact.PaidAt.Before(time.Now().Add(-d.cfg.MaxPaymentAge)) {
		log.Infof("[Dispatcher] Payment %s older than %s (paidAt=%s, mid=%s)",
			fact.PaymentID, d.cfg.MaxPaymentAge, fact.PaidAt.Format(time.RFC3339), messageID)
		if _, err := d.store.ClaimSuppressed(ctx, fact, d.cfg.BusinessTTL, d.cfg.ProcessedTTL); err != nil {
			log.Warnf("[Dispatcher] Failed to record stale claim for mid=%s: %v", messageID, err)
		}
		d.ackBestEffort(msg.UID, FolderProcessed)
		return
	}

	res, err := d.store.ClaimAndPublish(ctx, fact, d.cfg.BusinessTTL, d.cfg.ProcessedTTL)
	if err != nil || res == paystore.ClaimFailed {
		// Fail closed: leave the message untouched so the sweep or transport
		// redelivery can retry it.
		log.Errorf("[Dispatcher] Claim failed for mid=%s, leaving message for retry: %v", messageID, err)
		return
	}

	switch res {
	case paystore.Claimed:
		log.Infof("[Dispatcher] Claimed payment %s (mid=%s)", fact.PaymentID, messageID)
	case paystore.AlreadyClaimed:
		log.Infof("[Dispatcher] Payment %s already claimed (mid=%s)", fact.PaymentID, messageID)
	}
	d.ackBestEffort(msg.UID, FolderProcessed)
}

// ackBestEffort files the message into folder and marks it seen; failures are
// logged but do not affect the pipeline outcome, since the claim store is the
// source of truth for dedup.
func (d *Dispatcher) ackBestEffort(uid uint32, folder string) {
	d.moveBestEffort(uid, folder)
	if err := d.ops.MarkSeen(uid); err != nil {
		log.Warnf("[Dispatcher] Failed to mark message %d seen: %v", uid, err)
	}
}

func (d *Dispatcher) moveBestEffort(uid uint32, folder string) {
	if err := d.ops.Move(uid, folder); err != nil {
		log.Errorf("[Dispatcher] Failed to move message %d to %s: %v", uid, folder, err)
	}
}
