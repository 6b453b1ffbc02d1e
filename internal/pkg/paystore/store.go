package paystore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/eventspay/payverif/internal/pkg/payment"
)

const (
	ProcessedKeyPrefix    = "processed:message:"
	BusinessKeyPrefix     = "attendance:payments:"
	VerificationKeyPrefix = "verification:email:"
	HeartbeatKey          = "email-listener:heartbeat"
)

// ClaimResult classifies the outcome of ClaimAndPublish.
type ClaimResult int

const (
	ClaimFailed ClaimResult = iota
	Claimed
	AlreadyClaimed
)

// ErrNotFound is returned by ConsumeByIdentity when no verification entry
// matches the given identity.
var ErrNotFound = errors.New("payment not found")

// saveScript claims a message id and publishes its business record and
// verification index in one atomic step. Returns 1 when this call claimed the
// message, 0 when the processed marker already existed. The verification key
// is written NX so an unexpired entry for a different payment is not
// overwritten; ARGV[12]='1' suppresses the index entirely (stale or sentinel
// claims must never become consumable).
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('SET', KEYS[1], ARGV[3], 'EX', tonumber(ARGV[1]), 'NX')
redis.call('HSET', KEYS[2],
  'paymentId', ARGV[4],
  'amount', ARGV[5],
  'paymentTs', ARGV[6],
  'messageId', ARGV[3],
  'payerEmail', ARGV[7],
  'status', 'received',
  'method', ARGV[8],
  'phone', ARGV[9],
  'merchantName', ARGV[10],
  'subject', ARGV[11])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2]))
if ARGV[12] ~= '1' then
  redis.call('SET', KEYS[3], ARGV[4], 'EX', tonumber(ARGV[2]), 'NX')
end
return 1
`)

// consumeScript reads the business record behind a verification entry and
// deletes both in one atomic step, so concurrent consumers race safely:
// exactly one caller sees the field list, all later callers see nil.
var consumeScript = redis.NewScript(`
local pid = redis.call('GET', KEYS[1])
if not pid then return nil end
local vals = redis.call('HMGET', KEYS[2],
  'paymentId', 'amount', 'paymentTs', 'messageId', 'payerEmail', 'status',
  'method', 'phone', 'merchantName', 'subject')
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
return vals
`)

var keySanitizer = regexp.MustCompile(`[\r\n\s]+`)

// Store is the atomic, idempotent persistence layer for payment claims.
// All methods are safe for concurrent use; cross-worker mutual exclusion is
// provided by the Lua scripts, not by in-process locks.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func ProcessedKey(messageID string) string {
	return ProcessedKeyPrefix + sanitize(messageID)
}

func BusinessKey(paymentID string) string {
	return BusinessKeyPrefix + sanitize(paymentID)
}

func VerificationKey(email, amount string) string {
	return VerificationKeyPrefix + sanitize(payment.NormalizeEmail(email)) + ":amount:" + sanitize(amount)
}

func sanitize(s string) string {
	if s == "" {
		return "null"
	}
	return keySanitizer.ReplaceAllString(s, "_")
}

// ClaimAndPublish atomically creates the processed marker, business record and
// verification index for fact. A second call with the same message id is a
// no-op reporting AlreadyClaimed. When the scripting primitive itself fails,
// a best-effort sequential fallback is attempted; if that also fails the
// result is ClaimFailed and the caller must leave the message retryable.
func (s *Store) ClaimAndPublish(ctx context.Context, fact *payment.Fact, businessTTL time.Duration, processedTTL time.Duration) (ClaimResult, error) {
	return s.claim(ctx, fact, businessTTL, processedTTL, false)
}

// ClaimSuppressed claims the message id and writes the business record but
// never publishes a verification index. Used for stale payments and for
// sentinel claims on unparseable messages, which must be deduplicated without
// ever becoming consumable.
func (s *Store) ClaimSuppressed(ctx context.Context, fact *payment.Fact, businessTTL time.Duration, processedTTL time.Duration) (ClaimResult, error) {
	return s.claim(ctx, fact, businessTTL, processedTTL, true)
}

func (s *Store) claim(ctx context.Context, fact *payment.Fact, businessTTL time.Duration, processedTTL time.Duration, suppressIndex bool) (ClaimResult, error) {
	if fact.MessageID == "" {
		return ClaimFailed, errors.New("fact has no message id")
	}

	paidAt := fact.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	keys := []string{
		ProcessedKey(fact.MessageID),
		BusinessKey(fact.PaymentID),
		VerificationKey(fact.PayerEmail, fact.Amount),
	}
	args := []interface{}{
		int64(processedTTL.Seconds()),
		int64(businessTTL.Seconds()),
		fact.MessageID,
		fact.PaymentID,
		fact.Amount,
		paidAt.UTC().Format(time.RFC3339Nano),
		fact.PayerEmail,
		fact.Method,
		fact.Phone,
		fact.MerchantName,
		fact.Subject,
		boolFlag(suppressIndex),
	}

	res, err := saveScript.Run(ctx, s.client, keys, args...).Int()
	if err == nil {
		if res == 1 {
			return Claimed, nil
		}
		return AlreadyClaimed, nil
	}

	log.Errorf("[PayStore] claim script failed, attempting non-atomic fallback: %v", err)
	return s.claimFallback(ctx, fact, paidAt, businessTTL, processedTTL, suppressIndex)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// claimFallback performs the same writes sequentially. It accepts a narrow
// duplicate-write window between SetNX and the follow-up writes in exchange
// for availability while scripting is unavailable.
func (s *Store) claimFallback(ctx context.Context, fact *payment.Fact, paidAt time.Time, businessTTL, processedTTL time.Duration, suppressIndex bool) (ClaimResult, error) {
	set, err := s.client.SetNX(ctx, ProcessedKey(fact.MessageID), fact.MessageID, processedTTL).Result()
	if err != nil {
		return ClaimFailed, fmt.Errorf("fallback claim: %w", err)
	}
	if !set {
		return AlreadyClaimed, nil
	}

	bkey := BusinessKey(fact.PaymentID)
	fields := map[string]interface{}{
		"paymentId":    fact.PaymentID,
		"amount":       fact.Amount,
		"paymentTs":    paidAt.UTC().Format(time.RFC3339Nano),
		"messageId":    fact.MessageID,
		"payerEmail":   fact.PayerEmail,
		"status":       payment.StatusReceived,
		"method":       fact.Method,
		"phone":        fact.Phone,
		"merchantName": fact.MerchantName,
		"subject":      fact.Subject,
	}
	if err := s.client.HSet(ctx, bkey, fields).Err(); err != nil {
		return ClaimFailed, fmt.Errorf("fallback publish: %w", err)
	}
	if err := s.client.Expire(ctx, bkey, businessTTL).Err(); err != nil {
		return ClaimFailed, fmt.Errorf("fallback expire: %w", err)
	}
	if !suppressIndex {
		if err := s.client.SetNX(ctx, VerificationKey(fact.PayerEmail, fact.Amount), fact.PaymentID, businessTTL).Err(); err != nil {
			return ClaimFailed, fmt.Errorf("fallback index: %w", err)
		}
	}
	return Claimed, nil
}

// ConsumeByIdentity looks up a claimed payment by normalized (email, amount)
// and irreversibly removes it, returning its data to exactly one caller.
// ErrNotFound means no matching unconsumed claim exists; any other error is a
// store fault.
func (s *Store) ConsumeByIdentity(ctx context.Context, email, amount string) (*payment.Fact, error) {
	email = payment.NormalizeEmail(email)
	amount = payment.NormalizeAmount(amount)

	vkey := VerificationKeyPrefix + sanitize(email) + ":amount:" + sanitize(amount)
	paymentID, err := s.client.Get(ctx, vkey).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("verification lookup: %w", err)
	}

	res, err := consumeScript.Run(ctx, s.client, []string{vkey, BusinessKey(paymentID)}).Result()
	if err == redis.Nil || res == nil {
		// lost the race to a concurrent consumer
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("consume script returned %T", res)
	}
	return factFromConsume(vals), nil
}

func factFromConsume(vals []interface{}) *payment.Fact {
	at := func(i int) string {
		if i >= len(vals) || vals[i] == nil {
			return ""
		}
		s, _ := vals[i].(string)
		return s
	}

	paidAt, err := time.Parse(time.RFC3339Nano, at(2))
	if err != nil {
		paidAt = time.Now().UTC()
	}

	return &payment.Fact{
		PaymentID:    at(0),
		Amount:       at(1),
		PaidAt:       paidAt,
		MessageID:    at(3),
		PayerEmail:   at(4),
		Method:       at(6),
		Phone:        at(7),
		MerchantName: at(8),
		Subject:      at(9),
	}
}

// IsProcessed reports whether a processed marker exists for messageID. Callers
// on the dedup fast path treat an error as fail-open and continue to parse.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, ProcessedKey(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("processed check: %w", err)
	}
	return n > 0, nil
}

// ScanKeys returns up to limit keys matching pattern, for the admin surface.
func (s *Store) ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	count := int64(limit)
	if count > 1000 {
		count = 1000
	}
	if count < 10 {
		count = 10
	}

	out := make([]string, 0, limit)
	iter := s.client.Scan(ctx, 0, pattern, count).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
		if len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", pattern, err)
	}
	return out, nil
}

// BusinessRecord returns the raw field map of one business key, or nil if the
// key is gone (consumed or expired).
func (s *Store) BusinessRecord(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("business record %q: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// ProcessedValue returns the stored value of a processed marker key (the
// message id it was claimed under).
func (s *Store) ProcessedValue(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("processed value %q: %w", key, err)
	}
	return v, nil
}

// WriteHeartbeat records the liveness timestamp with a TTL; a missing or
// stale key is the externally observable degradation signal.
func (s *Store) WriteHeartbeat(ctx context.Context, ttl time.Duration) error {
	return s.client.Set(ctx, HeartbeatKey, time.Now().UTC().Format(time.RFC3339Nano), ttl).Err()
}

// Heartbeat returns the raw heartbeat value, "" when the key is absent.
func (s *Store) Heartbeat(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, HeartbeatKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("heartbeat read: %w", err)
	}
	return v, nil
}
