package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/eventspay/payverif/internal/pkg/paystore"
)

const (
	defaultMaxHeartbeatAge = 90 * time.Second

	// cap on business keys scanned when joining processed markers to their
	// payment hashes
	businessScanLimit = 5000
)

// HandleAdminHealth reports listener liveness: the heartbeat age measured
// against maxAgeSeconds plus the per-dependency booleans. It never fails;
// every error degrades to a DOWN status in the body.
func HandleAdminHealth(c *fiber.Ctx) error {
	maxAge := defaultMaxHeartbeatAge
	if v := c.QueryInt("maxAgeSeconds", 0); v > 0 {
		maxAge = time.Duration(v) * time.Second
	}

	resp := fiber.Map{
		"key":          paystore.HeartbeatKey,
		"dependencies": health.HealthStatus(),
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	raw, err := store.Heartbeat(ctx)
	if err != nil {
		log.Errorf("[Admin] Failed to read heartbeat: %v", err)
		resp["status"] = "DOWN"
		resp["reason"] = "Store read error: " + err.Error()
		return c.JSON(resp)
	}
	if raw == "" {
		resp["status"] = "DOWN"
		resp["reason"] = "No heartbeat found in store"
		return c.JSON(resp)
	}
	resp["lastHeartbeat"] = raw

	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		resp["status"] = "DOWN"
		resp["reason"] = "Invalid timestamp stored in heartbeat"
		return c.JSON(resp)
	}

	age := time.Since(last)
	resp["ageSeconds"] = int64(age.Seconds())
	if age <= maxAge {
		resp["status"] = "UP"
	} else {
		resp["status"] = "STALE"
		resp["reason"] = "Heartbeat older than allowed maxAgeSeconds"
	}
	return c.JSON(resp)
}

// HandleAdminActive lists business records still awaiting verification.
func HandleAdminActive(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	keys, err := store.ScanKeys(ctx, paystore.BusinessKeyPrefix+"*", limit)
	if err != nil {
		log.Errorf("[Admin] Failed to scan business keys: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Store scan failed"})
	}

	active := make([]fiber.Map, 0, len(keys))
	for _, key := range keys {
		hash, err := store.BusinessRecord(ctx, key)
		if err != nil {
			log.Warnf("[Admin] Failed to read business key %s: %v", key, err)
			continue
		}
		if hash["status"] != "received" {
			continue
		}
		entry := fiber.Map{"_redisKey": key}
		for f, v := range hash {
			entry[f] = v
		}
		active = append(active, entry)
	}

	return c.JSON(fiber.Map{
		"limit":    limit,
		"found":    len(active),
		"payments": active,
	})
}

// HandleAdminProcessed lists processed markers, each joined to its business
// record via the shared messageId when one exists.
func HandleAdminProcessed(c *fiber.Ctx) error {
	pattern := c.Query("pattern", paystore.ProcessedKeyPrefix+"*")
	limit := c.QueryInt("limit", 100)

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	processedKeys, err := store.ScanKeys(ctx, pattern, limit)
	if err != nil {
		log.Errorf("[Admin] Failed to scan processed keys: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Store scan failed"})
	}

	byMessageID, err := paymentsByMessageID(ctx)
	if err != nil {
		log.Errorf("[Admin] Failed to index business records: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Store scan failed"})
	}

	entries := make([]fiber.Map, 0, len(processedKeys))
	for _, key := range processedKeys {
		entry := fiber.Map{"key": key}

		value, err := store.ProcessedValue(ctx, key)
		if err != nil {
			log.Warnf("[Admin] Failed to read processed key %s: %v", key, err)
			entries = append(entries, entry)
			continue
		}
		entry["value"] = value

		if hash, ok := byMessageID[value]; ok {
			entry["payment"] = hash
		} else {
			entry["payment"] = nil
		}
		entries = append(entries, entry)
	}

	return c.JSON(fiber.Map{
		"pattern": pattern,
		"limit":   limit,
		"found":   len(processedKeys),
		"entries": entries,
	})
}

// HandleAdminSweep forces one reconciliation pass over recent mailbox headers.
func HandleAdminSweep(c *fiber.Ctx) error {
	sweeper.RunSweepOnce()
	return c.JSON(fiber.Map{"triggered": true})
}

func paymentsByMessageID(ctx context.Context) (map[string]map[string]string, error) {
	keys, err := store.ScanKeys(ctx, paystore.BusinessKeyPrefix+"*", businessScanLimit)
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string]string, len(keys))
	for _, key := range keys {
		hash, err := store.BusinessRecord(ctx, key)
		if err != nil {
			log.Warnf("[Admin] Failed to read business key %s: %v", key, err)
			continue
		}
		if mid := hash["messageId"]; mid != "" {
			hash["_businessKey"] = key
			out[mid] = hash
		}
	}
	return out, nil
}
