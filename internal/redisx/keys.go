package redisx

import "time"

const (
	// Cache status order: order_status:{order_id} -> {"status": "...", "payment_status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup claim: dedup:{consumer}:{key}
	KeyDedup = "dedup:%s:%s"

	// Retry attempts per message: retry:{group}:{topic}:{partition}:{offset}
	KeyRetry = "retry:%s"

	// Quarantine list per source topic: dlq:{topic}
	KeyDLQ = "dlq:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLRetry       = 24 * time.Hour
)
