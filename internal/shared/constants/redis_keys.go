package constants

import "time"

// Redis key layout for busline
// Pattern: busline:{module}:{kind}:{identifier}

const (
	KEY_PREFIX = "busline"
)

// ================== SEAT LOCK JOURNAL ==================

const (
	// Set of every trip id that has a journaled catalog
	KEY_SEATLOCK_TRIPS = KEY_PREFIX + ":seatlock:trips"

	KEY_SEATLOCK_CATALOG = KEY_PREFIX + ":seatlock:catalog:" // + trip-id, JSON seat list
	KEY_SEATLOCK_STATE   = KEY_PREFIX + ":seatlock:state:"   // + trip-id, hash seat-id -> JSON state
	KEY_SEATLOCK_VERSION = KEY_PREFIX + ":seatlock:version:" // + trip-id, hash seat-id -> version
)

// Journal entries of trips nobody touched for this long are dropped by Redis
const TTL_SEATLOCK_JOURNAL = 7 * 24 * time.Hour

// ================== RATE LIMITING ==================

const (
	KEY_RATE_LIMIT = KEY_PREFIX + ":ratelimit:" // + type:client
)

// ================== HELPER FUNCTIONS ==================

func BuildSeatCatalogKey(tripID string) string {
	return KEY_SEATLOCK_CATALOG + tripID
}

func BuildSeatStateKey(tripID string) string {
	return KEY_SEATLOCK_STATE + tripID
}

func BuildSeatVersionKey(tripID string) string {
	return KEY_SEATLOCK_VERSION + tripID
}

func BuildRateLimitKey(limitType, client string) string {
	return KEY_RATE_LIMIT + limitType + ":" + client
}
