// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// BILLING
// =============================================================================

// DefaultUnitScale is the number of fixed-point sub-units per USD (nano-dollars).
const DefaultUnitScale = 1_000_000_000

// DefaultMarkup covers the payment-processing fee paid when topping up the
// upstream credit pool. Kept as a decimal string so it is parsed exactly.
const DefaultMarkup = "0.055"

// =============================================================================
// UPSTREAM COST LOOKUP
// =============================================================================

// DefaultUpstreamBaseURL is the metering API the generation costs come from.
const DefaultUpstreamBaseURL = "https://openrouter.ai/api/v1"

// DefaultUpstreamPath is appended to the base URL; the generation id is sent as ?id=.
const DefaultUpstreamPath = "/generation"

// DefaultUpstreamTimeout bounds a single lookup attempt.
const DefaultUpstreamTimeout = 10 * time.Second

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// MaxResponseSize is the maximum accepted upstream response body (1MB).
const MaxResponseSize = 1 << 20

// =============================================================================
// RETRY
// =============================================================================

// DefaultRetryMaxAttempts is the total number of upstream attempts per message.
const DefaultRetryMaxAttempts = 3

// DefaultRetryInitialDelay is the sleep before the second attempt.
const DefaultRetryInitialDelay = 500 * time.Millisecond

// DefaultRetryMaxDelay caps a single backoff sleep.
const DefaultRetryMaxDelay = 5 * time.Second

// DefaultRetryMultiplier grows the delay between attempts.
const DefaultRetryMultiplier = 2.0

// DefaultRetryJitter is the upper bound of the random fraction added to a delay.
const DefaultRetryJitter = 0.2

// =============================================================================
// STORE
// =============================================================================

// DefaultStoreDriver is the embedded backend used when nothing is configured.
const DefaultStoreDriver = "sqlite"

// DefaultSQLitePath is where the embedded store lives.
const DefaultSQLitePath = "data/reconciler.db"

// DefaultReservationsTable holds CreditReservation records.
const DefaultReservationsTable = "credit_reservations"

// DefaultConversationsTable holds conversation documents.
const DefaultConversationsTable = "conversations"

// DefaultMaxConflictRetries bounds the optimistic read-update-write loop.
const DefaultMaxConflictRetries = 10

// DefaultRedisKeyPrefix namespaces store keys in Redis.
const DefaultRedisKeyPrefix = "reconciler:"

// =============================================================================
// QUEUE
// =============================================================================

// MaxSQSBatchSize is the SQS ReceiveMessage hard limit.
const MaxSQSBatchSize = 10

// DefaultSQSWaitTime enables long polling.
const DefaultSQSWaitTime = 20 * time.Second

// DefaultSQSVisibilityTimeout is how long a received message stays hidden.
const DefaultSQSVisibilityTimeout = 60 * time.Second

// =============================================================================
// WORKER
// =============================================================================

// DefaultConcurrency is the per-batch fan-out limit.
const DefaultConcurrency = 10

// DefaultSettleClaimTTL is how long a settlement claim blocks other settlers.
const DefaultSettleClaimTTL = 2 * time.Minute

// DefaultShutdownTimeout bounds draining in-flight batches on exit.
const DefaultShutdownTimeout = 30 * time.Second
