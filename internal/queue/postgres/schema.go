package postgres

// Queue tables, created idempotently at Initialize. The partial index on
// (priority DESC, scheduled_at ASC) is what keeps the claim query cheap when
// the backlog grows; the visibility_timeout_at index exists for an external
// reclaim sweep, which this backend deliberately does not run itself.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS message_queue (
    id BIGSERIAL PRIMARY KEY,
    topic VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) UNIQUE NOT NULL,
    payload JSONB NOT NULL,
    priority INTEGER DEFAULT 0,
    status VARCHAR(50) DEFAULT 'pending',
    retry_count INTEGER DEFAULT 0,
    max_retries INTEGER DEFAULT 3,
    visibility_timeout_at TIMESTAMP WITH TIME ZONE,
    scheduled_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
    processed_at TIMESTAMP WITH TIME ZONE
);

CREATE INDEX IF NOT EXISTS idx_message_queue_topic_status
    ON message_queue (topic, status);

CREATE INDEX IF NOT EXISTS idx_message_queue_priority_scheduled
    ON message_queue (priority DESC, scheduled_at ASC)
    WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_message_queue_visibility_timeout
    ON message_queue (visibility_timeout_at)
    WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS queue_subscriptions (
    id BIGSERIAL PRIMARY KEY,
    topic VARCHAR(255) NOT NULL,
    subscriber_id VARCHAR(255) NOT NULL,
    last_poll_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
    is_active BOOLEAN DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (topic, subscriber_id)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
    id BIGSERIAL PRIMARY KEY,
    original_message_id VARCHAR(255) NOT NULL,
    topic VARCHAR(255) NOT NULL,
    payload JSONB NOT NULL,
    failure_reason TEXT,
    retry_count INTEGER,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
);
`

// claimSQL is the core concurrency primitive: the inner SELECT orders
// eligible rows and locks them with SKIP LOCKED, the outer UPDATE flips them
// to processing in the same statement. Two pollers racing on the same row
// cannot both get it back.
const claimSQL = `
UPDATE message_queue
SET status = 'processing',
    visibility_timeout_at = $1,
    updated_at = CURRENT_TIMESTAMP
WHERE id IN (
    SELECT id FROM message_queue
    WHERE topic = $2
      AND status = 'pending'
      AND scheduled_at <= CURRENT_TIMESTAMP
    ORDER BY priority DESC, scheduled_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING id, message_id, payload, priority, retry_count, max_retries, created_at
`

const insertSQL = `
INSERT INTO message_queue (topic, message_id, payload, priority, scheduled_at, max_retries)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`

const ackSQL = `
UPDATE message_queue
SET status = 'completed',
    processed_at = CURRENT_TIMESTAMP,
    updated_at = CURRENT_TIMESTAMP
WHERE message_id = $1
`

// nackSelectSQL locks the row so the retry decision is made against the
// current retry count, not a stale read.
const nackSelectSQL = `
SELECT topic, payload, retry_count, max_retries
FROM message_queue
WHERE message_id = $1
FOR UPDATE
`

const nackRetrySQL = `
UPDATE message_queue
SET status = 'pending',
    retry_count = retry_count + 1,
    scheduled_at = $2,
    visibility_timeout_at = NULL,
    updated_at = CURRENT_TIMESTAMP
WHERE message_id = $1
`

const nackFailSQL = `
UPDATE message_queue
SET status = 'failed',
    visibility_timeout_at = NULL,
    updated_at = CURRENT_TIMESTAMP
WHERE message_id = $1
`

const deadLetterInsertSQL = `
INSERT INTO dead_letter_queue (original_message_id, topic, payload, failure_reason, retry_count)
VALUES ($1, $2, $3, $4, $5)
`

const subscriptionUpsertSQL = `
INSERT INTO queue_subscriptions (topic, subscriber_id)
VALUES ($1, $2)
ON CONFLICT (topic, subscriber_id)
DO UPDATE SET last_poll_at = CURRENT_TIMESTAMP, is_active = TRUE
`

const subscriptionTouchSQL = `
UPDATE queue_subscriptions
SET last_poll_at = CURRENT_TIMESTAMP
WHERE topic = $1 AND subscriber_id = $2
`

const statsSQL = `
SELECT
    topic,
    COUNT(*) AS total_messages,
    COUNT(*) FILTER (WHERE status = 'pending') AS pending_messages,
    COUNT(*) FILTER (WHERE status = 'processing') AS processing_messages,
    COUNT(*) FILTER (WHERE status = 'completed') AS completed_messages,
    COUNT(*) FILTER (WHERE status = 'failed') AS failed_messages,
    COALESCE(AVG(EXTRACT(EPOCH FROM (processed_at - created_at))), 0) AS avg_processing_time_seconds
FROM message_queue
WHERE ($1 = '' OR topic = $1)
GROUP BY topic
ORDER BY topic
`

const cleanupSQL = `
DELETE FROM message_queue
WHERE status IN ('completed', 'failed')
  AND updated_at < $1
`

const deadLettersSQL = `
SELECT id, original_message_id, topic, payload, failure_reason, retry_count, created_at
FROM dead_letter_queue
WHERE ($1 = '' OR topic = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2
`
