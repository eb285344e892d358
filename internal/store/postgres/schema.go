// Package postgres provides the durable PostgreSQL implementation of
// [store.Store].
//
// All concerns share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database when memory facts carry embeddings;
// [Migrate] installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.CreateCall(ctx, call)
//	jobs, _ := st.ClaimDueJobs(ctx, time.Now(), 10, time.Minute)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Call DDL — calls, transcripts, event log
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_sid         TEXT         PRIMARY KEY,
    provider         TEXT         NOT NULL DEFAULT '',
    direction        TEXT         NOT NULL,
    phone_number     TEXT         NOT NULL,
    status           TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ,
    duration_s       INTEGER      NOT NULL DEFAULT 0,
    user_chat_id     TEXT         NOT NULL DEFAULT '',
    customer_name    TEXT         NOT NULL DEFAULT '',
    prompt           TEXT         NOT NULL DEFAULT '',
    first_message    TEXT         NOT NULL DEFAULT '',
    business_context TEXT         NOT NULL DEFAULT '',
    last_otp         TEXT         NOT NULL DEFAULT '',
    last_otp_masked  TEXT         NOT NULL DEFAULT '',
    digit_count      INTEGER      NOT NULL DEFAULT 0,
    digit_summary    TEXT         NOT NULL DEFAULT '',
    ai_analysis      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_created_at
    ON calls (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_calls_status
    ON calls (status);

CREATE TABLE IF NOT EXISTS transcripts (
    id        BIGSERIAL    PRIMARY KEY,
    call_sid  TEXT         NOT NULL,
    speaker   TEXT         NOT NULL,
    message   TEXT         NOT NULL,
    timestamp TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_call_sid
    ON transcripts (call_sid, id);

CREATE TABLE IF NOT EXISTS call_states (
    id         BIGSERIAL    PRIMARY KEY,
    call_sid   TEXT         NOT NULL,
    kind       TEXT         NOT NULL,
    data       JSONB        NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_states_call_kind
    ON call_states (call_sid, kind, id DESC);
`

// ─────────────────────────────────────────────────────────────────────────────
// Digit DDL — collection events and token vault
// ─────────────────────────────────────────────────────────────────────────────

const ddlDigits = `
CREATE TABLE IF NOT EXISTS digit_events (
    id       BIGSERIAL    PRIMARY KEY,
    call_sid TEXT         NOT NULL,
    source   TEXT         NOT NULL,
    profile  TEXT         NOT NULL DEFAULT '',
    digits   TEXT         NOT NULL DEFAULT '',
    len      INTEGER      NOT NULL DEFAULT 0,
    accepted BOOLEAN      NOT NULL DEFAULT FALSE,
    reason   TEXT         NOT NULL DEFAULT '',
    metadata JSONB        NOT NULL DEFAULT '{}',
    at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_digit_events_call_sid
    ON digit_events (call_sid, id);

CREATE TABLE IF NOT EXISTS digit_vault (
    token      TEXT         PRIMARY KEY,
    call_sid   TEXT         NOT NULL,
    profile    TEXT         NOT NULL DEFAULT '',
    ciphertext BYTEA        NOT NULL,
    masked     TEXT         NOT NULL DEFAULT '',
    digit_len  INTEGER      NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_digit_vault_call_sid
    ON digit_vault (call_sid);
`

// ─────────────────────────────────────────────────────────────────────────────
// Job DDL — durable queue
// ─────────────────────────────────────────────────────────────────────────────

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id           BIGSERIAL    PRIMARY KEY,
    kind         TEXT         NOT NULL,
    call_sid     TEXT         NOT NULL DEFAULT '',
    payload      JSONB        NOT NULL DEFAULT '{}',
    not_before   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    attempts     INTEGER      NOT NULL DEFAULT 0,
    max_attempts INTEGER      NOT NULL DEFAULT 5,
    status       TEXT         NOT NULL DEFAULT 'pending',
    lease_until  TIMESTAMPTZ,
    last_error   TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_not_before
    ON jobs (status, not_before);

CREATE INDEX IF NOT EXISTS idx_jobs_call_sid
    ON jobs (call_sid) WHERE call_sid <> '';
`

// ─────────────────────────────────────────────────────────────────────────────
// Engine DDL — tool audits and idempotency reservations
// ─────────────────────────────────────────────────────────────────────────────

const ddlEngine = `
CREATE TABLE IF NOT EXISTS tool_audits (
    id              BIGSERIAL    PRIMARY KEY,
    call_sid        TEXT         NOT NULL,
    trace_id        TEXT         NOT NULL DEFAULT '',
    tool_name       TEXT         NOT NULL,
    idempotency_key TEXT         NOT NULL,
    input_hash      TEXT         NOT NULL DEFAULT '',
    request         JSONB        NOT NULL DEFAULT '{}',
    response        JSONB,
    status          TEXT         NOT NULL,
    duration_ms     INTEGER      NOT NULL DEFAULT 0,
    metadata        JSONB        NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tool_audits_idempotency_key
    ON tool_audits (idempotency_key);

CREATE INDEX IF NOT EXISTS idx_tool_audits_call_sid
    ON tool_audits (call_sid, id);

CREATE TABLE IF NOT EXISTS idempotency (
    key        TEXT         PRIMARY KEY,
    status     TEXT         NOT NULL DEFAULT 'in_progress',
    response   JSONB,
    expires_at TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at
    ON idempotency (expires_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Health DDL — service-health event log
// ─────────────────────────────────────────────────────────────────────────────

const ddlHealth = `
CREATE TABLE IF NOT EXISTS health_logs (
    id         BIGSERIAL    PRIMARY KEY,
    service    TEXT         NOT NULL,
    status     TEXT         NOT NULL,
    count      INTEGER      NOT NULL DEFAULT 0,
    detail     TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_health_logs_service
    ON health_logs (service, created_at DESC);
`

// ddlMemory returns the call-memory DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlMemory(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS call_memories (
    call_sid      TEXT         PRIMARY KEY,
    summary       TEXT         NOT NULL DEFAULT '',
    summary_turns INTEGER      NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS memory_facts (
    id         BIGSERIAL    PRIMARY KEY,
    call_sid   TEXT         NOT NULL,
    key        TEXT         NOT NULL DEFAULT '',
    text       TEXT         NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    source     TEXT         NOT NULL DEFAULT '',
    embedding  vector(%d),
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_facts_call_confidence
    ON memory_facts (call_sid, confidence DESC, id DESC);

CREATE INDEX IF NOT EXISTS idx_memory_facts_embedding
    ON memory_facts USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indices, and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g. 1536 for OpenAI text-embedding-3-small). Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlCalls,
		ddlDigits,
		ddlJobs,
		ddlEngine,
		ddlMemory(embeddingDimensions),
		ddlHealth,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
