// Package webhook implements the signed webhook envelope shared by the
// outbound delivery path and the inbound API surface, replay deduplication
// keyed on the envelope's idempotency key, and mode-aware verification of
// provider-signed webhooks.
//
// The envelope signs timestamp|body with HMAC-SHA256 and travels in three
// headers: X-Signature (hex digest), X-Timestamp (unix milliseconds), and
// Idempotency-Key (uuid). Receivers reject envelopes whose timestamp is
// outside the allowed skew, then dedupe on the key.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/routatel/trunkline/internal/fault"
)

// Header names of the envelope.
const (
	HeaderSignature      = "X-Signature"
	HeaderTimestamp      = "X-Timestamp"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Envelope is one signed webhook delivery.
type Envelope struct {
	// Signature is hex(HMAC-SHA256(timestamp|body, secret)).
	Signature string

	// Timestamp is the signing time in unix milliseconds, as signed.
	Timestamp string

	// IdempotencyKey dedupes replays on the receiving side.
	IdempotencyKey string
}

// Apply sets the envelope headers on an outbound request.
func (e Envelope) Apply(h http.Header) {
	h.Set(HeaderSignature, e.Signature)
	h.Set(HeaderTimestamp, e.Timestamp)
	h.Set(HeaderIdempotencyKey, e.IdempotencyKey)
}

// Signer produces envelopes for one shared secret.
type Signer struct {
	secret []byte

	// now and newKey are seams for tests.
	now    func() time.Time
	newKey func() string
}

// NewSigner creates a Signer over secret.
func NewSigner(secret string) *Signer {
	return &Signer{
		secret: []byte(secret),
		now:    time.Now,
		newKey: func() string { return uuid.NewString() },
	}
}

// Sign builds a fresh envelope over body.
func (s *Signer) Sign(body []byte) Envelope {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	return Envelope{
		Signature:      Digest(s.secret, ts, body),
		Timestamp:      ts,
		IdempotencyKey: s.newKey(),
	}
}

// Resign rebuilds the signature for a retry, keeping the original
// idempotency key so the receiver's dedupe holds across delivery attempts.
func (s *Signer) Resign(body []byte, key string) Envelope {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	return Envelope{
		Signature:      Digest(s.secret, ts, body),
		Timestamp:      ts,
		IdempotencyKey: key,
	}
}

// Digest computes hex(HMAC-SHA256(timestamp|body, secret)).
func Digest(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("|"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier authenticates inbound envelopes.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration

	now func() time.Time
}

// NewVerifier creates a Verifier enforcing maxSkew between the envelope
// timestamp and local time.
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

// Verify authenticates the envelope headers of r against body. It returns
// an auth fault naming what failed: a missing header, a stale timestamp, or
// a signature mismatch.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	sig := r.Header.Get(HeaderSignature)
	ts := r.Header.Get(HeaderTimestamp)
	if sig == "" || ts == "" {
		return fault.New(fault.Auth, "envelope_missing", "request is missing the signature envelope")
	}

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fault.New(fault.Auth, "envelope_timestamp", "envelope timestamp is not unix milliseconds")
	}
	skew := v.now().Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return fault.New(fault.Auth, "envelope_stale", "envelope timestamp is outside the allowed skew")
	}

	want := Digest(v.secret, ts, body)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return fault.New(fault.Auth, "envelope_signature", "envelope signature mismatch")
	}
	return nil
}

// Key returns the envelope idempotency key of r, or the empty string.
func Key(r *http.Request) string {
	return r.Header.Get(HeaderIdempotencyKey)
}
