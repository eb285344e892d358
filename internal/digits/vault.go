package digits

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/store"
)

// tokenPrefix is the vault reference scheme. Tokens are safe to embed in
// transcripts, summaries, and model prompts.
const tokenPrefix = "vault://digits/"

// Vault seals accepted sensitive digit values with AES-256-GCM and hands
// out opaque tokens in their place. The AES key is the SHA-256 digest of
// the configured secret; the call SID is bound into the ciphertext as
// additional data, so a vault row copied across calls fails to open.
//
// All methods are safe for concurrent use.
type Vault struct {
	aead   cipher.AEAD
	digits store.DigitStore
	calls  store.CallStore
}

// NewVault derives the sealing key from secret and returns a Vault backed
// by the given stores. The secret must be non-empty; calls may be nil when
// token resolution is not needed.
func NewVault(secret string, digits store.DigitStore, calls store.CallStore) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("digits: vault secret is empty")
	}
	if digits == nil {
		return nil, errors.New("digits: vault requires a digit store")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("digits: vault cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("digits: vault aead: %w", err)
	}
	return &Vault{aead: aead, digits: digits, calls: calls}, nil
}

// Tokenize seals raw digits for a call and stores the vault row. The
// returned token has the form vault://digits/{call_sid}/tok_{id}.
func (v *Vault) Tokenize(ctx context.Context, callSID, profile, rawDigits string) (token string, err error) {
	if callSID == "" || rawDigits == "" {
		return "", fault.New(fault.Validation, "vault_bad_input", "call sid and digits are required")
	}
	token = FormatToken(callSID, uuid.NewString())

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("digits: vault nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(rawDigits), []byte(callSID))

	entry := &store.VaultEntry{
		Token:      token,
		CallSID:    callSID,
		Profile:    profile,
		Ciphertext: sealed,
		Masked:     Mask(rawDigits),
		DigitLen:   len(rawDigits),
		CreatedAt:  time.Now(),
	}
	if err := v.digits.PutVaultEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("digits: vault store: %w", err)
	}
	return token, nil
}

// Resolve opens a vault token for an authenticated reader. The reader's
// chat id must match the owning call's user_chat_id; anything else is an
// auth failure regardless of whether the token exists.
func (v *Vault) Resolve(ctx context.Context, token, userChatID string) (string, error) {
	if v.calls == nil {
		return "", fault.New(fault.Internal, "vault_no_call_store", "vault is not configured for resolution")
	}
	entry, err := v.digits.VaultEntry(ctx, token)
	if err != nil {
		return "", fmt.Errorf("digits: vault token: %w", err)
	}
	call, err := v.calls.Call(ctx, entry.CallSID)
	if err != nil {
		return "", fmt.Errorf("digits: vault call: %w", err)
	}
	if userChatID == "" || call.UserChatID != userChatID {
		return "", fault.New(fault.Auth, "vault_forbidden", "token does not belong to this chat")
	}

	ns := v.aead.NonceSize()
	if len(entry.Ciphertext) <= ns {
		return "", fault.New(fault.Internal, "vault_corrupt", "sealed value is truncated")
	}
	raw, err := v.aead.Open(nil, entry.Ciphertext[:ns], entry.Ciphertext[ns:], []byte(entry.CallSID))
	if err != nil {
		return "", fault.Wrap(fault.Internal, "vault_unseal_failed", err)
	}
	return string(raw), nil
}

// FormatToken builds a vault reference for a call and token id.
func FormatToken(callSID, id string) string {
	return tokenPrefix + callSID + "/tok_" + id
}

// IsToken reports whether s is a vault reference.
func IsToken(s string) bool {
	return strings.HasPrefix(s, tokenPrefix)
}

// Mask renders the display form of a digit value: four asterisks followed
// by the last two digits for values of eight digits or fewer, the last
// four otherwise.
func Mask(digits string) string {
	n := 4
	if len(digits) <= 8 {
		n = 2
	}
	if n > len(digits) {
		n = len(digits)
	}
	return "****" + digits[len(digits)-n:]
}
