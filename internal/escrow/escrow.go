// Package escrow holds encrypted key material for disaster recovery and
// releases it only under threshold multi-party, time-bounded
// authorization. Escrow never sees plaintext keys: it stores ciphertext
// opaquely and returns ciphertext; decryption is the caller's
// responsibility via the key service.
package escrow

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/promptguard/internal/audit"
	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// Entry is the escrowed material for a single key id. One entry exists
// per key id; re-escrow of the same id overwrites it.
type Entry struct {
	KeyID        string
	EncryptedKey []byte
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	Metadata     map[string]string
}

// Signature is one party's authorization on a recovery request. A
// signature counts as authorized based on the signer's membership in the
// escrow's authorized-party set at verification time.
type Signature struct {
	Signer    string
	Value     string
	Timestamp time.Time
}

// RecoveryRequest is a break-glass request to release escrowed material.
// It is consumed once by RecoverKey; the audit record is its durable
// trace.
type RecoveryRequest struct {
	RequestID  uuid.UUID
	Requester  string
	KeyID      string
	Reason     string
	Signatures []Signature
	Timestamp  time.Time
}

// SignatureVerifier checks the cryptographic validity of a single
// signature over a recovery request. The threshold and membership policy
// is enforced by Escrow itself; implementations only verify the
// signature scheme.
type SignatureVerifier interface {
	Verify(req *RecoveryRequest, sig Signature) error
}

// Stats is the escrow snapshot polled by the observer.
type Stats struct {
	EscrowID          uuid.UUID
	TotalKeys         int
	AuthorizedParties int
	MinimumSignatures int
}

// Option configures optional escrow behaviour.
type Option func(*Escrow)

// WithSignatureVerifier enables cryptographic verification of each
// recovery signature in addition to the threshold/membership policy.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(e *Escrow) { e.verifier = v }
}

// Escrow is the key escrow manager. It is safe for concurrent use;
// recovery attempts on the same key id are mutually exclusive during
// validation and release.
type Escrow struct {
	escrowID          uuid.UUID
	authorizedParties map[string]bool
	minimumSignatures int
	verifier          SignatureVerifier

	mu       sync.RWMutex
	entries  map[string]*Entry
	keyLocks map[string]*sync.Mutex

	auditLog *audit.Logger
	logger   *slog.Logger
}

// New creates an escrow manager. A threshold that can never be met is a
// configuration error, not a runtime error.
func New(authorizedParties []string, minimumSignatures int, auditLog *audit.Logger, logger *slog.Logger, opts ...Option) (*Escrow, error) {
	const op = "escrow.New"

	if minimumSignatures < 1 {
		return nil, secerr.New(secerr.KindConfiguration, op, "minimum signatures must be at least 1")
	}
	if minimumSignatures > len(authorizedParties) {
		return nil, secerr.New(secerr.KindConfiguration, op,
			"minimum signatures cannot exceed number of authorized parties: %d > %d",
			minimumSignatures, len(authorizedParties))
	}
	if logger == nil {
		logger = slog.Default()
	}

	parties := make(map[string]bool, len(authorizedParties))
	for _, p := range authorizedParties {
		if p == "" {
			return nil, secerr.New(secerr.KindConfiguration, op, "authorized party name cannot be empty")
		}
		parties[p] = true
	}

	id := uuid.New()
	e := &Escrow{
		escrowID:          id,
		authorizedParties: parties,
		minimumSignatures: minimumSignatures,
		entries:           make(map[string]*Entry),
		keyLocks:          make(map[string]*sync.Mutex),
		auditLog:          auditLog,
		logger:            logger.With("component", "escrow", "escrow_id", id.String()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EscrowKey stores or overwrites the entry for keyID. The encrypted key
// is stored opaquely; escrow does not validate that it decrypts to
// anything. A failed audit write is surfaced as a partial result, but
// the entry is stored regardless.
func (e *Escrow) EscrowKey(ctx context.Context, keyID string, encryptedKey []byte, expiresAt *time.Time, metadata map[string]string) error {
	const op = "escrow.EscrowKey"

	if keyID == "" {
		err := secerr.New(secerr.KindValidation, op, "key id cannot be empty")
		e.auditEscrowRejection(ctx, keyID, err)
		return err
	}
	if len(encryptedKey) == 0 {
		err := secerr.New(secerr.KindValidation, op, "encrypted key cannot be empty")
		e.auditEscrowRejection(ctx, keyID, err)
		return err
	}

	entry := &Entry{
		KeyID:        keyID,
		EncryptedKey: append([]byte(nil), encryptedKey...),
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    expiresAt,
		Metadata:     copyMetadata(metadata),
	}

	e.mu.Lock()
	e.entries[keyID] = entry
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "key escrowed", "key_id", keyID, "expires", expiresAt != nil)

	_, err := e.auditLog.LogOperation(ctx, "", "", audit.ActionKeyEscrow, "escrow/"+keyID,
		audit.ResultSuccess, map[string]string{"key_id": keyID})
	if err != nil {
		return secerr.Wrap(secerr.KindPartial, op, "key escrowed but audit trail missing", err)
	}
	return nil
}

// RecoverKey validates a recovery request and, when the threshold policy
// is satisfied, returns the stored ciphertext. The audit record is
// written before the key material is returned; if the audit write fails
// the ciphertext is still returned together with a partial-kind error so
// operators know the trail is missing.
//
// Checks run in a fixed order: request shape, entry lookup, expiry,
// signature count, signer membership, then cryptographic verification
// when a verifier is configured.
func (e *Escrow) RecoverKey(ctx context.Context, req *RecoveryRequest) ([]byte, error) {
	const op = "escrow.RecoverKey"

	if err := validateRequest(op, req); err != nil {
		e.auditAttempt(ctx, req, audit.ResultFailure, err)
		return nil, err
	}

	// Serialize recovery attempts per key id so concurrent attempts on
	// the same key cannot both validate against a state the other is
	// about to change.
	unlock := e.lockKey(req.KeyID)
	defer unlock()

	e.mu.RLock()
	entry, ok := e.entries[req.KeyID]
	e.mu.RUnlock()
	if !ok {
		err := secerr.New(secerr.KindNotFound, op, "key %q not found in escrow", req.KeyID)
		e.auditAttempt(ctx, req, audit.ResultFailure, err)
		return nil, err
	}

	// Expiry before signatures: an expired entry fails visibly as
	// expired even when the signature set is valid.
	if entry.ExpiresAt != nil && time.Now().UTC().After(*entry.ExpiresAt) {
		err := secerr.New(secerr.KindExpired, op,
			"escrowed key %q expired at %s", req.KeyID, entry.ExpiresAt.UTC().Format(time.RFC3339))
		e.auditAttempt(ctx, req, audit.ResultFailure, err)
		return nil, err
	}

	if err := e.validateSignatures(op, req); err != nil {
		e.auditAttempt(ctx, req, audit.ResultFailure, err)
		return nil, err
	}

	released := append([]byte(nil), entry.EncryptedKey...)

	e.logger.WarnContext(ctx, "escrowed key released",
		"key_id", req.KeyID,
		"request_id", req.RequestID.String(),
		"requester", req.Requester,
		"signatures", len(req.Signatures),
	)

	if _, err := e.auditLog.LogOperation(ctx, req.Requester, "", audit.ActionKeyRecovery,
		"escrow/"+req.KeyID, audit.ResultSuccess, recoveryMetadata(req)); err != nil {
		return released, secerr.Wrap(secerr.KindPartial, op, "key recovered but audit trail missing", err)
	}
	return released, nil
}

// validateSignatures enforces the threshold and membership policy, then
// delegates scheme verification to the configured verifier.
func (e *Escrow) validateSignatures(op string, req *RecoveryRequest) error {
	if len(req.Signatures) < e.minimumSignatures {
		return secerr.New(secerr.KindAuthentication, op,
			"insufficient signatures: required %d, provided %d",
			e.minimumSignatures, len(req.Signatures))
	}

	seen := make(map[string]bool, len(req.Signatures))
	for _, sig := range req.Signatures {
		if !e.authorizedParties[sig.Signer] {
			return secerr.New(secerr.KindAuthentication, op, "unauthorized signer: %s", sig.Signer)
		}
		if seen[sig.Signer] {
			return secerr.New(secerr.KindAuthentication, op, "duplicate signature from signer: %s", sig.Signer)
		}
		seen[sig.Signer] = true
	}

	if e.verifier != nil {
		for _, sig := range req.Signatures {
			if err := e.verifier.Verify(req, sig); err != nil {
				return secerr.Wrap(secerr.KindAuthentication, op,
					"signature verification failed for signer "+sig.Signer, err)
			}
		}
	}
	return nil
}

// ListEscrowedKeys returns the escrowed key ids in sorted order.
func (e *Escrow) ListEscrowedKeys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.entries))
	for k := range e.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetEntry returns a copy of the entry for keyID, if present. Read-only
// introspection; it does not bypass recovery authorization because the
// encrypted key bytes are opaque without the key service.
func (e *Escrow) GetEntry(keyID string) (*Entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.entries[keyID]
	if !ok {
		return nil, false
	}
	cp := *entry
	cp.EncryptedKey = append([]byte(nil), entry.EncryptedKey...)
	cp.Metadata = copyMetadata(entry.Metadata)
	return &cp, true
}

// Stats returns the escrow snapshot for health reporting.
func (e *Escrow) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		EscrowID:          e.escrowID,
		TotalKeys:         len(e.entries),
		AuthorizedParties: len(e.authorizedParties),
		MinimumSignatures: e.minimumSignatures,
	}
}

// lockKey acquires the per-key-id recovery mutex, creating it on first
// use, and returns the unlock function.
func (e *Escrow) lockKey(keyID string) func() {
	e.mu.Lock()
	lock, ok := e.keyLocks[keyID]
	if !ok {
		lock = &sync.Mutex{}
		e.keyLocks[keyID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// auditEscrowRejection best-effort records a rejected escrow attempt so
// aborted operations still leave a failure trace. The validation error
// is what the caller sees.
func (e *Escrow) auditEscrowRejection(ctx context.Context, keyID string, cause error) {
	metadata := map[string]string{"error": cause.Error()}
	if keyID != "" {
		metadata["key_id"] = keyID
	}
	if _, err := e.auditLog.LogOperation(ctx, "", "", audit.ActionKeyEscrow,
		"escrow/"+keyID, audit.ResultFailure, metadata); err != nil {
		e.logger.ErrorContext(ctx, "failed to audit escrow rejection", "key_id", keyID, "error", err)
	}
}

// auditAttempt best-effort records a rejected recovery attempt.
// Failures here are logged only; the original error is what the caller
// sees.
func (e *Escrow) auditAttempt(ctx context.Context, req *RecoveryRequest, result audit.Result, cause error) {
	metadata := recoveryMetadata(req)
	metadata["error"] = cause.Error()

	requester := ""
	keyID := ""
	if req != nil {
		requester = req.Requester
		keyID = req.KeyID
	}

	if _, err := e.auditLog.LogOperation(ctx, requester, "", audit.ActionKeyRecovery,
		"escrow/"+keyID, result, metadata); err != nil {
		e.logger.ErrorContext(ctx, "failed to audit recovery attempt", "key_id", keyID, "error", err)
	}
}

func validateRequest(op string, req *RecoveryRequest) error {
	if req == nil {
		return secerr.New(secerr.KindValidation, op, "recovery request cannot be nil")
	}
	if req.KeyID == "" {
		return secerr.New(secerr.KindValidation, op, "key id cannot be empty")
	}
	if req.Requester == "" {
		return secerr.New(secerr.KindValidation, op, "requester cannot be empty")
	}
	if req.Reason == "" {
		return secerr.New(secerr.KindValidation, op, "recovery reason cannot be empty")
	}
	return nil
}

func recoveryMetadata(req *RecoveryRequest) map[string]string {
	metadata := make(map[string]string, 4)
	if req == nil {
		return metadata
	}
	metadata["request_id"] = req.RequestID.String()
	metadata["key_id"] = req.KeyID
	metadata["reason"] = req.Reason
	metadata["signature_count"] = strconv.Itoa(len(req.Signatures))
	return metadata
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
