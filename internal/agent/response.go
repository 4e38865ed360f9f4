package agent

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/AltairaLabs/promptguard/internal/audit"
	"github.com/AltairaLabs/promptguard/internal/kms"
	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// ResponseAgent opens sealed model responses and validates the recovered
// plaintext. Validation runs after decryption because only the plaintext
// form is meaningful to check; the sealed form is opaque.
type ResponseAgent struct {
	id         uuid.UUID
	ctx        Context
	encryption atomic.Bool
	keys       kms.KeyService
	auditLog   *audit.Logger
	logger     *slog.Logger
}

// NewResponseAgent creates an agent for the given session context with
// encryption enabled. The identity is assigned at registration.
func NewResponseAgent(agentCtx Context, keys kms.KeyService, auditLog *audit.Logger, logger *slog.Logger) *ResponseAgent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &ResponseAgent{
		ctx:      agentCtx,
		keys:     keys,
		auditLog: auditLog,
		logger:   logger.With("component", "response_agent", "session_id", agentCtx.SessionID),
	}
	a.encryption.Store(true)
	return a
}

// AssignIdentity sets the agent's identity. It is called exactly once by
// the coordinator during registration; later calls are ignored.
func (a *ResponseAgent) AssignIdentity(id uuid.UUID) {
	if a.id == uuid.Nil {
		a.id = id
	}
}

// Identity returns the identity assigned at registration, or uuid.Nil if
// the agent has not been registered.
func (a *ResponseAgent) Identity() uuid.UUID { return a.id }

// Context returns the session context this agent is bound to.
func (a *ResponseAgent) Context() Context { return a.ctx }

// SetEncryption toggles decryption for subsequent calls.
func (a *ResponseAgent) SetEncryption(enabled bool) { a.encryption.Store(enabled) }

// EncryptionEnabled reports whether decryption is currently enabled.
func (a *ResponseAgent) EncryptionEnabled() bool { return a.encryption.Load() }

// ProcessResponse decrypts the response if encryption is enabled, then
// validates the recovered plaintext and records the operation. The input
// is the base64 form produced by the prompt pipeline.
func (a *ResponseAgent) ProcessResponse(ctx context.Context, response string) (string, error) {
	const op = "agent.ProcessResponse"

	processed := response
	if a.encryption.Load() {
		ciphertext, err := base64.StdEncoding.DecodeString(response)
		if err != nil {
			wrapped := secerr.Wrap(secerr.KindKeyService, op, "decoding sealed response", err)
			a.recordFailure(ctx, audit.ActionResponseProcessed, len(response), wrapped)
			return "", wrapped
		}
		plaintext, err := a.keys.Decrypt(ctx, ciphertext)
		if err != nil {
			wrapped := secerr.Wrap(secerr.KindKeyService, op, "decrypting response", err)
			a.recordFailure(ctx, audit.ActionResponseProcessed, len(response), wrapped)
			return "", wrapped
		}
		processed = string(plaintext)
	}

	if err := validateLength(op, processed, MaxResponseLength); err != nil {
		a.recordFailure(ctx, audit.ActionResponseProcessed, len(response), err)
		return "", err
	}

	a.recordSuccess(ctx, audit.ActionResponseProcessed, len(response), len(processed))
	return processed, nil
}

func (a *ResponseAgent) recordSuccess(ctx context.Context, action string, inLen, outLen int) {
	recordPipeline(ctx, a.auditLog, a.logger, a.ctx, action, audit.ResultSuccess, map[string]string{
		"input_length":       strconv.Itoa(inLen),
		"output_length":      strconv.Itoa(outLen),
		"encryption_enabled": strconv.FormatBool(a.encryption.Load()),
	})
}

func (a *ResponseAgent) recordFailure(ctx context.Context, action string, inLen int, cause error) {
	recordPipeline(ctx, a.auditLog, a.logger, a.ctx, action, audit.ResultFailure, map[string]string{
		"input_length": strconv.Itoa(inLen),
		"error":        cause.Error(),
	})
}
