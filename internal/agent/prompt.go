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

// PromptAgent validates inbound prompts and seals them through the key
// service before they leave the trust boundary. Safe for concurrent use;
// the encryption flag may be toggled at any time and affects only
// subsequent calls.
type PromptAgent struct {
	id         uuid.UUID
	ctx        Context
	encryption atomic.Bool
	keys       kms.KeyService
	auditLog   *audit.Logger
	logger     *slog.Logger
}

// NewPromptAgent creates an agent for the given session context with
// encryption enabled. The identity is assigned later, when the agent is
// registered with a coordinator.
func NewPromptAgent(agentCtx Context, keys kms.KeyService, auditLog *audit.Logger, logger *slog.Logger) *PromptAgent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &PromptAgent{
		ctx:      agentCtx,
		keys:     keys,
		auditLog: auditLog,
		logger:   logger.With("component", "prompt_agent", "session_id", agentCtx.SessionID),
	}
	a.encryption.Store(true)
	return a
}

// AssignIdentity sets the agent's identity. It is called exactly once by
// the coordinator during registration; later calls are ignored.
func (a *PromptAgent) AssignIdentity(id uuid.UUID) {
	if a.id == uuid.Nil {
		a.id = id
	}
}

// Identity returns the identity assigned at registration, or uuid.Nil if
// the agent has not been registered.
func (a *PromptAgent) Identity() uuid.UUID { return a.id }

// Context returns the session context this agent is bound to.
func (a *PromptAgent) Context() Context { return a.ctx }

// SetEncryption toggles encryption for subsequent calls.
func (a *PromptAgent) SetEncryption(enabled bool) { a.encryption.Store(enabled) }

// EncryptionEnabled reports whether encryption is currently enabled.
func (a *PromptAgent) EncryptionEnabled() bool { return a.encryption.Load() }

// ProcessPrompt validates the prompt, encrypts it if encryption is
// enabled, and records the operation. Validation happens before the key
// operation so malformed input never spends an encrypt call. The audit
// record carries lengths only, never content.
func (a *PromptAgent) ProcessPrompt(ctx context.Context, prompt string) (string, error) {
	const op = "agent.ProcessPrompt"

	if err := validateLength(op, prompt, MaxPromptLength); err != nil {
		a.recordFailure(ctx, audit.ActionPromptProcessed, len(prompt), err)
		return "", err
	}

	processed := prompt
	if a.encryption.Load() {
		envelope, err := a.keys.Encrypt(ctx, []byte(prompt))
		if err != nil {
			wrapped := secerr.Wrap(secerr.KindKeyService, op, "encrypting prompt", err)
			a.recordFailure(ctx, audit.ActionPromptProcessed, len(prompt), wrapped)
			return "", wrapped
		}
		processed = base64.StdEncoding.EncodeToString(envelope.Ciphertext)
	}

	a.recordSuccess(ctx, audit.ActionPromptProcessed, len(prompt), len(processed))
	return processed, nil
}

// validateLength rejects empty input and input over max bytes.
func validateLength(op, text string, max int) error {
	if text == "" {
		return secerr.New(secerr.KindValidation, op, "content cannot be empty")
	}
	if len(text) > max {
		return secerr.New(secerr.KindValidation, op,
			"content length %d exceeds maximum %d", len(text), max)
	}
	return nil
}

func (a *PromptAgent) recordSuccess(ctx context.Context, action string, inLen, outLen int) {
	recordPipeline(ctx, a.auditLog, a.logger, a.ctx, action, audit.ResultSuccess, map[string]string{
		"input_length":       strconv.Itoa(inLen),
		"output_length":      strconv.Itoa(outLen),
		"encryption_enabled": strconv.FormatBool(a.encryption.Load()),
	})
}

func (a *PromptAgent) recordFailure(ctx context.Context, action string, inLen int, cause error) {
	recordPipeline(ctx, a.auditLog, a.logger, a.ctx, action, audit.ResultFailure, map[string]string{
		"input_length": strconv.Itoa(inLen),
		"error":        cause.Error(),
	})
}

// recordPipeline writes the audit entry for one pipeline call. A ledger
// write failure is logged and swallowed; it must never abort the call
// that produced it. The agent's key id is recorded as the resource so
// audit queries can group activity per key.
func recordPipeline(
	ctx context.Context,
	auditLog *audit.Logger,
	logger *slog.Logger,
	agentCtx Context,
	action string,
	result audit.Result,
	metadata map[string]string,
) {
	if auditLog == nil {
		return
	}
	_, err := auditLog.LogOperation(ctx,
		agentCtx.UserID, agentCtx.SessionID, action, agentCtx.KeyID, result, metadata)
	if err != nil {
		logger.WarnContext(ctx, "audit write failed", "action", action, "error", err)
	}
}
