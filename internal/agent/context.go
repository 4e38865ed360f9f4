// Package agent implements the prompt and response processing pipelines.
// Each agent is bound to one logical conversation through its Context and
// transforms text through the key service while recording an audit trail.
package agent

import (
	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// Limits on the plaintext accepted by the two pipelines. Responses get a
// larger allowance because model output is typically longer than the
// prompt that produced it.
const (
	MaxPromptLength   = 10000
	MaxResponseLength = 50000
)

// Context carries the per-session identity an agent attaches to its audit
// entries. It is owned by the agent it is attached to and never shared
// across agents.
type Context struct {
	SessionID string
	UserID    string
	Metadata  map[string]string
	KeyID     string
}

// NewContext creates a context for the given session.
func NewContext(sessionID string) Context {
	return Context{
		SessionID: sessionID,
		Metadata:  make(map[string]string),
	}
}

// WithUser returns a copy of the context with the user id set.
func (c Context) WithUser(userID string) Context {
	c.UserID = userID
	return c
}

// WithKeyID returns a copy of the context bound to the given key id.
func (c Context) WithKeyID(keyID string) Context {
	c.KeyID = keyID
	return c
}

// WithMetadata returns a copy of the context with the key/value pair
// added. The original context's metadata map is not modified.
func (c Context) WithMetadata(key, value string) Context {
	meta := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[key] = value
	c.Metadata = meta
	return c
}

// Validate checks that the context is usable for processing.
func (c Context) Validate() error {
	const op = "agent.Context.Validate"
	if c.SessionID == "" {
		return secerr.New(secerr.KindValidation, op, "session id cannot be empty")
	}
	return nil
}
