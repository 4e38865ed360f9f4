// Package coordinator owns the registries of live prompt and response
// agents. Lifecycle mutations (register, remove) flow through a single
// command stream consumed by Run, so registry writes are serialized;
// dispatch reads run concurrently under a shared lock.
package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/AltairaLabs/promptguard/internal/agent"
	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// commandBuffer sizes the lifecycle command channel. Registration is
// bursty at session setup; the buffer keeps callers from blocking on
// the consumer loop during a burst.
const commandBuffer = 64

// command is one lifecycle mutation applied by the consumer loop.
type command interface {
	apply(c *Coordinator)
}

// Coordinator is the sole owner of the agent registries. Construct one
// per process, start Run in a goroutine, and pass the instance to
// dependents by reference.
type Coordinator struct {
	mu             sync.RWMutex
	promptAgents   map[uuid.UUID]*agent.PromptAgent
	responseAgents map[uuid.UUID]*agent.ResponseAgent

	sendMu   sync.Mutex
	closed   bool
	sending  sync.WaitGroup
	commands chan command

	quit   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// New creates a coordinator. Call Run to start the consumer loop.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		promptAgents:   make(map[uuid.UUID]*agent.PromptAgent),
		responseAgents: make(map[uuid.UUID]*agent.ResponseAgent),
		commands:       make(chan command, commandBuffer),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		logger:         logger.With("component", "coordinator"),
	}
}

// Run consumes lifecycle commands until Shutdown signals the stream
// closed. Commands enqueued before shutdown are drained before Run
// returns, so an accepted registration is always applied. Dispatch
// failures are reported to their callers and never reach this loop.
func (c *Coordinator) Run() {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.commands:
			cmd.apply(c)
		case <-c.quit:
			// Let in-flight sends resolve, then drain what they and
			// earlier callers enqueued.
			c.sending.Wait()
			for {
				select {
				case cmd := <-c.commands:
					cmd.apply(c)
				default:
					c.logger.Info("coordinator stopped")
					return
				}
			}
		}
	}
}

// Shutdown signals the command stream closed and waits for Run to
// drain it. New registrations are rejected from this point on; senders
// parked on a full buffer are released with a coordination error.
// In-flight dispatch calls are unaffected. Safe to call more than once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.quit)
	}
	c.sendMu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return secerr.Wrap(secerr.KindCoordination, "coordinator.Shutdown", "waiting for drain", ctx.Err())
	}
}

// send enqueues a command, or reports a coordination error if the
// stream has been closed by Shutdown. The enqueue itself happens
// outside the lock: a sender waiting on a full buffer must not hold
// sendMu, or Shutdown could never run and release it.
func (c *Coordinator) send(op string, cmd command) error {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return secerr.New(secerr.KindCoordination, op, "coordinator is shutting down")
	}
	c.sending.Add(1)
	c.sendMu.Unlock()
	defer c.sending.Done()

	select {
	case c.commands <- cmd:
		return nil
	case <-c.quit:
		return secerr.New(secerr.KindCoordination, op, "coordinator is shutting down")
	}
}

type registerPromptCmd struct {
	id    uuid.UUID
	agent *agent.PromptAgent
	done  chan struct{}
}

func (cmd registerPromptCmd) apply(c *Coordinator) {
	c.mu.Lock()
	c.promptAgents[cmd.id] = cmd.agent
	c.mu.Unlock()

	c.logger.Info("prompt agent registered",
		"agent_id", cmd.id.String(), "session_id", cmd.agent.Context().SessionID)
	if cmd.done != nil {
		close(cmd.done)
	}
}

type registerResponseCmd struct {
	id    uuid.UUID
	agent *agent.ResponseAgent
	done  chan struct{}
}

func (cmd registerResponseCmd) apply(c *Coordinator) {
	c.mu.Lock()
	c.responseAgents[cmd.id] = cmd.agent
	c.mu.Unlock()

	c.logger.Info("response agent registered",
		"agent_id", cmd.id.String(), "session_id", cmd.agent.Context().SessionID)
	if cmd.done != nil {
		close(cmd.done)
	}
}

type removePromptCmd struct {
	id   uuid.UUID
	done chan struct{}
}

func (cmd removePromptCmd) apply(c *Coordinator) {
	c.mu.Lock()
	_, existed := c.promptAgents[cmd.id]
	delete(c.promptAgents, cmd.id)
	c.mu.Unlock()

	c.logger.Info("prompt agent removed", "agent_id", cmd.id.String(), "existed", existed)
	if cmd.done != nil {
		close(cmd.done)
	}
}

type removeResponseCmd struct {
	id   uuid.UUID
	done chan struct{}
}

func (cmd removeResponseCmd) apply(c *Coordinator) {
	c.mu.Lock()
	_, existed := c.responseAgents[cmd.id]
	delete(c.responseAgents, cmd.id)
	c.mu.Unlock()

	c.logger.Info("response agent removed", "agent_id", cmd.id.String(), "existed", existed)
	if cmd.done != nil {
		close(cmd.done)
	}
}

// RegisterPromptAgent assigns a fresh identity, enqueues the
// registration, and returns without waiting for it to be applied. The
// identity is valid for dispatch once the consumer loop has applied the
// command; callers that need read-your-write visibility should use
// RegisterPromptAgentSync.
func (c *Coordinator) RegisterPromptAgent(a *agent.PromptAgent) (uuid.UUID, error) {
	const op = "coordinator.RegisterPromptAgent"

	id := uuid.New()
	a.AssignIdentity(id)
	if err := c.send(op, registerPromptCmd{id: id, agent: a}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// RegisterPromptAgentSync registers the agent and waits until the
// registration has been applied, so a subsequent dispatch with the
// returned identity cannot miss.
func (c *Coordinator) RegisterPromptAgentSync(ctx context.Context, a *agent.PromptAgent) (uuid.UUID, error) {
	const op = "coordinator.RegisterPromptAgentSync"

	id := uuid.New()
	a.AssignIdentity(id)
	done := make(chan struct{})
	if err := c.send(op, registerPromptCmd{id: id, agent: a, done: done}); err != nil {
		return uuid.Nil, err
	}

	select {
	case <-done:
		return id, nil
	case <-ctx.Done():
		return uuid.Nil, secerr.Wrap(secerr.KindCoordination, op, "waiting for registration", ctx.Err())
	}
}

// RegisterResponseAgent assigns a fresh identity and enqueues the
// registration without waiting.
func (c *Coordinator) RegisterResponseAgent(a *agent.ResponseAgent) (uuid.UUID, error) {
	const op = "coordinator.RegisterResponseAgent"

	id := uuid.New()
	a.AssignIdentity(id)
	if err := c.send(op, registerResponseCmd{id: id, agent: a}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// RegisterResponseAgentSync registers the agent and waits until the
// registration has been applied.
func (c *Coordinator) RegisterResponseAgentSync(ctx context.Context, a *agent.ResponseAgent) (uuid.UUID, error) {
	const op = "coordinator.RegisterResponseAgentSync"

	id := uuid.New()
	a.AssignIdentity(id)
	done := make(chan struct{})
	if err := c.send(op, registerResponseCmd{id: id, agent: a, done: done}); err != nil {
		return uuid.Nil, err
	}

	select {
	case <-done:
		return id, nil
	case <-ctx.Done():
		return uuid.Nil, secerr.Wrap(secerr.KindCoordination, op, "waiting for registration", ctx.Err())
	}
}

// RemovePromptAgent enqueues removal of the agent. Removing an unknown
// identity is a no-op.
func (c *Coordinator) RemovePromptAgent(id uuid.UUID) error {
	return c.send("coordinator.RemovePromptAgent", removePromptCmd{id: id})
}

// RemoveResponseAgent enqueues removal of the agent.
func (c *Coordinator) RemoveResponseAgent(id uuid.UUID) error {
	return c.send("coordinator.RemoveResponseAgent", removeResponseCmd{id: id})
}

// ProcessPrompt dispatches a prompt to the registered agent. Lookup
// failures and pipeline errors are returned to the caller; they never
// affect other agents or the consumer loop.
func (c *Coordinator) ProcessPrompt(ctx context.Context, id uuid.UUID, prompt string) (string, error) {
	const op = "coordinator.ProcessPrompt"

	c.mu.RLock()
	a, ok := c.promptAgents[id]
	c.mu.RUnlock()

	if !ok {
		return "", secerr.New(secerr.KindCoordination, op, "prompt agent %s not found", id)
	}
	out, err := a.ProcessPrompt(ctx, prompt)
	if err != nil {
		c.logger.WarnContext(ctx, "prompt dispatch failed", "agent_id", id.String(), "error", err)
		return "", err
	}
	return out, nil
}

// ProcessResponse dispatches a response to the registered agent.
func (c *Coordinator) ProcessResponse(ctx context.Context, id uuid.UUID, response string) (string, error) {
	const op = "coordinator.ProcessResponse"

	c.mu.RLock()
	a, ok := c.responseAgents[id]
	c.mu.RUnlock()

	if !ok {
		return "", secerr.New(secerr.KindCoordination, op, "response agent %s not found", id)
	}
	out, err := a.ProcessResponse(ctx, response)
	if err != nil {
		c.logger.WarnContext(ctx, "response dispatch failed", "agent_id", id.String(), "error", err)
		return "", err
	}
	return out, nil
}

// GetPromptAgent returns the registered prompt agent, if any.
func (c *Coordinator) GetPromptAgent(id uuid.UUID) (*agent.PromptAgent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.promptAgents[id]
	return a, ok
}

// GetResponseAgent returns the registered response agent, if any.
func (c *Coordinator) GetResponseAgent(id uuid.UUID) (*agent.ResponseAgent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.responseAgents[id]
	return a, ok
}

// AgentCounts returns the number of registered prompt and response
// agents.
func (c *Coordinator) AgentCounts() (prompts, responses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.promptAgents), len(c.responseAgents)
}
