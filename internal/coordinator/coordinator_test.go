package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/promptguard/internal/agent"
	"github.com/AltairaLabs/promptguard/internal/audit"
	"github.com/AltairaLabs/promptguard/internal/kms"
	"github.com/AltairaLabs/promptguard/internal/secerr"
)

func testKeyService(t *testing.T) kms.KeyService {
	t.Helper()
	keyID := kms.KeyID{
		Project:  "promptguard-test",
		Location: "global",
		KeyRing:  "sessions",
		Key:      "session-key",
		Version:  "1",
	}
	svc, err := kms.NewLocalKeyService(keyID, []byte("0123456789abcdef0123456789abcdef"), nil)
	if err != nil {
		t.Fatalf("NewLocalKeyService failed: %v", err)
	}
	return svc
}

// newTestCoordinator starts a coordinator with a running consumer loop
// and shuts it down at test end.
func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := New(nil)
	go c.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return c
}

func newTestAgents(t *testing.T, session string) (*agent.PromptAgent, *agent.ResponseAgent) {
	t.Helper()
	keys := testKeyService(t)
	auditLog := audit.NewLogger(audit.NewMemoryStore(), 30, nil)
	agentCtx := agent.NewContext(session).WithUser("alice").WithKeyID("session-key")
	return agent.NewPromptAgent(agentCtx, keys, auditLog, nil),
		agent.NewResponseAgent(agentCtx, keys, auditLog, nil)
}

func TestRegisterSyncThenDispatch(t *testing.T) {
	c := newTestCoordinator(t)
	prompt, response := newTestAgents(t, "session-1")
	ctx := context.Background()

	promptID, err := c.RegisterPromptAgentSync(ctx, prompt)
	if err != nil {
		t.Fatalf("RegisterPromptAgentSync failed: %v", err)
	}
	responseID, err := c.RegisterResponseAgentSync(ctx, response)
	if err != nil {
		t.Fatalf("RegisterResponseAgentSync failed: %v", err)
	}

	if prompt.Identity() != promptID {
		t.Errorf("agent identity %s, want %s", prompt.Identity(), promptID)
	}

	sealed, err := c.ProcessPrompt(ctx, promptID, "hello")
	if err != nil {
		t.Fatalf("ProcessPrompt failed: %v", err)
	}
	opened, err := c.ProcessResponse(ctx, responseID, sealed)
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if opened != "hello" {
		t.Errorf("round trip produced %q, want %q", opened, "hello")
	}
}

func TestAsyncRegistrationBecomesVisible(t *testing.T) {
	c := newTestCoordinator(t)
	prompt, _ := newTestAgents(t, "session-1")

	id, err := c.RegisterPromptAgent(prompt)
	if err != nil {
		t.Fatalf("RegisterPromptAgent failed: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("registration returned the nil identity")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := c.GetPromptAgent(id); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("registration never applied")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatchUnknownAgent(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := c.ProcessPrompt(ctx, id, "hello")
	if !secerr.IsKind(err, secerr.KindCoordination) {
		t.Errorf("got %v, want coordination error", err)
	}
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error %v does not name the missing agent", err)
	}

	if _, err := c.ProcessResponse(ctx, id, "hello"); !secerr.IsKind(err, secerr.KindCoordination) {
		t.Errorf("got %v, want coordination error", err)
	}
}

func TestDispatchFailureDoesNotStopLoop(t *testing.T) {
	c := newTestCoordinator(t)
	prompt, _ := newTestAgents(t, "session-1")
	ctx := context.Background()

	id, err := c.RegisterPromptAgentSync(ctx, prompt)
	if err != nil {
		t.Fatalf("RegisterPromptAgentSync failed: %v", err)
	}

	if _, err := c.ProcessPrompt(ctx, id, ""); !secerr.IsKind(err, secerr.KindValidation) {
		t.Fatalf("got %v, want validation error", err)
	}

	// The loop still accepts commands and dispatch still works.
	if _, err := c.ProcessPrompt(ctx, id, "still alive"); err != nil {
		t.Errorf("dispatch after failure: %v", err)
	}
	other, _ := newTestAgents(t, "session-2")
	if _, err := c.RegisterPromptAgentSync(ctx, other); err != nil {
		t.Errorf("registration after failure: %v", err)
	}
}

func TestShutdownRejectsNewRegistrations(t *testing.T) {
	c := New(nil)
	go c.Run()
	ctx := context.Background()

	prompt, response := newTestAgents(t, "session-1")
	if _, err := c.RegisterPromptAgentSync(ctx, prompt); err != nil {
		t.Fatalf("RegisterPromptAgentSync failed: %v", err)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := c.RegisterResponseAgent(response); !secerr.IsKind(err, secerr.KindCoordination) {
		t.Errorf("registration after shutdown: got %v, want coordination error", err)
	}
	if err := c.RemovePromptAgent(uuid.New()); !secerr.IsKind(err, secerr.KindCoordination) {
		t.Errorf("removal after shutdown: got %v, want coordination error", err)
	}

	// Shutdown is idempotent.
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}
}

func TestShutdownDrainsBufferedCommands(t *testing.T) {
	c := New(nil)

	// Enqueue before the consumer loop starts so the commands sit in
	// the buffer when Shutdown closes the stream.
	const n = 10
	for i := 0; i < n; i++ {
		prompt, _ := newTestAgents(t, fmt.Sprintf("session-%d", i))
		if _, err := c.RegisterPromptAgent(prompt); err != nil {
			t.Fatalf("RegisterPromptAgent failed: %v", err)
		}
	}

	go c.Run()
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	prompts, _ := c.AgentCounts()
	if prompts != n {
		t.Errorf("got %d prompt agents after drain, want %d", prompts, n)
	}
}

func TestShutdownNotBlockedByFullBuffer(t *testing.T) {
	c := New(nil)

	// Fill the buffer and park extra registrations behind it while the
	// consumer loop is not running.
	const total = commandBuffer + 8
	agents := make([]*agent.PromptAgent, total)
	for i := range agents {
		agents[i], _ = newTestAgents(t, fmt.Sprintf("session-%d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.RegisterPromptAgent(agents[n])
			errs <- err
		}(i)
	}

	// Wait for the buffer to fill and the overflow senders to park.
	deadline := time.Now().Add(5 * time.Second)
	for len(c.commands) < commandBuffer {
		if time.Now().After(deadline) {
			t.Fatal("command buffer never filled")
		}
		time.Sleep(time.Millisecond)
	}

	// With no consumer the drain cannot finish, but Shutdown must still
	// honor its context instead of waiting behind a parked sender.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Shutdown(ctx); !secerr.IsKind(err, secerr.KindCoordination) {
		t.Fatalf("Shutdown = %v, want coordination error from the expired context", err)
	}

	wg.Wait()
	close(errs)
	var refused int
	for err := range errs {
		if err != nil {
			refused++
		}
	}
	// At most commandBuffer registrations fit; the rest were released
	// with an error rather than left parked.
	if refused < total-commandBuffer {
		t.Errorf("refused %d registrations, want at least %d", refused, total-commandBuffer)
	}

	// A late consumer drains the accepted registrations and Shutdown
	// completes.
	go c.Run()
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after starting consumer: %v", err)
	}
	prompts, _ := c.AgentCounts()
	if prompts != total-refused {
		t.Errorf("got %d prompt agents after drain, want %d accepted registrations", prompts, total-refused)
	}
}

func TestRemoveAgent(t *testing.T) {
	c := newTestCoordinator(t)
	prompt, response := newTestAgents(t, "session-1")
	ctx := context.Background()

	promptID, err := c.RegisterPromptAgentSync(ctx, prompt)
	if err != nil {
		t.Fatalf("RegisterPromptAgentSync failed: %v", err)
	}
	responseID, err := c.RegisterResponseAgentSync(ctx, response)
	if err != nil {
		t.Fatalf("RegisterResponseAgentSync failed: %v", err)
	}

	if err := c.RemovePromptAgent(promptID); err != nil {
		t.Fatalf("RemovePromptAgent failed: %v", err)
	}
	if err := c.RemoveResponseAgent(responseID); err != nil {
		t.Fatalf("RemoveResponseAgent failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		prompts, responses := c.AgentCounts()
		if prompts == 0 && responses == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agents never removed: %d prompts, %d responses", prompts, responses)
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := c.ProcessPrompt(ctx, promptID, "hello"); !secerr.IsKind(err, secerr.KindCoordination) {
		t.Errorf("dispatch to removed agent: got %v, want coordination error", err)
	}

	// Removing an unknown identity is accepted and applied as a no-op.
	if err := c.RemovePromptAgent(uuid.New()); err != nil {
		t.Errorf("removing unknown agent: %v", err)
	}
}

func TestConcurrentRegistrationAndDispatch(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	const agents = 16
	ids := make([]uuid.UUID, agents)
	for i := range ids {
		prompt, _ := newTestAgents(t, fmt.Sprintf("session-%d", i))
		id, err := c.RegisterPromptAgentSync(ctx, prompt)
		if err != nil {
			t.Fatalf("RegisterPromptAgentSync failed: %v", err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make(chan error, agents*4)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(id uuid.UUID, n int) {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if _, err := c.ProcessPrompt(ctx, id, fmt.Sprintf("prompt %d-%d", n, j)); err != nil {
					errs <- err
				}
			}
		}(ids[i], i)
	}

	// Registrations race with the dispatches above.
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			prompt, _ := newTestAgents(t, fmt.Sprintf("extra-%d", n))
			if _, err := c.RegisterPromptAgent(prompt); err != nil {
				errs <- err
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent operation failed: %v", err)
	}
}
