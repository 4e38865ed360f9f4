package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/AltairaLabs/promptguard/internal/agent"
	"github.com/AltairaLabs/promptguard/internal/audit"
	"github.com/AltairaLabs/promptguard/internal/escrow"
	"github.com/AltairaLabs/promptguard/internal/identity"
	"github.com/AltairaLabs/promptguard/internal/kms"
	"github.com/AltairaLabs/promptguard/internal/observer"
)

const (
	// Tool names
	toolAgentRegister   = "agent.register"
	toolAgentEncryption = "agent.encryption"
	toolPromptProcess   = "prompt.process"
	toolResponseProcess = "response.process"
	toolEscrowStore     = "escrow.store"
	toolEscrowRecover   = "escrow.recover"
	toolAuditQuery      = "audit.query"
	toolAuditReport     = "audit.report"
)

// Config holds configuration for the MCP gateway.
type Config struct {
	Name           string
	Version        string
	RatePerSecond  float64
	RateBurst      int
	RecoveryAdmins []string
}

// MCPServer wraps the mcp-go server with the security tool surface.
type MCPServer struct {
	server   *server.MCPServer
	coord    *Coordinator
	sessions *identity.Manager
	keys     kms.KeyService
	vault    *escrow.Escrow
	auditLog *audit.Logger
	metrics  *observer.Metrics
	logger   *slog.Logger

	recoveryAdmins map[string]bool

	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int
}

// NewMCPServer creates and configures the gateway. metrics may be nil.
func NewMCPServer(
	cfg Config,
	coord *Coordinator,
	sessions *identity.Manager,
	keys kms.KeyService,
	vault *escrow.Escrow,
	auditLog *audit.Logger,
	metrics *observer.Metrics,
	logger *slog.Logger,
) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}

	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	admins := make(map[string]bool, len(cfg.RecoveryAdmins))
	for _, u := range cfg.RecoveryAdmins {
		admins[u] = true
	}

	ms := &MCPServer{
		server:         mcpServer,
		coord:          coord,
		sessions:       sessions,
		keys:           keys,
		vault:          vault,
		auditLog:       auditLog,
		metrics:        metrics,
		logger:         logger.With("component", "gateway"),
		recoveryAdmins: admins,
		limiters:       make(map[string]*rate.Limiter),
		rateLimit:      rate.Limit(cfg.RatePerSecond),
		rateBurst:      cfg.RateBurst,
	}

	ms.registerTools()
	return ms
}

// registerTools registers all MCP tools with handlers.
func (ms *MCPServer) registerTools() {
	registerTool := mcp.NewTool(toolAgentRegister,
		mcp.WithDescription("Create a session and register its prompt and response agents"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Unique session identifier"),
		),
		mcp.WithString("user_id",
			mcp.Description("User the session belongs to"),
		),
		mcp.WithString("key_id",
			mcp.Description("Key identifier recorded on audit entries"),
		),
	)
	ms.server.AddTool(registerTool, ms.handleAgentRegister)

	encryptionTool := mcp.NewTool(toolAgentEncryption,
		mcp.WithDescription("Toggle encryption for a registered agent"),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Agent identity returned by agent.register"),
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Agent kind: prompt or response"),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("Whether encryption is enabled (default true)"),
		),
	)
	ms.server.AddTool(encryptionTool, ms.handleAgentEncryption)

	promptTool := mcp.NewTool(toolPromptProcess,
		mcp.WithDescription("Validate and seal a prompt before it leaves the trust boundary"),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Prompt agent identity"),
		),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("Prompt text to process"),
		),
	)
	ms.server.AddTool(promptTool, ms.handlePromptProcess)

	responseTool := mcp.NewTool(toolResponseProcess,
		mcp.WithDescription("Open and validate a sealed model response"),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Response agent identity"),
		),
		mcp.WithString("response",
			mcp.Required(),
			mcp.Description("Sealed response text to process"),
		),
	)
	ms.server.AddTool(responseTool, ms.handleResponseProcess)

	escrowStoreTool := mcp.NewTool(toolEscrowStore,
		mcp.WithDescription("Place encrypted key material in escrow"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session performing the operation"),
		),
		mcp.WithString("key_id",
			mcp.Required(),
			mcp.Description("Identifier the key is escrowed under"),
		),
		mcp.WithString("key_material",
			mcp.Required(),
			mcp.Description("Base64-encoded encrypted key material"),
		),
		mcp.WithString("expires_at",
			mcp.Description("Optional RFC3339 expiry"),
		),
	)
	ms.server.AddTool(escrowStoreTool, ms.handleEscrowStore)

	escrowRecoverTool := mcp.NewTool(toolEscrowRecover,
		mcp.WithDescription("Recover escrowed key material with multi-party signatures"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session performing the operation"),
		),
		mcp.WithString("key_id",
			mcp.Required(),
			mcp.Description("Identifier of the escrowed key"),
		),
		mcp.WithString("reason",
			mcp.Required(),
			mcp.Description("Operator justification for the recovery"),
		),
		mcp.WithString("signatures",
			mcp.Required(),
			mcp.Description(`JSON array of {"signer":...,"value":...} approvals`),
		),
	)
	ms.server.AddTool(escrowRecoverTool, ms.handleEscrowRecover)

	auditQueryTool := mcp.NewTool(toolAuditQuery,
		mcp.WithDescription("Query the audit ledger, newest first"),
		mcp.WithString("user_id",
			mcp.Description("Filter by user"),
		),
		mcp.WithString("action",
			mcp.Description("Filter by action name"),
		),
		mcp.WithString("result",
			mcp.Description("Filter by result: success, failure or partial"),
		),
		mcp.WithString("limit",
			mcp.Description("Maximum number of entries to return"),
		),
	)
	ms.server.AddTool(auditQueryTool, ms.handleAuditQuery)

	auditReportTool := mcp.NewTool(toolAuditReport,
		mcp.WithDescription("Generate an activity report over a time range"),
		mcp.WithString("start",
			mcp.Description("RFC3339 range start (default 24h ago)"),
		),
		mcp.WithString("end",
			mcp.Description("RFC3339 range end (default now)"),
		),
	)
	ms.server.AddTool(auditReportTool, ms.handleAuditReport)
}

// allow applies the per-agent rate limit.
func (ms *MCPServer) allow(key string) bool {
	ms.limitMu.Lock()
	defer ms.limitMu.Unlock()

	limiter, ok := ms.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(ms.rateLimit, ms.rateBurst)
		ms.limiters[key] = limiter
	}
	return limiter.Allow()
}

// handleAgentRegister implements the agent.register tool.
func (ms *MCPServer) handleAgentRegister(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	userID := request.GetString("user_id", "")
	keyID := request.GetString("key_id", ms.keys.ID().ResourceName())

	if _, err := ms.sessions.Create(sessionID, userID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if ms.recoveryAdmins[userID] {
		if err := ms.sessions.Grant(sessionID, identity.PermissionKeyRecovery); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	agentCtx := agent.NewContext(sessionID).WithUser(userID).WithKeyID(keyID)
	promptAgent := agent.NewPromptAgent(agentCtx, ms.keys, ms.auditLog, ms.logger)
	responseAgent := agent.NewResponseAgent(agentCtx, ms.keys, ms.auditLog, ms.logger)

	promptID, err := ms.coord.RegisterPromptAgentSync(ctx, promptAgent)
	if err != nil {
		ms.sessions.Delete(sessionID)
		return mcp.NewToolResultError(err.Error()), nil
	}
	responseID, err := ms.coord.RegisterResponseAgentSync(ctx, responseAgent)
	if err != nil {
		ms.sessions.Delete(sessionID)
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ms.sessions.SetAgents(sessionID, promptID, responseID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]string{
		"session_id":        sessionID,
		"prompt_agent_id":   promptID.String(),
		"response_agent_id": responseID.String(),
	})
}

// handleAgentEncryption implements the agent.encryption tool.
func (ms *MCPServer) handleAgentEncryption(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, result := ms.requireAgentID(request)
	if result != nil {
		return result, nil
	}
	kind, err := request.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	enabled := request.GetBool("enabled", true)

	switch kind {
	case "prompt":
		a, ok := ms.coord.GetPromptAgent(id)
		if !ok {
			return mcp.NewToolResultError("prompt agent " + id.String() + " not found"), nil
		}
		a.SetEncryption(enabled)
	case "response":
		a, ok := ms.coord.GetResponseAgent(id)
		if !ok {
			return mcp.NewToolResultError("response agent " + id.String() + " not found"), nil
		}
		a.SetEncryption(enabled)
	default:
		return mcp.NewToolResultError("kind must be prompt or response, got " + kind), nil
	}

	return jsonResult(map[string]string{
		"agent_id":   id.String(),
		"kind":       kind,
		"encryption": strconv.FormatBool(enabled),
	})
}

// handlePromptProcess implements the prompt.process tool.
func (ms *MCPServer) handlePromptProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, result := ms.requireAgentID(request)
	if result != nil {
		return result, nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !ms.allow(id.String()) {
		return mcp.NewToolResultError("rate limit exceeded for agent " + id.String()), nil
	}

	processed, err := ms.coord.ProcessPrompt(ctx, id, prompt)
	if ms.metrics != nil {
		ms.metrics.ObservePrompt(err == nil)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(processed), nil
}

// handleResponseProcess implements the response.process tool.
func (ms *MCPServer) handleResponseProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, result := ms.requireAgentID(request)
	if result != nil {
		return result, nil
	}
	response, err := request.RequireString("response")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !ms.allow(id.String()) {
		return mcp.NewToolResultError("rate limit exceeded for agent " + id.String()), nil
	}

	processed, err := ms.coord.ProcessResponse(ctx, id, response)
	if ms.metrics != nil {
		ms.metrics.ObserveResponse(err == nil)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(processed), nil
}

// handleEscrowStore implements the escrow.store tool.
func (ms *MCPServer) handleEscrowStore(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, result := ms.requireRecoverySession(request)
	if result != nil {
		return result, nil
	}
	keyID, err := request.RequireString("key_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	material, err := request.RequireString("key_material")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	encrypted, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return mcp.NewToolResultError("key_material must be base64: " + err.Error()), nil
	}

	var expiresAt *time.Time
	if raw := request.GetString("expires_at", ""); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError("expires_at must be RFC3339: " + err.Error()), nil
		}
		expiresAt = &ts
	}

	metadata := map[string]string{"stored_by": session.UserID}
	if err := ms.vault.EscrowKey(ctx, keyID, encrypted, expiresAt, metadata); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{"key_id": keyID, "status": "escrowed"})
}

// handleEscrowRecover implements the escrow.recover tool.
func (ms *MCPServer) handleEscrowRecover(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, result := ms.requireRecoverySession(request)
	if result != nil {
		return result, nil
	}
	keyID, err := request.RequireString("key_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason, err := request.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawSigs, err := request.RequireString("signatures")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sigs []struct {
		Signer string `json:"signer"`
		Value  string `json:"value"`
	}
	if err := json.Unmarshal([]byte(rawSigs), &sigs); err != nil {
		return mcp.NewToolResultError("signatures must be a JSON array: " + err.Error()), nil
	}

	req := &escrow.RecoveryRequest{
		RequestID: uuid.New(),
		Requester: session.UserID,
		KeyID:     keyID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	for _, s := range sigs {
		req.Signatures = append(req.Signatures, escrow.Signature{
			Signer:    s.Signer,
			Value:     s.Value,
			Timestamp: time.Now().UTC(),
		})
	}

	material, err := ms.vault.RecoverKey(ctx, req)
	if ms.metrics != nil {
		ms.metrics.ObserveRecovery(material != nil)
	}
	if err != nil && material == nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := map[string]string{
		"request_id":   req.RequestID.String(),
		"key_id":       keyID,
		"key_material": base64.StdEncoding.EncodeToString(material),
	}
	if err != nil {
		// Recovery granted but the audit write failed; the operator
		// must know the trail is incomplete.
		out["warning"] = err.Error()
	}
	return jsonResult(out)
}

// handleAuditQuery implements the audit.query tool.
func (ms *MCPServer) handleAuditQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := audit.Query{
		UserID: request.GetString("user_id", ""),
		Action: request.GetString("action", ""),
		Result: audit.Result(request.GetString("result", "")),
	}
	if raw := request.GetString("limit", ""); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return mcp.NewToolResultError("limit must be a non-negative integer, got " + raw), nil
		}
		q.Limit = limit
	}

	entries, err := ms.auditLog.Query(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries)
}

// handleAuditReport implements the audit.report tool.
func (ms *MCPServer) handleAuditReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if raw := request.GetString("start", ""); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError("start must be RFC3339: " + err.Error()), nil
		}
		start = ts
	}
	if raw := request.GetString("end", ""); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError("end must be RFC3339: " + err.Error()), nil
		}
		end = ts
	}

	report, err := ms.auditLog.GenerateReport(ctx, start, end)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(report)
}

// requireAgentID parses the agent_id argument. The second return value
// is non-nil when the request is invalid.
func (ms *MCPServer) requireAgentID(request mcp.CallToolRequest) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := request.RequireString("agent_id")
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(err.Error())
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError("agent_id must be a UUID: " + err.Error())
	}
	return id, nil
}

// requireRecoverySession resolves the session_id argument and checks
// the key-recovery permission the escrow tools are gated on.
func (ms *MCPServer) requireRecoverySession(request mcp.CallToolRequest) (*identity.Session, *mcp.CallToolResult) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	session, ok := ms.sessions.Get(sessionID)
	if !ok {
		return nil, mcp.NewToolResultError("session " + sessionID + " not found")
	}
	if !ms.sessions.HasPermission(sessionID, identity.PermissionKeyRecovery) {
		return nil, mcp.NewToolResultError("session " + sessionID + " lacks the " + identity.PermissionKeyRecovery + " permission")
	}
	return session, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("encoding result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// Server returns the underlying mcp-go server for serving.
func (ms *MCPServer) Server() *server.MCPServer {
	return ms.server
}
