package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// Actions written by the security core. Components outside this package
// pass these constants to LogOperation.
const (
	ActionPromptProcessed    = "prompt_processed"
	ActionResponseProcessed  = "response_processed"
	ActionKeyEscrow          = "key_escrow"
	ActionKeyRecovery        = "key_recovery"
	ActionUserAuthentication = "user_authentication"
	ActionPermissionChange   = "permission_change"
	ActionDataEncryption     = "data_encryption"
	ActionDataDecryption     = "data_decryption"
)

// sensitiveActions receive the elevated-visibility flag on their entries.
var sensitiveActions = map[string]bool{
	ActionKeyEscrow:          true,
	ActionKeyRecovery:        true,
	ActionUserAuthentication: true,
	ActionPermissionChange:   true,
	ActionDataEncryption:     true,
	ActionDataDecryption:     true,
}

// Stats is the ledger snapshot polled by the observer.
type Stats struct {
	LedgerID      uuid.UUID
	TotalEntries  int
	RetentionDays int
	OldestEntry   time.Time
	NewestEntry   time.Time
}

// Report aggregates ledger activity over a time range.
type Report struct {
	ReportID        uuid.UUID
	GeneratedAt     time.Time
	PeriodStart     time.Time
	PeriodEnd       time.Time
	TotalOperations int
	SuccessfulOps   int
	FailedOps       int
	PartialOps      int
	SuccessRate     float64
	ActionBreakdown map[string]int
	UserActivity    map[string]int
}

// Logger is the audit ledger front end. All security-relevant actions are
// written through it; a store failure is surfaced to the caller as an
// audit-kind error but the caller's primary operation must treat it as
// non-fatal (escrow and recovery map it to a partial result instead).
type Logger struct {
	ledgerID      uuid.UUID
	store         Store
	retentionDays int
	logger        *slog.Logger
}

// NewLogger creates a ledger over the given store with the configured
// retention window in days.
func NewLogger(store Store, retentionDays int, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	return &Logger{
		ledgerID:      id,
		store:         store,
		retentionDays: retentionDays,
		logger:        logger.With("component", "audit", "ledger_id", id.String()),
	}
}

// LogOperation appends an entry with a server-assigned timestamp and
// mirrors it to the structured log. The entry id is returned even when
// the store write fails so callers can reference the attempted record.
func (l *Logger) LogOperation(
	ctx context.Context,
	userID, sessionID, action, resource string,
	result Result,
	metadata map[string]string,
) (uuid.UUID, error) {
	const op = "audit.LogOperation"

	entry := &Entry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
		Resource:  resource,
		Result:    result,
		Sensitive: sensitiveActions[action],
		Metadata:  metadata,
	}

	l.emit(ctx, entry)

	if err := l.store.Append(ctx, entry); err != nil {
		// Logging must not block the operation it observes; report the
		// failure and let the caller decide how to surface it.
		l.logger.ErrorContext(ctx, "audit store write failed",
			"entry_id", entry.ID.String(), "action", action, "error", err)
		return entry.ID, secerr.Wrap(secerr.KindAudit, op, "appending entry", err)
	}
	return entry.ID, nil
}

// emit mirrors the entry to the structured log at a level matching its
// result, with an extra notice for sensitive actions.
func (l *Logger) emit(ctx context.Context, entry *Entry) {
	level := slog.LevelInfo
	switch entry.Result {
	case ResultFailure:
		level = slog.LevelError
	case ResultPartial:
		level = slog.LevelWarn
	}

	l.logger.Log(ctx, level, "audit",
		"entry_id", entry.ID.String(),
		"user_id", entry.UserID,
		"session_id", entry.SessionID,
		"action", entry.Action,
		"resource", entry.Resource,
		"result", string(entry.Result),
		"sensitive", entry.Sensitive,
	)

	if entry.Sensitive {
		l.logger.WarnContext(ctx, "sensitive operation recorded",
			"action", entry.Action, "entry_id", entry.ID.String())
	}
}

// Query returns matching entries newest-first. An empty match is an
// empty slice, never an error.
func (l *Logger) Query(ctx context.Context, q Query) ([]*Entry, error) {
	const op = "audit.Query"
	entries, err := l.store.Query(ctx, q)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindAudit, op, "querying entries", err)
	}
	return entries, nil
}

// GenerateReport aggregates counts, success rate and per-action/per-user
// activity over entries in [start, end].
func (l *Logger) GenerateReport(ctx context.Context, start, end time.Time) (*Report, error) {
	entries, err := l.Query(ctx, Query{StartDate: &start, EndDate: &end})
	if err != nil {
		return nil, err
	}

	report := &Report{
		ReportID:        uuid.New(),
		GeneratedAt:     time.Now().UTC(),
		PeriodStart:     start,
		PeriodEnd:       end,
		TotalOperations: len(entries),
		ActionBreakdown: make(map[string]int),
		UserActivity:    make(map[string]int),
	}

	for _, e := range entries {
		switch e.Result {
		case ResultSuccess:
			report.SuccessfulOps++
		case ResultFailure:
			report.FailedOps++
		case ResultPartial:
			report.PartialOps++
		}
		report.ActionBreakdown[e.Action]++
		if e.UserID != "" {
			report.UserActivity[e.UserID]++
		}
	}

	if report.TotalOperations > 0 {
		report.SuccessRate = float64(report.SuccessfulOps) / float64(report.TotalOperations) * 100
	}
	return report, nil
}

// CleanupOldEntries removes entries older than the retention window and
// returns the removed count. Entries inside the window are never removed.
func (l *Logger) CleanupOldEntries(ctx context.Context) (int, error) {
	const op = "audit.CleanupOldEntries"

	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	removed, err := l.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, secerr.Wrap(secerr.KindAudit, op, "deleting expired entries", err)
	}
	if removed > 0 {
		l.logger.InfoContext(ctx, "cleaned up old audit entries", "removed", removed)
	}
	return removed, nil
}

// Stats returns the ledger snapshot for health reporting.
func (l *Logger) Stats(ctx context.Context) (Stats, error) {
	const op = "audit.Stats"

	stats, err := l.store.Stats(ctx)
	if err != nil {
		return Stats{}, secerr.Wrap(secerr.KindAudit, op, "reading store stats", err)
	}
	return Stats{
		LedgerID:      l.ledgerID,
		TotalEntries:  stats.TotalEntries,
		RetentionDays: l.retentionDays,
		OldestEntry:   stats.Oldest,
		NewestEntry:   stats.Newest,
	}, nil
}

// RetentionDays returns the configured retention window.
func (l *Logger) RetentionDays() int { return l.retentionDays }
