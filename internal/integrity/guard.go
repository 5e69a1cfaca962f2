package integrity

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
)

// AuditTool is the tool name recorded on integrity audit entries.
const AuditTool = "policy_store"

// Status is the result of comparing the stored and computed digests.
type Status string

const (
	StatusMatch    Status = "match"
	StatusMismatch Status = "mismatch"
	// StatusNoDigest means no digest has been recorded yet.
	StatusNoDigest Status = "no_digest"
)

// Reason says why a reseed ran.
type Reason string

const (
	ReasonTamper      Reason = "tamper"
	ReasonSeedUpgrade Reason = "seed_upgrade"
	ReasonForced      Reason = "forced"
	ReasonRuleGap     Reason = "rule_gap"
	ReasonWatch       Reason = "watch"
)

// Result is the outcome of Verify.
type Result struct {
	Status   Status `json:"status"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual"`
}

// Report describes a verification pass and any repair it made.
type Report struct {
	Status      Status `json:"status"`
	Expected    string `json:"expected,omitempty"`
	Actual      string `json:"actual"`
	Digest      string `json:"digest"`
	Repaired    bool   `json:"repaired"`
	Reason      Reason `json:"reason,omitempty"`
	SeedVersion int    `json:"seed_version"`
	Seeded      bool   `json:"seeded,omitempty"`

	// Tables names the builtin tables that differed on a mismatch.
	Tables []string `json:"tables,omitempty"`
}

// Guard verifies and repairs the builtin tables of one store.
type Guard struct {
	db     *db.DB
	logger *log.Logger
}

// New returns a guard for database. A nil logger uses log.Default().
func New(database *db.DB, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.Default()
	}
	return &Guard{db: database, logger: logger}
}

// Verify compares the recorded digest with the current table contents.
func (g *Guard) Verify(ctx context.Context) (*Result, error) {
	return verify(ctx, g.db)
}

func verify(ctx context.Context, q db.Querier) (*Result, error) {
	actual, err := ComputeDigest(ctx, q)
	if err != nil {
		return nil, err
	}
	expected, ok, err := db.GetMetadataTx(ctx, q, db.MetaBuiltinDigest)
	if err != nil {
		return nil, err
	}
	res := &Result{Expected: expected, Actual: actual}
	switch {
	case !ok:
		res.Status = StatusNoDigest
	case expected == actual:
		res.Status = StatusMatch
	default:
		res.Status = StatusMismatch
	}
	return res, nil
}

// EnsureAtOpen seeds an empty store, records the first digest, reseeds when
// the embedded seed is newer than the stored one, and repairs any
// divergence. It runs before the store serves queries. The whole pass
// holds one write transaction so concurrent opens wait for it.
func (g *Guard) EnsureAtOpen(ctx context.Context) (*Report, error) {
	return g.check(ctx, "", true)
}

// Recheck verifies the tables and repairs a mismatch, recording reason on
// the audit entry. Used when an evaluation hits an impossible state.
func (g *Guard) Recheck(ctx context.Context, reason Reason) (*Report, error) {
	return g.check(ctx, reason, false)
}

// VerifyCLI backs the verify command. force reseeds unconditionally;
// otherwise a mismatch is repaired as at open. The report carries the
// status observed before any repair.
func (g *Guard) VerifyCLI(ctx context.Context, force bool) (*Report, error) {
	if force {
		before, err := g.Verify(ctx)
		if err != nil {
			return nil, err
		}
		var tables []string
		if before.Status == StatusMismatch {
			if tables, err = diffTables(ctx, g.db); err != nil {
				return nil, err
			}
		}
		digest, err := g.Repair(ctx, core.OutcomeReseeded, ReasonForced, "operator requested reseed")
		if err != nil {
			return nil, err
		}
		return &Report{
			Status: before.Status, Expected: before.Expected, Actual: before.Actual,
			Digest: digest, Repaired: true, Reason: ReasonForced, SeedVersion: g.seedVersion(),
			Tables: tables,
		}, nil
	}
	report, err := g.check(ctx, "", true)
	if err != nil {
		return nil, err
	}
	if err := g.db.SetMetadata(ctx, db.MetaDigestVerifiedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return report, nil
}

// Repair reseeds the builtin tables, records the new digest, and appends
// an audit entry with outcome, all in one transaction. User tables are
// untouched. It returns the new digest.
func (g *Guard) Repair(ctx context.Context, outcome core.Outcome, reason Reason, detail string) (string, error) {
	var digest string
	err := g.db.ReseedBuiltin(ctx, func(ctx context.Context, q db.Querier) error {
		var err error
		digest, err = g.recordRepair(ctx, q, outcome, reason, detail)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("repairing builtin tables: %w", err)
	}
	return digest, nil
}

func (g *Guard) recordRepair(ctx context.Context, q db.Querier, outcome core.Outcome, reason Reason, detail string) (string, error) {
	digest, err := ComputeDigest(ctx, q)
	if err != nil {
		return "", err
	}
	if err := recordDigest(ctx, q, digest); err != nil {
		return "", err
	}
	entry := &db.AuditEntry{
		Tool:    AuditTool,
		Outcome: outcome,
		Detail:  fmt.Sprintf("reason=%s digest=%s %s", reason, digest, detail),
	}
	if err := db.AppendAuditTx(ctx, q, entry); err != nil {
		return "", err
	}
	return digest, nil
}

// check runs verification and any repair inside a single transaction and
// reloads the snapshot when builtin rows changed. A non-empty reason marks
// the repair as triggered by the caller rather than by open. seed first
// fills a store whose builtin tables are all empty.
func (g *Guard) check(ctx context.Context, trigger Reason, seed bool) (*Report, error) {
	embedded, err := db.EmbeddedSeedVersion()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	err = g.db.WithTx(ctx, func(tx *sql.Tx) error {
		*report = Report{}
		if seed {
			seeded, err := db.SeedBuiltinTx(ctx, tx)
			if err != nil {
				return fmt.Errorf("seeding builtin tables: %w", err)
			}
			report.Seeded = seeded
		}
		res, err := verify(ctx, tx)
		if err != nil {
			return err
		}
		report.Status, report.Expected, report.Actual, report.Digest = res.Status, res.Expected, res.Actual, res.Actual
		if res.Status == StatusMismatch {
			if report.Tables, err = diffTables(ctx, tx); err != nil {
				return err
			}
		}

		stored := 0
		if v, ok, err := db.GetMetadataTx(ctx, tx, db.MetaSeedVersion); err != nil {
			return err
		} else if ok {
			stored, _ = strconv.Atoi(v)
		}

		var outcome core.Outcome
		var reason Reason
		var detail string
		switch {
		case stored < embedded:
			outcome, reason = core.OutcomeReseeded, ReasonSeedUpgrade
			detail = fmt.Sprintf("seed version %d -> %d", stored, embedded)
		case res.Status == StatusMismatch:
			outcome, reason = core.OutcomeTamperDetected, ReasonTamper
			if trigger != "" {
				reason = trigger
			}
			detail = fmt.Sprintf("expected=%s actual=%s", res.Expected, res.Actual)
		case res.Status == StatusNoDigest:
			report.SeedVersion = stored
			return recordDigest(ctx, tx, res.Actual)
		default:
			report.SeedVersion = stored
			return nil
		}

		if err := db.ReseedBuiltinTx(ctx, tx); err != nil {
			return err
		}
		digest, err := g.recordRepair(ctx, tx, outcome, reason, detail)
		if err != nil {
			return err
		}
		report.Digest, report.Repaired, report.Reason, report.SeedVersion = digest, true, reason, embedded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verifying builtin tables: %w", err)
	}

	if report.Repaired {
		if _, err := g.db.LoadSnapshot(ctx); err != nil {
			return nil, err
		}
		switch report.Reason {
		case ReasonSeedUpgrade:
			g.logger.Info("builtin policy upgraded", "seed_version", report.SeedVersion, "digest", short(report.Digest))
		default:
			g.logger.Warn("builtin policy tables were modified outside warden and have been restored",
				"expected", short(report.Expected), "actual", short(report.Actual), "reason", report.Reason)
		}
	}
	return report, nil
}

func (g *Guard) seedVersion() int {
	v, err := db.EmbeddedSeedVersion()
	if err != nil {
		return 0
	}
	return v
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
