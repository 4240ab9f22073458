package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/safeguard/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the local and
// development driver; production runs on PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS children (
	id         TEXT PRIMARY KEY,
	family_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS policies (
	id         TEXT PRIMARY KEY,
	child_id   TEXT NOT NULL REFERENCES children(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'draft',
	priority   INTEGER NOT NULL DEFAULT 0,
	version    INTEGER NOT NULL DEFAULT 1,
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS rules (
	policy_id  TEXT NOT NULL REFERENCES policies(id),
	category   TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	config     TEXT,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (policy_id, category)
);

CREATE TABLE IF NOT EXISTS compliance_links (
	family_id           TEXT NOT NULL,
	platform_id         TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'unverified',
	last_enforced_at    DATETIME,
	last_enforce_status TEXT,
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (family_id, platform_id)
);

CREATE TABLE IF NOT EXISTS enforcement_jobs (
	id           TEXT PRIMARY KEY,
	child_id     TEXT NOT NULL,
	policy_ids   TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS enforcement_results (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES enforcement_jobs(id),
	platform_id   TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	rules_applied INTEGER NOT NULL DEFAULT 0,
	rules_skipped INTEGER NOT NULL DEFAULT 0,
	rules_failed  INTEGER NOT NULL DEFAULT 0,
	details       TEXT,
	error_message TEXT,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sources (
	id           TEXT PRIMARY KEY,
	child_id     TEXT NOT NULL,
	platform_id  TEXT NOT NULL,
	tier         TEXT NOT NULL DEFAULT 'guided',
	sync_version INTEGER NOT NULL DEFAULT 0,
	auto_sync    INTEGER NOT NULL DEFAULT 0,
	capabilities TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL REFERENCES sources(id),
	child_id     TEXT NOT NULL,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS sync_results (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES sync_jobs(id),
	category   TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	detail     TEXT,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sync_state (
	source_id   TEXT NOT NULL,
	category    TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	version     INTEGER NOT NULL,
	synced_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (source_id, category)
);

CREATE TABLE IF NOT EXISTS devices (
	id                  TEXT PRIMARY KEY,
	child_id            TEXT NOT NULL,
	platform_id         TEXT NOT NULL,
	meta                TEXT,
	last_policy_version INTEGER NOT NULL DEFAULT 0,
	last_seen_at        DATETIME,
	last_ack_at         DATETIME,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS compiled_policies (
	id         TEXT PRIMARY KEY,
	child_id   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	policy_ids TEXT NOT NULL,
	rules      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (child_id, version)
);

CREATE TABLE IF NOT EXISTS webhooks (
	id         TEXT PRIMARY KEY,
	family_id  TEXT NOT NULL,
	url        TEXT NOT NULL,
	events     TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id            TEXT PRIMARY KEY,
	webhook_id    TEXT NOT NULL REFERENCES webhooks(id),
	event         TEXT NOT NULL,
	payload       TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	success       INTEGER NOT NULL DEFAULT 0,
	permanent     INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	next_retry_at DATETIME,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_policies_child ON policies(child_id);
CREATE INDEX IF NOT EXISTS idx_jobs_child ON enforcement_jobs(child_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON enforcement_jobs(status);
CREATE INDEX IF NOT EXISTS idx_results_job ON enforcement_results(job_id);
CREATE INDEX IF NOT EXISTS idx_sources_child ON sources(child_id);
CREATE INDEX IF NOT EXISTS idx_sync_results_job ON sync_results(job_id);
CREATE INDEX IF NOT EXISTS idx_devices_child ON devices(child_id);
CREATE INDEX IF NOT EXISTS idx_compiled_child ON compiled_policies(child_id, version);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries(success, permanent, next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Children ---

func (s *SQLiteStore) CreateChild(ctx context.Context, familyID, name string) (*model.Child, error) {
	c := &model.Child{ID: uuid.NewString(), FamilyID: familyID, Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO children (id, family_id, name, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.FamilyID, c.Name, c.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create child")
	}
	return c, nil
}

func (s *SQLiteStore) GetChild(ctx context.Context, childID string) (*model.Child, error) {
	var c model.Child
	err := s.db.QueryRowContext(ctx,
		`SELECT id, family_id, name, created_at FROM children WHERE id = ?`, childID).
		Scan(&c.ID, &c.FamilyID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get child %s", childID)
	}
	return &c, nil
}

func (s *SQLiteStore) ListChildren(ctx context.Context, familyID string) ([]model.Child, error) {
	q := `SELECT id, family_id, name, created_at FROM children`
	var args []any
	if familyID != "" {
		q += ` WHERE family_id = ?`
		args = append(args, familyID)
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list children")
	}
	defer rows.Close()

	var out []model.Child
	for rows.Next() {
		var c model.Child
		if err := rows.Scan(&c.ID, &c.FamilyID, &c.Name, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan child")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Policies ---

func (s *SQLiteStore) CreatePolicy(ctx context.Context, childID, name string, priority int) (*model.Policy, error) {
	now := time.Now().UTC()
	p := &model.Policy{
		ID:        uuid.NewString(),
		ChildID:   childID,
		Name:      name,
		Status:    model.PolicyStatusDraft,
		Priority:  priority,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, child_id, name, status, priority, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChildID, p.Name, p.Status, p.Priority, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create policy")
	}
	return p, nil
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, policyID string) (*model.Policy, error) {
	var p model.Policy
	err := s.db.QueryRowContext(ctx,
		`SELECT id, child_id, name, status, priority, version, deleted, created_at, updated_at
		 FROM policies WHERE id = ?`, policyID).
		Scan(&p.ID, &p.ChildID, &p.Name, &p.Status, &p.Priority, &p.Version, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get policy %s", policyID)
	}
	return &p, nil
}

func (s *SQLiteStore) ListPolicies(ctx context.Context, childID string) ([]model.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, child_id, name, status, priority, version, deleted, created_at, updated_at
		 FROM policies WHERE child_id = ? AND deleted = 0 ORDER BY priority DESC, created_at`, childID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list policies for %s", childID)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var p model.Policy
		if err := rows.Scan(&p.ID, &p.ChildID, &p.Name, &p.Status, &p.Priority, &p.Version, &p.Deleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdatePolicy(ctx context.Context, p *model.Policy, expectVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET name = ?, status = ?, priority = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND deleted = 0`,
		p.Name, p.Status, p.Priority, time.Now().UTC(), p.ID, expectVersion)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update policy %s", p.ID)
	}
	return s.checkVersioned(ctx, res, p.ID)
}

func (s *SQLiteStore) SoftDeletePolicy(ctx context.Context, policyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), policyID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: soft delete policy %s", policyID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// checkVersioned distinguishes "policy gone" from "stale version" after a
// zero-row optimistic update.
func (s *SQLiteStore) checkVersioned(ctx context.Context, res sql.Result, policyID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM policies WHERE id = ? AND deleted = 0`, policyID).Scan(&exists)
	if err != nil {
		return eris.Wrap(err, "sqlite: check policy exists")
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// --- Rules ---

func (s *SQLiteStore) UpsertRule(ctx context.Context, r *model.Rule, expectVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert rule")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE policies SET version = version + 1, updated_at = ? WHERE id = ? AND version = ? AND deleted = 0`,
		now, r.PolicyID, expectVersion)
	if err != nil {
		return eris.Wrapf(err, "sqlite: bump policy %s", r.PolicyID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.checkVersioned(ctx, res, r.PolicyID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rules (policy_id, category, enabled, config, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (policy_id, category) DO UPDATE SET enabled = excluded.enabled, config = excluded.config, updated_at = excluded.updated_at`,
		r.PolicyID, r.Category, r.Enabled, string(r.Config), now)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert rule %s/%s", r.PolicyID, r.Category)
	}
	r.UpdatedAt = now
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert rule")
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, policyID string, category model.RuleCategory, expectVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete rule")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE policies SET version = version + 1, updated_at = ? WHERE id = ? AND version = ? AND deleted = 0`,
		time.Now().UTC(), policyID, expectVersion)
	if err != nil {
		return eris.Wrapf(err, "sqlite: bump policy %s", policyID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.checkVersioned(ctx, res, policyID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rules WHERE policy_id = ? AND category = ?`, policyID, category); err != nil {
		return eris.Wrapf(err, "sqlite: delete rule %s/%s", policyID, category)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete rule")
}

func (s *SQLiteStore) ListRules(ctx context.Context, policyID string) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_id, category, enabled, COALESCE(config, ''), updated_at
		 FROM rules WHERE policy_id = ? ORDER BY category`, policyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list rules for %s", policyID)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]model.Rule, error) {
	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		var config string
		if err := rows.Scan(&r.PolicyID, &r.Category, &r.Enabled, &config, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rule")
		}
		if config != "" {
			r.Config = json.RawMessage(config)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActivePolicyRules(ctx context.Context, childID string) ([]model.Policy, map[string][]model.Rule, error) {
	policies, err := s.ListPolicies(ctx, childID)
	if err != nil {
		return nil, nil, err
	}

	var active []model.Policy
	for _, p := range policies {
		if p.Status == model.PolicyStatusActive {
			active = append(active, p)
		}
	}

	rulesByPolicy := make(map[string][]model.Rule, len(active))
	for _, p := range active {
		rules, err := s.ListRules(ctx, p.ID)
		if err != nil {
			return nil, nil, err
		}
		rulesByPolicy[p.ID] = rules
	}
	return active, rulesByPolicy, nil
}

func (s *SQLiteStore) MaxPolicyVersion(ctx context.Context, childID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM policies WHERE child_id = ? AND status = ? AND deleted = 0`,
		childID, model.PolicyStatusActive).Scan(&v)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: max policy version")
	}
	return v, nil
}

// --- Compliance links ---

func (s *SQLiteStore) UpsertComplianceLink(ctx context.Context, link *model.ComplianceLink) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compliance_links (family_id, platform_id, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (family_id, platform_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		link.FamilyID, link.PlatformID, link.Status, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: upsert compliance link %s/%s", link.FamilyID, link.PlatformID)
}

func (s *SQLiteStore) ListComplianceLinks(ctx context.Context, familyID string) ([]model.ComplianceLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT family_id, platform_id, status, last_enforced_at, COALESCE(last_enforce_status, ''), updated_at
		 FROM compliance_links WHERE family_id = ?`, familyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list compliance links for %s", familyID)
	}
	defer rows.Close()

	var out []model.ComplianceLink
	for rows.Next() {
		var l model.ComplianceLink
		if err := rows.Scan(&l.FamilyID, &l.PlatformID, &l.Status, &l.LastEnforcedAt, &l.LastEnforceStatus, &l.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan compliance link")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordEnforcement(ctx context.Context, familyID, platformID string, at time.Time, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE compliance_links SET last_enforced_at = ?, last_enforce_status = ?, updated_at = ?
		 WHERE family_id = ? AND platform_id = ?`,
		at, status, time.Now().UTC(), familyID, platformID)
	return eris.Wrapf(err, "sqlite: record enforcement %s/%s", familyID, platformID)
}

// --- Enforcement jobs ---

func (s *SQLiteStore) CreateEnforcementJob(ctx context.Context, job *model.EnforcementJob, results []model.EnforcementResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create job")
	}
	defer tx.Rollback()

	policyIDs, err := json.Marshal(job.PolicyIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal policy ids")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO enforcement_jobs (id, child_id, policy_ids, trigger_type, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.ChildID, string(policyIDs), job.Trigger, job.Status, job.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "sqlite: create enforcement job")
	}

	for _, r := range results {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO enforcement_results (id, job_id, platform_id, status, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.JobID, r.PlatformID, r.Status, r.UpdatedAt)
		if err != nil {
			return eris.Wrapf(err, "sqlite: create result for %s", r.PlatformID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create job")
}

func (s *SQLiteStore) GetEnforcementJob(ctx context.Context, jobID string) (*model.EnforcementJob, error) {
	var j model.EnforcementJob
	var policyIDs string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, child_id, policy_ids, trigger_type, status, created_at, completed_at
		 FROM enforcement_jobs WHERE id = ?`, jobID).
		Scan(&j.ID, &j.ChildID, &policyIDs, &j.Trigger, &j.Status, &j.CreatedAt, &j.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	if err := json.Unmarshal([]byte(policyIDs), &j.PolicyIDs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal policy ids")
	}
	return &j, nil
}

func (s *SQLiteStore) ListEnforcementJobs(ctx context.Context, filter JobFilter) ([]model.EnforcementJob, error) {
	q := `SELECT id, child_id, policy_ids, trigger_type, status, created_at, completed_at FROM enforcement_jobs WHERE 1=1`
	var args []any
	if filter.ChildID != "" {
		q += ` AND child_id = ?`
		args = append(args, filter.ChildID)
	}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if !filter.CreatedAfter.IsZero() {
		q += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	q += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.EnforcementJob
	for rows.Next() {
		var j model.EnforcementJob
		var policyIDs string
		if err := rows.Scan(&j.ID, &j.ChildID, &policyIDs, &j.Trigger, &j.Status, &j.CreatedAt, &j.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		if err := json.Unmarshal([]byte(policyIDs), &j.PolicyIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal policy ids")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateEnforcementJobStatus(ctx context.Context, jobID string, status model.JobStatus, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enforcement_jobs SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, jobID)
	return eris.Wrapf(err, "sqlite: update job %s status", jobID)
}

func (s *SQLiteStore) ListEnforcementResults(ctx context.Context, jobID string) ([]model.EnforcementResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, platform_id, status, rules_applied, rules_skipped, rules_failed,
		        COALESCE(details, ''), COALESCE(error_message, ''), updated_at
		 FROM enforcement_results WHERE job_id = ? ORDER BY platform_id`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list results for %s", jobID)
	}
	defer rows.Close()

	var out []model.EnforcementResult
	for rows.Next() {
		var r model.EnforcementResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.PlatformID, &r.Status, &r.RulesApplied, &r.RulesSkipped,
			&r.RulesFailed, &r.Details, &r.ErrorMessage, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateEnforcementResult(ctx context.Context, r *model.EnforcementResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enforcement_results
		 SET status = ?, rules_applied = ?, rules_skipped = ?, rules_failed = ?, details = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		r.Status, r.RulesApplied, r.RulesSkipped, r.RulesFailed, r.Details, r.ErrorMessage, time.Now().UTC(), r.ID)
	return eris.Wrapf(err, "sqlite: update result %s", r.ID)
}

// --- Sources ---

func (s *SQLiteStore) CreateSource(ctx context.Context, src *model.Source) error {
	caps, err := json.Marshal(src.Capabilities)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal capabilities")
	}
	now := time.Now().UTC()
	src.CreatedAt, src.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sources (id, child_id, platform_id, tier, sync_version, auto_sync, capabilities, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.ChildID, src.PlatformID, src.Tier, src.SyncVersion, src.AutoSync, string(caps), now, now)
	return eris.Wrap(err, "sqlite: create source")
}

func (s *SQLiteStore) GetSource(ctx context.Context, sourceID string) (*model.Source, error) {
	var src model.Source
	var caps string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, child_id, platform_id, tier, sync_version, auto_sync, capabilities, created_at, updated_at
		 FROM sources WHERE id = ?`, sourceID).
		Scan(&src.ID, &src.ChildID, &src.PlatformID, &src.Tier, &src.SyncVersion, &src.AutoSync, &caps, &src.CreatedAt, &src.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source %s", sourceID)
	}
	if err := json.Unmarshal([]byte(caps), &src.Capabilities); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal capabilities")
	}
	return &src, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context, childID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, child_id, platform_id, tier, sync_version, auto_sync, capabilities, created_at, updated_at
		 FROM sources WHERE child_id = ? ORDER BY created_at`, childID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sources for %s", childID)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var caps string
		if err := rows.Scan(&src.ID, &src.ChildID, &src.PlatformID, &src.Tier, &src.SyncVersion, &src.AutoSync, &caps, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		if err := json.Unmarshal([]byte(caps), &src.Capabilities); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal capabilities")
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSourceSyncVersion(ctx context.Context, sourceID string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET sync_version = ?, updated_at = ? WHERE id = ?`,
		version, time.Now().UTC(), sourceID)
	return eris.Wrapf(err, "sqlite: update source %s sync version", sourceID)
}

// --- Sync jobs ---

func (s *SQLiteStore) CreateSyncJob(ctx context.Context, job *model.SourceSyncJob, results []model.SourceSyncResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create sync job")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, source_id, child_id, mode, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceID, job.ChildID, job.Mode, job.Status, job.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "sqlite: create sync job")
	}

	for _, r := range results {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_results (id, job_id, category, outcome, detail, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.JobID, r.Category, r.Outcome, r.Detail, r.UpdatedAt)
		if err != nil {
			return eris.Wrapf(err, "sqlite: create sync result for %s", r.Category)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create sync job")
}

func (s *SQLiteStore) GetSyncJob(ctx context.Context, jobID string) (*model.SourceSyncJob, error) {
	var j model.SourceSyncJob
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, child_id, mode, status, created_at, completed_at FROM sync_jobs WHERE id = ?`, jobID).
		Scan(&j.ID, &j.SourceID, &j.ChildID, &j.Mode, &j.Status, &j.CreatedAt, &j.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sync job %s", jobID)
	}
	return &j, nil
}

func (s *SQLiteStore) UpdateSyncJobStatus(ctx context.Context, jobID string, status model.JobStatus, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, completed_at = ? WHERE id = ?`, status, completedAt, jobID)
	return eris.Wrapf(err, "sqlite: update sync job %s status", jobID)
}

func (s *SQLiteStore) ListSyncResults(ctx context.Context, jobID string) ([]model.SourceSyncResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, category, outcome, COALESCE(detail, ''), updated_at
		 FROM sync_results WHERE job_id = ? ORDER BY category`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sync results for %s", jobID)
	}
	defer rows.Close()

	var out []model.SourceSyncResult
	for rows.Next() {
		var r model.SourceSyncResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.Category, &r.Outcome, &r.Detail, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync result")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSyncResult(ctx context.Context, r *model.SourceSyncResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_results SET outcome = ?, detail = ?, updated_at = ? WHERE id = ?`,
		r.Outcome, r.Detail, time.Now().UTC(), r.ID)
	return eris.Wrapf(err, "sqlite: update sync result %s", r.ID)
}

func (s *SQLiteStore) GetSyncState(ctx context.Context, sourceID string) ([]model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, category, config_hash, version, synced_at FROM sync_state WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sync state for %s", sourceID)
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		var st model.SyncState
		if err := rows.Scan(&st.SourceID, &st.Category, &st.ConfigHash, &st.Version, &st.SyncedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync state")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertSyncState(ctx context.Context, st *model.SyncState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (source_id, category, config_hash, version, synced_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (source_id, category) DO UPDATE SET config_hash = excluded.config_hash, version = excluded.version, synced_at = excluded.synced_at`,
		st.SourceID, st.Category, st.ConfigHash, st.Version, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: upsert sync state %s/%s", st.SourceID, st.Category)
}

// --- Devices ---

func (s *SQLiteStore) RegisterDevice(ctx context.Context, dev *model.DeviceRegistration) error {
	dev.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, child_id, platform_id, meta, last_policy_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dev.ID, dev.ChildID, dev.PlatformID, string(dev.Meta), dev.LastPolicyVersion, dev.CreatedAt)
	return eris.Wrap(err, "sqlite: register device")
}

func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*model.DeviceRegistration, error) {
	var d model.DeviceRegistration
	var meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, child_id, platform_id, COALESCE(meta, ''), last_policy_version, last_seen_at, last_ack_at, created_at
		 FROM devices WHERE id = ?`, deviceID).
		Scan(&d.ID, &d.ChildID, &d.PlatformID, &meta, &d.LastPolicyVersion, &d.LastSeenAt, &d.LastAckAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get device %s", deviceID)
	}
	if meta != "" {
		d.Meta = json.RawMessage(meta)
	}
	return &d, nil
}

func (s *SQLiteStore) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`, seenAt, deviceID)
	return eris.Wrapf(err, "sqlite: touch device %s", deviceID)
}

func (s *SQLiteStore) AckDevice(ctx context.Context, deviceID string, version int64, ackAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_policy_version = ?, last_ack_at = ? WHERE id = ?`,
		version, ackAt, deviceID)
	return eris.Wrapf(err, "sqlite: ack device %s", deviceID)
}

func (s *SQLiteStore) StaleDevices(ctx context.Context, olderThan time.Time) ([]model.DeviceRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, child_id, platform_id, COALESCE(meta, ''), last_policy_version, last_seen_at, last_ack_at, created_at
		 FROM devices WHERE last_ack_at IS NULL OR last_ack_at < ? ORDER BY last_ack_at`, olderThan)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale devices")
	}
	defer rows.Close()

	var out []model.DeviceRegistration
	for rows.Next() {
		var d model.DeviceRegistration
		var meta string
		if err := rows.Scan(&d.ID, &d.ChildID, &d.PlatformID, &meta, &d.LastPolicyVersion, &d.LastSeenAt, &d.LastAckAt, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan device")
		}
		if meta != "" {
			d.Meta = json.RawMessage(meta)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertCompiledPolicy(ctx context.Context, cp *model.CompiledPolicy) error {
	policyIDs, err := json.Marshal(cp.PolicyIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal compiled policy ids")
	}
	rules, err := json.Marshal(cp.Rules)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal compiled rules")
	}
	cp.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO compiled_policies (id, child_id, version, policy_ids, rules, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ChildID, cp.Version, string(policyIDs), string(rules), cp.CreatedAt)
	return eris.Wrap(err, "sqlite: insert compiled policy")
}

func (s *SQLiteStore) LatestCompiledPolicy(ctx context.Context, childID string) (*model.CompiledPolicy, error) {
	var cp model.CompiledPolicy
	var policyIDs, rules string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, child_id, version, policy_ids, rules, created_at
		 FROM compiled_policies WHERE child_id = ? ORDER BY version DESC LIMIT 1`, childID).
		Scan(&cp.ID, &cp.ChildID, &cp.Version, &policyIDs, &rules, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest compiled policy for %s", childID)
	}
	if err := json.Unmarshal([]byte(policyIDs), &cp.PolicyIDs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal compiled policy ids")
	}
	if err := json.Unmarshal([]byte(rules), &cp.Rules); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal compiled rules")
	}
	return &cp, nil
}

// --- Webhooks ---

func (s *SQLiteStore) CreateWebhook(ctx context.Context, w *model.Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal webhook events")
	}
	w.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, family_id, url, events, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.FamilyID, w.URL, string(events), w.Active, w.CreatedAt)
	return eris.Wrap(err, "sqlite: create webhook")
}

func (s *SQLiteStore) GetWebhook(ctx context.Context, webhookID string) (*model.Webhook, error) {
	var w model.Webhook
	var events string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, family_id, url, events, active, created_at FROM webhooks WHERE id = ?`, webhookID).
		Scan(&w.ID, &w.FamilyID, &w.URL, &events, &w.Active, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get webhook %s", webhookID)
	}
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal webhook events")
	}
	return &w, nil
}

func (s *SQLiteStore) DeleteWebhook(ctx context.Context, webhookID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, webhookID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete webhook %s", webhookID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context, familyID string) ([]model.Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, family_id, url, events, active, created_at FROM webhooks WHERE family_id = ?`, familyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list webhooks for %s", familyID)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func (s *SQLiteStore) ActiveWebhooksForEvent(ctx context.Context, event string) ([]model.Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, family_id, url, events, active, created_at FROM webhooks WHERE active = 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active webhooks")
	}
	defer rows.Close()

	all, err := scanWebhooks(rows)
	if err != nil {
		return nil, err
	}
	var out []model.Webhook
	for _, w := range all {
		if w.SubscribedTo(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func scanWebhooks(rows *sql.Rows) ([]model.Webhook, error) {
	var out []model.Webhook
	for rows.Next() {
		var w model.Webhook
		var events string
		if err := rows.Scan(&w.ID, &w.FamilyID, &w.URL, &events, &w.Active, &w.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan webhook")
		}
		if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal webhook events")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateDeliveries(ctx context.Context, deliveries []model.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create deliveries")
	}
	defer tx.Rollback()

	for _, d := range deliveries {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO webhook_deliveries (id, webhook_id, event, payload, attempts, success, permanent, next_retry_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.WebhookID, d.Event, string(d.Payload), d.Attempts, d.Success, d.Permanent, d.NextRetryAt, d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return eris.Wrapf(err, "sqlite: create delivery for webhook %s", d.WebhookID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create deliveries")
}

func (s *SQLiteStore) DueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, webhook_id, event, payload, attempts, success, permanent, COALESCE(last_error, ''), next_retry_at, created_at, updated_at
		 FROM webhook_deliveries
		 WHERE success = 0 AND permanent = 0 AND attempts < ? AND next_retry_at <= ?
		 ORDER BY next_retry_at LIMIT ?`,
		maxAttempts, now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list due deliveries")
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (s *SQLiteStore) UpdateDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET attempts = ?, success = ?, permanent = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		d.Attempts, d.Success, d.Permanent, d.LastError, d.NextRetryAt, time.Now().UTC(), d.ID)
	return eris.Wrapf(err, "sqlite: update delivery %s", d.ID)
}

func (s *SQLiteStore) FailedDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, webhook_id, event, payload, attempts, success, permanent, COALESCE(last_error, ''), next_retry_at, created_at, updated_at
		 FROM webhook_deliveries WHERE permanent = 1 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed deliveries")
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows *sql.Rows) ([]model.WebhookDelivery, error) {
	var out []model.WebhookDelivery
	for rows.Next() {
		var d model.WebhookDelivery
		var payload string
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.Event, &payload, &d.Attempts, &d.Success, &d.Permanent,
			&d.LastError, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delivery")
		}
		d.Payload = json.RawMessage(payload)
		out = append(out, d)
	}
	return out, rows.Err()
}
