package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/safeguard/internal/db"
	"github.com/sells-group/safeguard/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for the
// hottest store operations: result updates during dispatch and the webhook
// scheduler's polling loop.
var preparedStatements = map[string]string{
	"update_result": `UPDATE enforcement_results SET status = $1, rules_applied = $2, rules_skipped = $3, rules_failed = $4, details = $5, error_message = $6, updated_at = $7 WHERE id = $8`,
	"list_results":  `SELECT id, job_id, platform_id, status, rules_applied, rules_skipped, rules_failed, COALESCE(details, ''), COALESCE(error_message, ''), updated_at FROM enforcement_results WHERE job_id = $1 ORDER BY platform_id`,
	"update_job":    `UPDATE enforcement_jobs SET status = $1, completed_at = $2 WHERE id = $3`,
	"due_deliveries": `SELECT id, webhook_id, event, payload, attempts, success, permanent, COALESCE(last_error, ''), next_retry_at, created_at, updated_at
		FROM webhook_deliveries WHERE success = false AND permanent = false AND attempts < $1 AND next_retry_at <= $2 ORDER BY next_retry_at LIMIT $3`,
	"update_delivery": `UPDATE webhook_deliveries SET attempts = $1, success = $2, permanent = $3, last_error = $4, next_retry_at = $5, updated_at = $6 WHERE id = $7`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS children (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	family_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS policies (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	child_id   TEXT NOT NULL REFERENCES children(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'draft',
	priority   INTEGER NOT NULL DEFAULT 0,
	version    BIGINT NOT NULL DEFAULT 1,
	deleted    BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rules (
	policy_id  TEXT NOT NULL REFERENCES policies(id),
	category   TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT true,
	config     JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (policy_id, category)
);

CREATE TABLE IF NOT EXISTS compliance_links (
	family_id           TEXT NOT NULL,
	platform_id         TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'unverified',
	last_enforced_at    TIMESTAMPTZ,
	last_enforce_status TEXT,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (family_id, platform_id)
);

CREATE TABLE IF NOT EXISTS enforcement_jobs (
	id           TEXT PRIMARY KEY,
	child_id     TEXT NOT NULL,
	policy_ids   JSONB NOT NULL,
	trigger_type TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
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
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sources (
	id           TEXT PRIMARY KEY,
	child_id     TEXT NOT NULL,
	platform_id  TEXT NOT NULL,
	tier         TEXT NOT NULL DEFAULT 'guided',
	sync_version BIGINT NOT NULL DEFAULT 0,
	auto_sync    BOOLEAN NOT NULL DEFAULT false,
	capabilities JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL REFERENCES sources(id),
	child_id     TEXT NOT NULL,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sync_results (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES sync_jobs(id),
	category   TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	detail     TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_state (
	source_id   TEXT NOT NULL,
	category    TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	version     BIGINT NOT NULL,
	synced_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_id, category)
);

CREATE TABLE IF NOT EXISTS devices (
	id                  TEXT PRIMARY KEY,
	child_id            TEXT NOT NULL,
	platform_id         TEXT NOT NULL,
	meta                JSONB,
	last_policy_version BIGINT NOT NULL DEFAULT 0,
	last_seen_at        TIMESTAMPTZ,
	last_ack_at         TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS compiled_policies (
	id         TEXT PRIMARY KEY,
	child_id   TEXT NOT NULL,
	version    BIGINT NOT NULL,
	policy_ids JSONB NOT NULL,
	rules      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (child_id, version)
);

CREATE TABLE IF NOT EXISTS webhooks (
	id         TEXT PRIMARY KEY,
	family_id  TEXT NOT NULL,
	url        TEXT NOT NULL,
	events     JSONB NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id            TEXT PRIMARY KEY,
	webhook_id    TEXT NOT NULL REFERENCES webhooks(id),
	event         TEXT NOT NULL,
	payload       JSONB NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	success       BOOLEAN NOT NULL DEFAULT false,
	permanent     BOOLEAN NOT NULL DEFAULT false,
	last_error    TEXT,
	next_retry_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_policies_child ON policies(child_id);
CREATE INDEX IF NOT EXISTS idx_jobs_child ON enforcement_jobs(child_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON enforcement_jobs(status);
CREATE INDEX IF NOT EXISTS idx_results_job ON enforcement_results(job_id);
CREATE INDEX IF NOT EXISTS idx_sources_child ON sources(child_id);
CREATE INDEX IF NOT EXISTS idx_sync_results_job ON sync_results(job_id);
CREATE INDEX IF NOT EXISTS idx_devices_child ON devices(child_id);
CREATE INDEX IF NOT EXISTS idx_compiled_child ON compiled_policies(child_id, version DESC);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries(next_retry_at) WHERE success = false AND permanent = false;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// --- Children ---

func (s *PostgresStore) CreateChild(ctx context.Context, familyID, name string) (*model.Child, error) {
	c := &model.Child{ID: uuid.NewString(), FamilyID: familyID, Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO children (id, family_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.FamilyID, c.Name, c.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create child")
	}
	return c, nil
}

func (s *PostgresStore) GetChild(ctx context.Context, childID string) (*model.Child, error) {
	var c model.Child
	err := s.pool.QueryRow(ctx,
		`SELECT id, family_id, name, created_at FROM children WHERE id = $1`, childID).
		Scan(&c.ID, &c.FamilyID, &c.Name, &c.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get child %s", childID)
	}
	return &c, nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, familyID string) ([]model.Child, error) {
	q := `SELECT id, family_id, name, created_at FROM children`
	var args []any
	if familyID != "" {
		q += ` WHERE family_id = $1`
		args = append(args, familyID)
	}
	q += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list children")
	}
	defer rows.Close()

	var out []model.Child
	for rows.Next() {
		var c model.Child
		if err := rows.Scan(&c.ID, &c.FamilyID, &c.Name, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan child")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Policies ---

func (s *PostgresStore) CreatePolicy(ctx context.Context, childID, name string, priority int) (*model.Policy, error) {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO policies (id, child_id, name, status, priority, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.ChildID, p.Name, p.Status, p.Priority, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create policy")
	}
	return p, nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, policyID string) (*model.Policy, error) {
	var p model.Policy
	err := s.pool.QueryRow(ctx,
		`SELECT id, child_id, name, status, priority, version, deleted, created_at, updated_at
		 FROM policies WHERE id = $1`, policyID).
		Scan(&p.ID, &p.ChildID, &p.Name, &p.Status, &p.Priority, &p.Version, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get policy %s", policyID)
	}
	return &p, nil
}

func (s *PostgresStore) ListPolicies(ctx context.Context, childID string) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, child_id, name, status, priority, version, deleted, created_at, updated_at
		 FROM policies WHERE child_id = $1 AND deleted = false ORDER BY priority DESC, created_at`, childID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list policies for %s", childID)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var p model.Policy
		if err := rows.Scan(&p.ID, &p.ChildID, &p.Name, &p.Status, &p.Priority, &p.Version, &p.Deleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, p *model.Policy, expectVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE policies SET name = $1, status = $2, priority = $3, version = version + 1, updated_at = now()
		 WHERE id = $4 AND version = $5 AND deleted = false`,
		p.Name, p.Status, p.Priority, p.ID, expectVersion)
	if err != nil {
		return eris.Wrapf(err, "postgres: update policy %s", p.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.versionConflictOrMissing(ctx, p.ID)
}

func (s *PostgresStore) SoftDeletePolicy(ctx context.Context, policyID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE policies SET deleted = true, updated_at = now() WHERE id = $1`, policyID)
	if err != nil {
		return eris.Wrapf(err, "postgres: soft delete policy %s", policyID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) versionConflictOrMissing(ctx context.Context, policyID string) error {
	var exists int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM policies WHERE id = $1 AND deleted = false`, policyID).Scan(&exists)
	if err != nil {
		return eris.Wrap(err, "postgres: check policy exists")
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// --- Rules ---

func (s *PostgresStore) UpsertRule(ctx context.Context, r *model.Rule, expectVersion int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert rule")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE policies SET version = version + 1, updated_at = $1 WHERE id = $2 AND version = $3 AND deleted = false`,
		now, r.PolicyID, expectVersion)
	if err != nil {
		return eris.Wrapf(err, "postgres: bump policy %s", r.PolicyID)
	}
	if tag.RowsAffected() == 0 {
		return s.versionConflictOrMissing(ctx, r.PolicyID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO rules (policy_id, category, enabled, config, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (policy_id, category) DO UPDATE SET enabled = EXCLUDED.enabled, config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		r.PolicyID, r.Category, r.Enabled, nullableJSON(r.Config), now)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert rule %s/%s", r.PolicyID, r.Category)
	}
	r.UpdatedAt = now
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert rule")
}

func (s *PostgresStore) DeleteRule(ctx context.Context, policyID string, category model.RuleCategory, expectVersion int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete rule")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE policies SET version = version + 1, updated_at = now() WHERE id = $1 AND version = $2 AND deleted = false`,
		policyID, expectVersion)
	if err != nil {
		return eris.Wrapf(err, "postgres: bump policy %s", policyID)
	}
	if tag.RowsAffected() == 0 {
		return s.versionConflictOrMissing(ctx, policyID)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM rules WHERE policy_id = $1 AND category = $2`, policyID, category); err != nil {
		return eris.Wrapf(err, "postgres: delete rule %s/%s", policyID, category)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete rule")
}

func (s *PostgresStore) ListRules(ctx context.Context, policyID string) ([]model.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT policy_id, category, enabled, COALESCE(config::text, ''), updated_at
		 FROM rules WHERE policy_id = $1 ORDER BY category`, policyID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list rules for %s", policyID)
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		var config string
		if err := rows.Scan(&r.PolicyID, &r.Category, &r.Enabled, &config, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rule")
		}
		if config != "" {
			r.Config = json.RawMessage(config)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActivePolicyRules(ctx context.Context, childID string) ([]model.Policy, map[string][]model.Rule, error) {
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

func (s *PostgresStore) MaxPolicyVersion(ctx context.Context, childID string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM policies WHERE child_id = $1 AND status = $2 AND deleted = false`,
		childID, model.PolicyStatusActive).Scan(&v)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: max policy version")
	}
	return v, nil
}

// --- Compliance links ---

func (s *PostgresStore) UpsertComplianceLink(ctx context.Context, link *model.ComplianceLink) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO compliance_links (family_id, platform_id, status, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (family_id, platform_id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		link.FamilyID, link.PlatformID, link.Status)
	return eris.Wrapf(err, "postgres: upsert compliance link %s/%s", link.FamilyID, link.PlatformID)
}

func (s *PostgresStore) ListComplianceLinks(ctx context.Context, familyID string) ([]model.ComplianceLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT family_id, platform_id, status, last_enforced_at, COALESCE(last_enforce_status, ''), updated_at
		 FROM compliance_links WHERE family_id = $1`, familyID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list compliance links for %s", familyID)
	}
	defer rows.Close()

	var out []model.ComplianceLink
	for rows.Next() {
		var l model.ComplianceLink
		if err := rows.Scan(&l.FamilyID, &l.PlatformID, &l.Status, &l.LastEnforcedAt, &l.LastEnforceStatus, &l.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan compliance link")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordEnforcement(ctx context.Context, familyID, platformID string, at time.Time, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE compliance_links SET last_enforced_at = $1, last_enforce_status = $2, updated_at = now()
		 WHERE family_id = $3 AND platform_id = $4`,
		at, status, familyID, platformID)
	return eris.Wrapf(err, "postgres: record enforcement %s/%s", familyID, platformID)
}

// --- Enforcement jobs ---

func (s *PostgresStore) CreateEnforcementJob(ctx context.Context, job *model.EnforcementJob, results []model.EnforcementResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create job")
	}
	defer tx.Rollback(ctx)

	policyIDs, err := json.Marshal(job.PolicyIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal policy ids")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO enforcement_jobs (id, child_id, policy_ids, trigger_type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.ChildID, policyIDs, job.Trigger, job.Status, job.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: create enforcement job")
	}

	for _, r := range results {
		_, err = tx.Exec(ctx,
			`INSERT INTO enforcement_results (id, job_id, platform_id, status, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			r.ID, r.JobID, r.PlatformID, r.Status, r.UpdatedAt)
		if err != nil {
			return eris.Wrapf(err, "postgres: create result for %s", r.PlatformID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create job")
}

func (s *PostgresStore) GetEnforcementJob(ctx context.Context, jobID string) (*model.EnforcementJob, error) {
	var j model.EnforcementJob
	var policyIDs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, child_id, policy_ids, trigger_type, status, created_at, completed_at
		 FROM enforcement_jobs WHERE id = $1`, jobID).
		Scan(&j.ID, &j.ChildID, &policyIDs, &j.Trigger, &j.Status, &j.CreatedAt, &j.CompletedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	if err := json.Unmarshal(policyIDs, &j.PolicyIDs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal policy ids")
	}
	return &j, nil
}

func (s *PostgresStore) ListEnforcementJobs(ctx context.Context, filter JobFilter) ([]model.EnforcementJob, error) {
	q := `SELECT id, child_id, policy_ids, trigger_type, status, created_at, completed_at FROM enforcement_jobs WHERE 1=1`
	var args []any
	if filter.ChildID != "" {
		args = append(args, filter.ChildID)
		q += ` AND child_id = $1`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		q += ` AND status = $` + strconv.Itoa(len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter)
		q += ` AND created_at > $` + strconv.Itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, filter.Offset)
	q += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.EnforcementJob
	for rows.Next() {
		var j model.EnforcementJob
		var policyIDs []byte
		if err := rows.Scan(&j.ID, &j.ChildID, &policyIDs, &j.Trigger, &j.Status, &j.CreatedAt, &j.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if err := json.Unmarshal(policyIDs, &j.PolicyIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal policy ids")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateEnforcementJobStatus(ctx context.Context, jobID string, status model.JobStatus, completedAt *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE enforcement_jobs SET status = $1, completed_at = $2 WHERE id = $3`,
		status, completedAt, jobID)
	return eris.Wrapf(err, "postgres: update job %s status", jobID)
}

func (s *PostgresStore) ListEnforcementResults(ctx context.Context, jobID string) ([]model.EnforcementResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, platform_id, status, rules_applied, rules_skipped, rules_failed,
		        COALESCE(details, ''), COALESCE(error_message, ''), updated_at
		 FROM enforcement_results WHERE job_id = $1 ORDER BY platform_id`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list results for %s", jobID)
	}
	defer rows.Close()

	var out []model.EnforcementResult
	for rows.Next() {
		var r model.EnforcementResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.PlatformID, &r.Status, &r.RulesApplied, &r.RulesSkipped,
			&r.RulesFailed, &r.Details, &r.ErrorMessage, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateEnforcementResult(ctx context.Context, r *model.EnforcementResult) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE enforcement_results
		 SET status = $1, rules_applied = $2, rules_skipped = $3, rules_failed = $4, details = $5, error_message = $6, updated_at = $7
		 WHERE id = $8`,
		r.Status, r.RulesApplied, r.RulesSkipped, r.RulesFailed, r.Details, r.ErrorMessage, time.Now().UTC(), r.ID)
	return eris.Wrapf(err, "postgres: update result %s", r.ID)
}

// --- Sources ---

func (s *PostgresStore) CreateSource(ctx context.Context, src *model.Source) error {
	caps, err := json.Marshal(src.Capabilities)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal capabilities")
	}
	now := time.Now().UTC()
	src.CreatedAt, src.UpdatedAt = now, now
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sources (id, child_id, platform_id, tier, sync_version, auto_sync, capabilities, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		src.ID, src.ChildID, src.PlatformID, src.Tier, src.SyncVersion, src.AutoSync, caps, now, now)
	return eris.Wrap(err, "postgres: create source")
}

func (s *PostgresStore) GetSource(ctx context.Context, sourceID string) (*model.Source, error) {
	var src model.Source
	var caps []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, child_id, platform_id, tier, sync_version, auto_sync, capabilities, created_at, updated_at
		 FROM sources WHERE id = $1`, sourceID).
		Scan(&src.ID, &src.ChildID, &src.PlatformID, &src.Tier, &src.SyncVersion, &src.AutoSync, &caps, &src.CreatedAt, &src.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source %s", sourceID)
	}
	if err := json.Unmarshal(caps, &src.Capabilities); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal capabilities")
	}
	return &src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, childID string) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, child_id, platform_id, tier, sync_version, auto_sync, capabilities, created_at, updated_at
		 FROM sources WHERE child_id = $1 ORDER BY created_at`, childID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sources for %s", childID)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var caps []byte
		if err := rows.Scan(&src.ID, &src.ChildID, &src.PlatformID, &src.Tier, &src.SyncVersion, &src.AutoSync, &caps, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		if err := json.Unmarshal(caps, &src.Capabilities); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal capabilities")
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSourceSyncVersion(ctx context.Context, sourceID string, version int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sources SET sync_version = $1, updated_at = now() WHERE id = $2`, version, sourceID)
	return eris.Wrapf(err, "postgres: update source %s sync version", sourceID)
}

// --- Sync jobs ---

func (s *PostgresStore) CreateSyncJob(ctx context.Context, job *model.SourceSyncJob, results []model.SourceSyncResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create sync job")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sync_jobs (id, source_id, child_id, mode, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.SourceID, job.ChildID, job.Mode, job.Status, job.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: create sync job")
	}

	for _, r := range results {
		_, err = tx.Exec(ctx,
			`INSERT INTO sync_results (id, job_id, category, outcome, detail, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.JobID, r.Category, r.Outcome, r.Detail, r.UpdatedAt)
		if err != nil {
			return eris.Wrapf(err, "postgres: create sync result for %s", r.Category)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create sync job")
}

func (s *PostgresStore) GetSyncJob(ctx context.Context, jobID string) (*model.SourceSyncJob, error) {
	var j model.SourceSyncJob
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_id, child_id, mode, status, created_at, completed_at FROM sync_jobs WHERE id = $1`, jobID).
		Scan(&j.ID, &j.SourceID, &j.ChildID, &j.Mode, &j.Status, &j.CreatedAt, &j.CompletedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sync job %s", jobID)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateSyncJobStatus(ctx context.Context, jobID string, status model.JobStatus, completedAt *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, completed_at = $2 WHERE id = $3`, status, completedAt, jobID)
	return eris.Wrapf(err, "postgres: update sync job %s status", jobID)
}

func (s *PostgresStore) ListSyncResults(ctx context.Context, jobID string) ([]model.SourceSyncResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, category, outcome, COALESCE(detail, ''), updated_at
		 FROM sync_results WHERE job_id = $1 ORDER BY category`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sync results for %s", jobID)
	}
	defer rows.Close()

	var out []model.SourceSyncResult
	for rows.Next() {
		var r model.SourceSyncResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.Category, &r.Outcome, &r.Detail, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync result")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSyncResult(ctx context.Context, r *model.SourceSyncResult) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_results SET outcome = $1, detail = $2, updated_at = $3 WHERE id = $4`,
		r.Outcome, r.Detail, time.Now().UTC(), r.ID)
	return eris.Wrapf(err, "postgres: update sync result %s", r.ID)
}

func (s *PostgresStore) GetSyncState(ctx context.Context, sourceID string) ([]model.SyncState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, category, config_hash, version, synced_at FROM sync_state WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sync state for %s", sourceID)
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		var st model.SyncState
		if err := rows.Scan(&st.SourceID, &st.Category, &st.ConfigHash, &st.Version, &st.SyncedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync state")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertSyncState(ctx context.Context, st *model.SyncState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_state (source_id, category, config_hash, version, synced_at) VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (source_id, category) DO UPDATE SET config_hash = EXCLUDED.config_hash, version = EXCLUDED.version, synced_at = now()`,
		st.SourceID, st.Category, st.ConfigHash, st.Version)
	return eris.Wrapf(err, "postgres: upsert sync state %s/%s", st.SourceID, st.Category)
}

// --- Devices ---

func (s *PostgresStore) RegisterDevice(ctx context.Context, dev *model.DeviceRegistration) error {
	dev.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO devices (id, child_id, platform_id, meta, last_policy_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		dev.ID, dev.ChildID, dev.PlatformID, nullableJSON(dev.Meta), dev.LastPolicyVersion, dev.CreatedAt)
	return eris.Wrap(err, "postgres: register device")
}

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*model.DeviceRegistration, error) {
	var d model.DeviceRegistration
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, child_id, platform_id, meta, last_policy_version, last_seen_at, last_ack_at, created_at
		 FROM devices WHERE id = $1`, deviceID).
		Scan(&d.ID, &d.ChildID, &d.PlatformID, &meta, &d.LastPolicyVersion, &d.LastSeenAt, &d.LastAckAt, &d.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get device %s", deviceID)
	}
	if len(meta) > 0 {
		d.Meta = json.RawMessage(meta)
	}
	return &d, nil
}

func (s *PostgresStore) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE devices SET last_seen_at = $1 WHERE id = $2`, seenAt, deviceID)
	return eris.Wrapf(err, "postgres: touch device %s", deviceID)
}

func (s *PostgresStore) AckDevice(ctx context.Context, deviceID string, version int64, ackAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET last_policy_version = $1, last_ack_at = $2 WHERE id = $3`,
		version, ackAt, deviceID)
	return eris.Wrapf(err, "postgres: ack device %s", deviceID)
}

func (s *PostgresStore) StaleDevices(ctx context.Context, olderThan time.Time) ([]model.DeviceRegistration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, child_id, platform_id, meta, last_policy_version, last_seen_at, last_ack_at, created_at
		 FROM devices WHERE last_ack_at IS NULL OR last_ack_at < $1 ORDER BY last_ack_at`, olderThan)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale devices")
	}
	defer rows.Close()

	var out []model.DeviceRegistration
	for rows.Next() {
		var d model.DeviceRegistration
		var meta []byte
		if err := rows.Scan(&d.ID, &d.ChildID, &d.PlatformID, &meta, &d.LastPolicyVersion, &d.LastSeenAt, &d.LastAckAt, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan device")
		}
		if len(meta) > 0 {
			d.Meta = json.RawMessage(meta)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertCompiledPolicy(ctx context.Context, cp *model.CompiledPolicy) error {
	policyIDs, err := json.Marshal(cp.PolicyIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal compiled policy ids")
	}
	rules, err := json.Marshal(cp.Rules)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal compiled rules")
	}
	cp.CreatedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO compiled_policies (id, child_id, version, policy_ids, rules, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ID, cp.ChildID, cp.Version, policyIDs, rules, cp.CreatedAt)
	return eris.Wrap(err, "postgres: insert compiled policy")
}

func (s *PostgresStore) LatestCompiledPolicy(ctx context.Context, childID string) (*model.CompiledPolicy, error) {
	var cp model.CompiledPolicy
	var policyIDs, rules []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, child_id, version, policy_ids, rules, created_at
		 FROM compiled_policies WHERE child_id = $1 ORDER BY version DESC LIMIT 1`, childID).
		Scan(&cp.ID, &cp.ChildID, &cp.Version, &policyIDs, &rules, &cp.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest compiled policy for %s", childID)
	}
	if err := json.Unmarshal(policyIDs, &cp.PolicyIDs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal compiled policy ids")
	}
	if err := json.Unmarshal(rules, &cp.Rules); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal compiled rules")
	}
	return &cp, nil
}

// --- Webhooks ---

func (s *PostgresStore) CreateWebhook(ctx context.Context, w *model.Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal webhook events")
	}
	w.CreatedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO webhooks (id, family_id, url, events, active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.FamilyID, w.URL, events, w.Active, w.CreatedAt)
	return eris.Wrap(err, "postgres: create webhook")
}

func (s *PostgresStore) GetWebhook(ctx context.Context, webhookID string) (*model.Webhook, error) {
	var w model.Webhook
	var events []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, family_id, url, events, active, created_at FROM webhooks WHERE id = $1`, webhookID).
		Scan(&w.ID, &w.FamilyID, &w.URL, &events, &w.Active, &w.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get webhook %s", webhookID)
	}
	if err := json.Unmarshal(events, &w.Events); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal webhook events")
	}
	return &w, nil
}

func (s *PostgresStore) DeleteWebhook(ctx context.Context, webhookID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, webhookID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete webhook %s", webhookID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListWebhooks(ctx context.Context, familyID string) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, family_id, url, events, active, created_at FROM webhooks WHERE family_id = $1`, familyID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list webhooks for %s", familyID)
	}
	defer rows.Close()
	return scanPgWebhooks(rows)
}

func (s *PostgresStore) ActiveWebhooksForEvent(ctx context.Context, event string) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, family_id, url, events, active, created_at FROM webhooks WHERE active = true AND events ? $1`, event)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active webhooks")
	}
	defer rows.Close()
	return scanPgWebhooks(rows)
}

func scanPgWebhooks(rows pgx.Rows) ([]model.Webhook, error) {
	var out []model.Webhook
	for rows.Next() {
		var w model.Webhook
		var events []byte
		if err := rows.Scan(&w.ID, &w.FamilyID, &w.URL, &events, &w.Active, &w.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan webhook")
		}
		if err := json.Unmarshal(events, &w.Events); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal webhook events")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateDeliveries COPYs all fan-out rows in one round trip.
func (s *PostgresStore) CreateDeliveries(ctx context.Context, deliveries []model.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(deliveries))
	for _, d := range deliveries {
		rows = append(rows, []any{
			d.ID, d.WebhookID, d.Event, string(d.Payload), d.Attempts, d.Success, d.Permanent, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "webhook_deliveries",
		[]string{"id", "webhook_id", "event", "payload", "attempts", "success", "permanent", "next_retry_at", "created_at", "updated_at"},
		rows)
	return eris.Wrap(err, "postgres: create deliveries")
}

func (s *PostgresStore) DueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, webhook_id, event, payload, attempts, success, permanent, COALESCE(last_error, ''), next_retry_at, created_at, updated_at
		 FROM webhook_deliveries
		 WHERE success = false AND permanent = false AND attempts < $1 AND next_retry_at <= $2
		 ORDER BY next_retry_at LIMIT $3`,
		maxAttempts, now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list due deliveries")
	}
	defer rows.Close()
	return scanPgDeliveries(rows)
}

func (s *PostgresStore) UpdateDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET attempts = $1, success = $2, permanent = $3, last_error = $4, next_retry_at = $5, updated_at = $6
		 WHERE id = $7`,
		d.Attempts, d.Success, d.Permanent, d.LastError, d.NextRetryAt, time.Now().UTC(), d.ID)
	return eris.Wrapf(err, "postgres: update delivery %s", d.ID)
}

func (s *PostgresStore) FailedDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, webhook_id, event, payload, attempts, success, permanent, COALESCE(last_error, ''), next_retry_at, created_at, updated_at
		 FROM webhook_deliveries WHERE permanent = true ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed deliveries")
	}
	defer rows.Close()
	return scanPgDeliveries(rows)
}

func scanPgDeliveries(rows pgx.Rows) ([]model.WebhookDelivery, error) {
	var out []model.WebhookDelivery
	for rows.Next() {
		var d model.WebhookDelivery
		var payload []byte
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.Event, &payload, &d.Attempts, &d.Success, &d.Permanent,
			&d.LastError, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan delivery")
		}
		d.Payload = json.RawMessage(payload)
		out = append(out, d)
	}
	return out, rows.Err()
}

// nullableJSON returns nil for empty raw JSON so the column stores NULL
// instead of an empty string.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
