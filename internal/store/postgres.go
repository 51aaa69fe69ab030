package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sessions-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_stage_status": `SELECT session_id, stage, status, started_at, completed_at, error_message, retry_count, metadata, created_at, updated_at FROM stage_statuses WHERE session_id = $1 AND stage = $2`,
	"set_stage_status": `INSERT INTO stage_statuses (session_id, stage, status, started_at, completed_at, error_message, retry_count, metadata, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	 ON CONFLICT (session_id, stage) DO UPDATE SET
	   status = $3, started_at = $4, completed_at = $5, error_message = $6, retry_count = $7, metadata = $8, updated_at = $9`,
	"mark_stage_failed": `INSERT INTO stage_statuses (session_id, stage, status, completed_at, error_message, retry_count, metadata, created_at, updated_at)
	 VALUES ($1, $2, 'FAILED', $3, $4, 1, $5, $3, $3)
	 ON CONFLICT (session_id, stage) DO UPDATE SET
	   status = 'FAILED', completed_at = $3, error_message = $4,
	   retry_count = stage_statuses.retry_count + 1, metadata = $5, updated_at = $3`,
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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'ACTIVE',
	transcript_username TEXT,
	transcript_password TEXT,
	default_model       TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	company_id        TEXT NOT NULL REFERENCES companies(id),
	external_id       TEXT NOT NULL,
	start_time        TIMESTAMPTZ,
	end_time          TIMESTAMPTZ,
	ip_address        TEXT,
	country_code      TEXT,
	language          TEXT,
	sentiment         TEXT,
	escalated         BOOLEAN NOT NULL DEFAULT false,
	forwarded_hr      BOOLEAN NOT NULL DEFAULT false,
	category          TEXT,
	summary           TEXT,
	messages_sent     INTEGER NOT NULL DEFAULT 0,
	transcript_url    TEXT,
	avg_response_secs DOUBLE PRECISION,
	initial_message   TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (company_id, external_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	ts         TIMESTAMPTZ,
	ord        INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, ord)
);

CREATE TABLE IF NOT EXISTS stage_statuses (
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	stage         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, stage)
);

CREATE TABLE IF NOT EXISTS import_records (
	session_id         TEXT PRIMARY KEY REFERENCES sessions(id),
	company_id         TEXT NOT NULL,
	external_id        TEXT NOT NULL,
	start_time_raw     TEXT NOT NULL,
	end_time_raw       TEXT NOT NULL,
	ip_address         TEXT,
	country_code       TEXT,
	transcript_url     TEXT,
	transcript_content TEXT,
	avg_response_raw   TEXT,
	initial_message    TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrichment_requests (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id),
	model             TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	cached_tokens     INTEGER NOT NULL DEFAULT 0,
	audio_tokens      INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens  INTEGER NOT NULL DEFAULT 0,
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	success           BOOLEAN NOT NULL DEFAULT false,
	error_message     TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS questions (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_questions (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	question_id TEXT NOT NULL REFERENCES questions(id),
	ord         INTEGER NOT NULL,
	PRIMARY KEY (session_id, ord)
);

CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
CREATE INDEX IF NOT EXISTS idx_stage_statuses_stage_status ON stage_statuses(stage, status);
CREATE INDEX IF NOT EXISTS idx_stage_statuses_failed ON stage_statuses(status, completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ord);
CREATE INDEX IF NOT EXISTS idx_enrichment_requests_session ON enrichment_requests(session_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Companies ---

func (s *PostgresStore) UpsertCompany(ctx context.Context, c model.Company) error {
	if c.Status == "" {
		c.Status = model.CompanyActive
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, name, status, transcript_username, transcript_password, default_model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = $2, status = $3, transcript_username = $4, transcript_password = $5, default_model = $6`,
		c.ID, c.Name, string(c.Status), nullStr(c.TranscriptUsername), nullStr(c.TranscriptPassword),
		nullStr(c.DefaultModel), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert company %s", c.ID)
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	var c model.Company
	var username, password, defaultModel *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, status, transcript_username, transcript_password, default_model, created_at
		 FROM companies WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.Status, &username, &password, &defaultModel, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get company %s", id)
	}
	c.TranscriptUsername = deref(username)
	c.TranscriptPassword = deref(password)
	c.DefaultModel = deref(defaultModel)
	return &c, nil
}

// --- Sessions ---

// UpsertSession inserts or updates a session keyed by (company_id,
// external_id), copying only the fields that don't require enrichment.
// Returns the session ID.
func (s *PostgresStore) UpsertSession(ctx context.Context, sess model.Session) (string, error) {
	id := sess.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	var outID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, company_id, external_id, start_time, end_time, ip_address, country_code,
		                       transcript_url, avg_response_secs, initial_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 ON CONFLICT (company_id, external_id) DO UPDATE SET
		   start_time = $4, end_time = $5, ip_address = $6, country_code = $7,
		   transcript_url = $8, avg_response_secs = $9, initial_message = $10, updated_at = $11
		 RETURNING id`,
		id, sess.CompanyID, sess.ExternalID, nullTime(sess.StartTime), nullTime(sess.EndTime),
		nullStr(sess.IPAddress), nullStr(sess.CountryCode), nullStr(sess.TranscriptURL),
		sess.AvgResponseSecs, nullStr(sess.InitialMessage), now,
	).Scan(&outID)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert session %s/%s", sess.CompanyID, sess.ExternalID)
	}
	return outID, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, company_id, external_id, start_time, end_time, ip_address, country_code, language,
		        sentiment, escalated, forwarded_hr, category, summary, messages_sent, transcript_url,
		        avg_response_secs, initial_message, created_at, updated_at
		 FROM sessions WHERE id = $1`,
		id,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSessionEnrichment(ctx context.Context, id string, e model.Enrichment, messagesSent int, endTime *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET
		   language = $1, sentiment = $2, escalated = $3, forwarded_hr = $4, category = $5,
		   summary = $6, messages_sent = $7, end_time = COALESCE($8, end_time), updated_at = $9
		 WHERE id = $10`,
		e.Language, string(e.Sentiment), e.Escalated, e.ForwardedHR, string(e.Category),
		e.Summary, messagesSent, endTime, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session enrichment %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("session not found: %s", id)
	}
	return nil
}

// --- Messages ---

// ReplaceMessages deletes all messages for the session and inserts msgs.
// Wholesale replacement keeps transcript reparsing idempotent.
func (s *PostgresStore) ReplaceMessages(ctx context.Context, sessionID string, msgs []model.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace messages: begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return eris.Wrapf(err, "postgres: delete messages for %s", sessionID)
	}

	now := time.Now().UTC()
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, session_id, role, content, ts, ord, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, sessionID, string(m.Role), m.Content, m.Timestamp, m.Order, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert message %d for %s", m.Order, sessionID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: replace messages: commit")
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, ts, ord, created_at
		 FROM messages WHERE session_id = $1 ORDER BY ord ASC`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list messages for %s", sessionID)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &m.Order, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list messages iterate")
}

// --- Import records ---

func (s *PostgresStore) CreateImport(ctx context.Context, rec model.ImportRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_records (session_id, company_id, external_id, start_time_raw, end_time_raw,
		                             ip_address, country_code, transcript_url, transcript_content,
		                             avg_response_raw, initial_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id) DO UPDATE SET
		   start_time_raw = $4, end_time_raw = $5, ip_address = $6, country_code = $7,
		   transcript_url = $8, transcript_content = COALESCE(NULLIF($9, ''), import_records.transcript_content),
		   avg_response_raw = $10, initial_message = $11`,
		rec.SessionID, rec.CompanyID, rec.ExternalID, rec.StartTimeRaw, rec.EndTimeRaw,
		nullStr(rec.IPAddress), nullStr(rec.CountryCode), nullStr(rec.TranscriptURL),
		rec.TranscriptContent, nullStr(rec.AvgResponseRaw), nullStr(rec.InitialMessage), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: create import %s", rec.SessionID)
}

func (s *PostgresStore) GetImport(ctx context.Context, sessionID string) (*model.ImportRecord, error) {
	var rec model.ImportRecord
	var ip, cc, turl, tcontent, avg, initial *string
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, company_id, external_id, start_time_raw, end_time_raw, ip_address,
		        country_code, transcript_url, transcript_content, avg_response_raw, initial_message, created_at
		 FROM import_records WHERE session_id = $1`,
		sessionID,
	).Scan(&rec.SessionID, &rec.CompanyID, &rec.ExternalID, &rec.StartTimeRaw, &rec.EndTimeRaw,
		&ip, &cc, &turl, &tcontent, &avg, &initial, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get import %s", sessionID)
	}
	rec.IPAddress = deref(ip)
	rec.CountryCode = deref(cc)
	rec.TranscriptURL = deref(turl)
	rec.TranscriptContent = deref(tcontent)
	rec.AvgResponseRaw = deref(avg)
	rec.InitialMessage = deref(initial)
	return &rec, nil
}

func (s *PostgresStore) SetImportTranscript(ctx context.Context, sessionID, content string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_records SET transcript_content = $1 WHERE session_id = $2`,
		content, sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set import transcript %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("import_record not found: %s", sessionID)
	}
	return nil
}

// --- Stage statuses ---

// InitStageStatuses creates all five stage rows as PENDING, skipping any
// that already exist.
func (s *PostgresStore) InitStageStatuses(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	for _, stage := range model.Stages {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO stage_statuses (session_id, stage, status, created_at, updated_at)
			 VALUES ($1, $2, 'PENDING', $3, $3)
			 ON CONFLICT (session_id, stage) DO NOTHING`,
			sessionID, string(stage), now,
		); err != nil {
			return eris.Wrapf(err, "postgres: init stage %s for %s", stage, sessionID)
		}
	}
	return nil
}

func (s *PostgresStore) GetStageStatus(ctx context.Context, sessionID string, stage model.Stage) (*model.StageStatus, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, stage, status, started_at, completed_at, error_message, retry_count, metadata, created_at, updated_at
		 FROM stage_statuses WHERE session_id = $1 AND stage = $2`,
		sessionID, string(stage),
	)
	st, err := scanStageStatus(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get stage status %s/%s", sessionID, stage)
	}
	return st, nil
}

func (s *PostgresStore) ListStageStatuses(ctx context.Context, sessionID string) ([]model.StageStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, stage, status, started_at, completed_at, error_message, retry_count, metadata, created_at, updated_at
		 FROM stage_statuses WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stage statuses %s", sessionID)
	}
	defer rows.Close()

	var out []model.StageStatus
	for rows.Next() {
		st, err := scanStageStatus(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage status")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stage statuses iterate")
}

// SetStageStatus upserts the full stage row. Transition legality is decided
// by the caller (stage.Tracker); the store only persists.
func (s *PostgresStore) SetStageStatus(ctx context.Context, st model.StageStatus) error {
	md, err := marshalMetadata(st.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stage_statuses (session_id, stage, status, started_at, completed_at, error_message, retry_count, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (session_id, stage) DO UPDATE SET
		   status = $3, started_at = $4, completed_at = $5, error_message = $6, retry_count = $7, metadata = $8, updated_at = $9`,
		st.SessionID, string(st.Stage), string(st.Status), st.StartedAt, st.CompletedAt,
		nullStr(st.ErrorMessage), st.RetryCount, md, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: set stage status %s/%s", st.SessionID, st.Stage)
}

// MarkStageFailed upserts the row to FAILED and atomically increments
// retry_count (starting at 1 when the row didn't exist).
func (s *PostgresStore) MarkStageFailed(ctx context.Context, sessionID string, stage model.Stage, errMsg string, metadata map[string]any) error {
	md, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stage_statuses (session_id, stage, status, completed_at, error_message, retry_count, metadata, created_at, updated_at)
		 VALUES ($1, $2, 'FAILED', $3, $4, 1, $5, $3, $3)
		 ON CONFLICT (session_id, stage) DO UPDATE SET
		   status = 'FAILED', completed_at = $3, error_message = $4,
		   retry_count = stage_statuses.retry_count + 1, metadata = $5, updated_at = $3`,
		sessionID, string(stage), time.Now().UTC(), errMsg, md,
	)
	return eris.Wrapf(err, "postgres: mark stage failed %s/%s", sessionID, stage)
}

// --- Discovery and reporting ---

// SessionsNeedingProcessing returns PENDING rows for stage whose owning
// company is ACTIVE, oldest session first. The projection varies by stage
// family: import stages carry the import record and transcript credentials,
// enrichment stages carry the company's default model.
func (s *PostgresStore) SessionsNeedingProcessing(ctx context.Context, stage model.Stage, limit int) ([]model.PendingSession, error) {
	var query string
	if importFamily(stage) {
		query = `SELECT st.session_id, sess.company_id, sess.external_id, sess.created_at,
		                c.transcript_username, c.transcript_password,
		                ir.start_time_raw, ir.end_time_raw, ir.ip_address, ir.country_code,
		                ir.transcript_url, ir.transcript_content, ir.avg_response_raw, ir.initial_message
		         FROM stage_statuses st
		         JOIN sessions sess ON sess.id = st.session_id
		         JOIN companies c ON c.id = sess.company_id
		         LEFT JOIN import_records ir ON ir.session_id = sess.id
		         WHERE st.stage = $1 AND st.status = 'PENDING' AND c.status = 'ACTIVE'
		         ORDER BY sess.created_at ASC`
	} else {
		query = `SELECT st.session_id, sess.company_id, sess.external_id, sess.created_at, c.default_model
		         FROM stage_statuses st
		         JOIN sessions sess ON sess.id = st.session_id
		         JOIN companies c ON c.id = sess.company_id
		         WHERE st.stage = $1 AND st.status = 'PENDING' AND c.status = 'ACTIVE'
		         ORDER BY sess.created_at ASC`
	}

	args := []any{string(stage)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: sessions needing %s", stage)
	}
	defer rows.Close()

	var out []model.PendingSession
	for rows.Next() {
		var p model.PendingSession
		if importFamily(stage) {
			var username, password *string
			var startRaw, endRaw, ip, cc, turl, tcontent, avg, initial *string
			if err := rows.Scan(&p.SessionID, &p.CompanyID, &p.ExternalID, &p.CreatedAt,
				&username, &password,
				&startRaw, &endRaw, &ip, &cc, &turl, &tcontent, &avg, &initial); err != nil {
				return nil, eris.Wrap(err, "postgres: scan pending session")
			}
			p.TranscriptUsername = deref(username)
			p.TranscriptPassword = deref(password)
			if startRaw != nil {
				p.Import = &model.ImportRecord{
					SessionID:         p.SessionID,
					CompanyID:         p.CompanyID,
					ExternalID:        p.ExternalID,
					StartTimeRaw:      *startRaw,
					EndTimeRaw:        deref(endRaw),
					IPAddress:         deref(ip),
					CountryCode:       deref(cc),
					TranscriptURL:     deref(turl),
					TranscriptContent: deref(tcontent),
					AvgResponseRaw:    deref(avg),
					InitialMessage:    deref(initial),
				}
			}
		} else {
			var defaultModel *string
			if err := rows.Scan(&p.SessionID, &p.CompanyID, &p.ExternalID, &p.CreatedAt, &defaultModel); err != nil {
				return nil, eris.Wrap(err, "postgres: scan pending session")
			}
			p.DefaultModel = deref(defaultModel)
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: sessions needing iterate")
}

// PipelineStatus returns the total session count and a sparse (stage,
// status) count matrix; absent combinations mean zero.
func (s *PostgresStore) PipelineStatus(ctx context.Context) (*model.PipelineStatus, error) {
	var ps model.PipelineStatus
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&ps.TotalSessions); err != nil {
		return nil, eris.Wrap(err, "postgres: count sessions")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT stage, status, COUNT(*) FROM stage_statuses GROUP BY stage, status ORDER BY stage, status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pipeline status")
	}
	defer rows.Close()

	for rows.Next() {
		var c model.StageStatusCount
		if err := rows.Scan(&c.Stage, &c.Status, &c.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		ps.StageCounts = append(ps.StageCounts, c)
	}
	return &ps, eris.Wrap(rows.Err(), "postgres: pipeline status iterate")
}

// FailedSessions lists up to 100 most-recently-failed stage rows, optionally
// filtered by stage (empty stage means all stages).
func (s *PostgresStore) FailedSessions(ctx context.Context, stage model.Stage) ([]model.FailedSession, error) {
	query := `SELECT st.session_id, sess.company_id, sess.external_id, st.stage, st.error_message, st.retry_count, st.completed_at
	          FROM stage_statuses st
	          JOIN sessions sess ON sess.id = st.session_id
	          WHERE st.status = 'FAILED'`
	args := []any{}
	if stage != "" {
		query += ` AND st.stage = $1`
		args = append(args, string(stage))
	}
	query += fmt.Sprintf(` ORDER BY st.completed_at DESC NULLS LAST LIMIT %d`, failedSessionsLimit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: failed sessions")
	}
	defer rows.Close()

	var out []model.FailedSession
	for rows.Next() {
		var f model.FailedSession
		var errMsg *string
		if err := rows.Scan(&f.SessionID, &f.CompanyID, &f.ExternalID, &f.Stage, &errMsg, &f.RetryCount, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed session")
		}
		f.ErrorMessage = deref(errMsg)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: failed sessions iterate")
}

// --- Enrichment accounting and questions ---

func (s *PostgresStore) CreateEnrichmentRequest(ctx context.Context, r model.EnrichmentRequest) error {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_requests (id, session_id, model, prompt_tokens, completion_tokens, total_tokens,
		                                  cached_tokens, audio_tokens, reasoning_tokens, cost_usd, success, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, r.SessionID, r.Model, r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.CachedTokens, r.AudioTokens, r.ReasoningTokens, r.CostUSD, r.Success,
		nullStr(r.ErrorMessage), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: create enrichment request for %s", r.SessionID)
}

func (s *PostgresStore) ListEnrichmentRequests(ctx context.Context, sessionID string) ([]model.EnrichmentRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, model, prompt_tokens, completion_tokens, total_tokens,
		        cached_tokens, audio_tokens, reasoning_tokens, cost_usd, success, error_message, created_at
		 FROM enrichment_requests WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list enrichment requests for %s", sessionID)
	}
	defer rows.Close()

	var out []model.EnrichmentRequest
	for rows.Next() {
		var r model.EnrichmentRequest
		var errMsg *string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Model, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.CachedTokens, &r.AudioTokens, &r.ReasoningTokens, &r.CostUSD, &r.Success, &errMsg, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan enrichment request")
		}
		r.ErrorMessage = deref(errMsg)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: enrichment requests iterate")
}

// UpsertQuestions inserts any new question contents into the shared pool
// (skip-duplicate) and returns pool rows aligned with the trimmed,
// non-empty inputs in input order. Existing rows are never modified.
func (s *PostgresStore) UpsertQuestions(ctx context.Context, contents []string) ([]model.Question, error) {
	trimmed := trimQuestions(contents)
	if len(trimmed) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	for _, content := range trimmed {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO questions (id, content, created_at) VALUES ($1, $2, $3)
			 ON CONFLICT (content) DO NOTHING`,
			uuid.New().String(), content, now,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: insert question %q", content)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, content, created_at FROM questions WHERE content = ANY($1)`,
		trimmed,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select questions")
	}
	defer rows.Close()

	byContent := make(map[string]model.Question, len(trimmed))
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Content, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan question")
		}
		byContent[q.Content] = q
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: select questions iterate")
	}

	return orderQuestions(trimmed, byContent)
}

// ReplaceSessionQuestions rebuilds this session's ordered join rows from
// scratch, preserving the given ordering. Other sessions' rows and the
// shared pool are untouched.
func (s *PostgresStore) ReplaceSessionQuestions(ctx context.Context, sessionID string, questionIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace session questions: begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM session_questions WHERE session_id = $1`, sessionID); err != nil {
		return eris.Wrapf(err, "postgres: delete session questions %s", sessionID)
	}

	for i, qid := range questionIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_questions (session_id, question_id, ord) VALUES ($1, $2, $3)`,
			sessionID, qid, i,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert session question %d for %s", i, sessionID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: replace session questions: commit")
}

// ListSessionQuestions returns the session's linked questions in extraction order.
func (s *PostgresStore) ListSessionQuestions(ctx context.Context, sessionID string) ([]model.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT q.id, q.content, q.created_at
		 FROM session_questions sq
		 JOIN questions q ON q.id = sq.question_id
		 WHERE sq.session_id = $1
		 ORDER BY sq.ord`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list session questions for %s", sessionID)
	}
	defer rows.Close()

	var out []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Content, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session question")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: session questions iterate")
}

// --- scan and null helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var startTime, endTime *time.Time
	var ip, cc, lang, sentiment, category, summary, turl, initial *string
	var avg *float64
	if err := row.Scan(&sess.ID, &sess.CompanyID, &sess.ExternalID, &startTime, &endTime,
		&ip, &cc, &lang, &sentiment, &sess.Escalated, &sess.ForwardedHR, &category, &summary,
		&sess.MessagesSent, &turl, &avg, &initial, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if startTime != nil {
		sess.StartTime = *startTime
	}
	if endTime != nil {
		sess.EndTime = *endTime
	}
	sess.IPAddress = deref(ip)
	sess.CountryCode = deref(cc)
	sess.Language = deref(lang)
	if sentiment != nil {
		sess.Sentiment = model.Sentiment(*sentiment)
	}
	if category != nil {
		sess.Category = model.Category(*category)
	}
	sess.Summary = deref(summary)
	sess.TranscriptURL = deref(turl)
	if avg != nil {
		sess.AvgResponseSecs = *avg
	}
	sess.InitialMessage = deref(initial)
	return &sess, nil
}

func scanStageStatus(row rowScanner) (*model.StageStatus, error) {
	var st model.StageStatus
	var errMsg *string
	var md []byte
	if err := row.Scan(&st.SessionID, &st.Stage, &st.Status, &st.StartedAt, &st.CompletedAt,
		&errMsg, &st.RetryCount, &md, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.ErrorMessage = deref(errMsg)
	if len(md) > 0 {
		if err := json.Unmarshal(md, &st.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal stage metadata")
		}
	}
	return &st, nil
}

func marshalMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	b, err := json.Marshal(model.NormalizeMetadata(md))
	if err != nil {
		return nil, eris.Wrap(err, "marshal stage metadata")
	}
	return b, nil
}

// trimQuestions trims whitespace and drops empties, preserving order and
// duplicates (dedup happens at the unique index).
func trimQuestions(contents []string) []string {
	var out []string
	for _, c := range contents {
		if t := strings.TrimSpace(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// orderQuestions aligns pool rows with the input order.
func orderQuestions(trimmed []string, byContent map[string]model.Question) ([]model.Question, error) {
	out := make([]model.Question, 0, len(trimmed))
	for _, content := range trimmed {
		q, ok := byContent[content]
		if !ok {
			return nil, eris.Errorf("question not found after upsert: %q", content)
		}
		out = append(out, q)
	}
	return out, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
