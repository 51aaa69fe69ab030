package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sessions-cli/internal/model"
)

// SQLiteStore implements Store on a local SQLite file. It backs single-user
// runs and tests; the schema mirrors the Postgres one.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (and creates if needed) a SQLite database at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS companies (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'ACTIVE',
		transcript_username TEXT,
		transcript_password TEXT,
		default_model       TEXT,
		created_at          TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		company_id        TEXT NOT NULL REFERENCES companies(id),
		external_id       TEXT NOT NULL,
		start_time        TIMESTAMP,
		end_time          TIMESTAMP,
		ip_address        TEXT,
		country_code      TEXT,
		language          TEXT,
		sentiment         TEXT,
		escalated         INTEGER NOT NULL DEFAULT 0,
		forwarded_hr      INTEGER NOT NULL DEFAULT 0,
		category          TEXT,
		summary           TEXT,
		messages_sent     INTEGER NOT NULL DEFAULT 0,
		transcript_url    TEXT,
		avg_response_secs REAL,
		initial_message   TEXT,
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL,
		UNIQUE (company_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		ts         TIMESTAMP,
		ord        INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (session_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS stage_statuses (
		session_id    TEXT NOT NULL REFERENCES sessions(id),
		stage         TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		started_at    TIMESTAMP,
		completed_at  TIMESTAMP,
		error_message TEXT,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		metadata      TEXT,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, stage)
	)`,
	`CREATE TABLE IF NOT EXISTS import_records (
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
		created_at         TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrichment_requests (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL REFERENCES sessions(id),
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		cached_tokens     INTEGER NOT NULL DEFAULT 0,
		audio_tokens      INTEGER NOT NULL DEFAULT 0,
		reasoning_tokens  INTEGER NOT NULL DEFAULT 0,
		cost_usd          REAL NOT NULL DEFAULT 0,
		success           INTEGER NOT NULL DEFAULT 0,
		error_message     TEXT,
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_questions (
		session_id  TEXT NOT NULL REFERENCES sessions(id),
		question_id TEXT NOT NULL REFERENCES questions(id),
		ord         INTEGER NOT NULL,
		PRIMARY KEY (session_id, ord)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_statuses_stage_status ON stage_statuses(stage, status)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ord)`,
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return eris.Wrap(err, "sqlite: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// --- Companies ---

func (s *SQLiteStore) UpsertCompany(ctx context.Context, c model.Company) error {
	if c.Status == "" {
		c.Status = model.CompanyActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, status, transcript_username, transcript_password, default_model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, status = excluded.status,
		   transcript_username = excluded.transcript_username,
		   transcript_password = excluded.transcript_password,
		   default_model = excluded.default_model`,
		c.ID, c.Name, string(c.Status), nullStr(c.TranscriptUsername), nullStr(c.TranscriptPassword),
		nullStr(c.DefaultModel), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert company %s", c.ID)
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	var c model.Company
	var username, password, defaultModel *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, transcript_username, transcript_password, default_model, created_at
		 FROM companies WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Name, &c.Status, &username, &password, &defaultModel, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get company %s", id)
	}
	c.TranscriptUsername = deref(username)
	c.TranscriptPassword = deref(password)
	c.DefaultModel = deref(defaultModel)
	return &c, nil
}

// --- Sessions ---

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess model.Session) (string, error) {
	id := sess.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	var outID string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sessions (id, company_id, external_id, start_time, end_time, ip_address, country_code,
		                       transcript_url, avg_response_secs, initial_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (company_id, external_id) DO UPDATE SET
		   start_time = excluded.start_time, end_time = excluded.end_time,
		   ip_address = excluded.ip_address, country_code = excluded.country_code,
		   transcript_url = excluded.transcript_url, avg_response_secs = excluded.avg_response_secs,
		   initial_message = excluded.initial_message, updated_at = excluded.updated_at
		 RETURNING id`,
		id, sess.CompanyID, sess.ExternalID, nullTime(sess.StartTime), nullTime(sess.EndTime),
		nullStr(sess.IPAddress), nullStr(sess.CountryCode), nullStr(sess.TranscriptURL),
		sess.AvgResponseSecs, nullStr(sess.InitialMessage), now, now,
	).Scan(&outID)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: upsert session %s/%s", sess.CompanyID, sess.ExternalID)
	}
	return outID, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, external_id, start_time, end_time, ip_address, country_code, language,
		        sentiment, escalated, forwarded_hr, category, summary, messages_sent, transcript_url,
		        avg_response_secs, initial_message, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		id,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSessionEnrichment(ctx context.Context, id string, e model.Enrichment, messagesSent int, endTime *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
		   language = ?, sentiment = ?, escalated = ?, forwarded_hr = ?, category = ?,
		   summary = ?, messages_sent = ?, end_time = COALESCE(?, end_time), updated_at = ?
		 WHERE id = ?`,
		e.Language, string(e.Sentiment), e.Escalated, e.ForwardedHR, string(e.Category),
		e.Summary, messagesSent, endTime, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session enrichment %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("session not found: %s", id)
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) ReplaceMessages(ctx context.Context, sessionID string, msgs []model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace messages: begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return eris.Wrapf(err, "sqlite: delete messages for %s", sessionID)
	}

	now := time.Now().UTC()
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, ts, ord, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, sessionID, string(m.Role), m.Content, m.Timestamp, m.Order, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert message %d for %s", m.Order, sessionID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: replace messages: commit")
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, ts, ord, created_at
		 FROM messages WHERE session_id = ? ORDER BY ord ASC`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list messages for %s", sessionID)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &m.Order, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list messages iterate")
}

// --- Import records ---

func (s *SQLiteStore) CreateImport(ctx context.Context, rec model.ImportRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_records (session_id, company_id, external_id, start_time_raw, end_time_raw,
		                             ip_address, country_code, transcript_url, transcript_content,
		                             avg_response_raw, initial_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		   start_time_raw = excluded.start_time_raw, end_time_raw = excluded.end_time_raw,
		   ip_address = excluded.ip_address, country_code = excluded.country_code,
		   transcript_url = excluded.transcript_url,
		   transcript_content = COALESCE(NULLIF(excluded.transcript_content, ''), import_records.transcript_content),
		   avg_response_raw = excluded.avg_response_raw, initial_message = excluded.initial_message`,
		rec.SessionID, rec.CompanyID, rec.ExternalID, rec.StartTimeRaw, rec.EndTimeRaw,
		nullStr(rec.IPAddress), nullStr(rec.CountryCode), nullStr(rec.TranscriptURL),
		rec.TranscriptContent, nullStr(rec.AvgResponseRaw), nullStr(rec.InitialMessage), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: create import %s", rec.SessionID)
}

func (s *SQLiteStore) GetImport(ctx context.Context, sessionID string) (*model.ImportRecord, error) {
	var rec model.ImportRecord
	var ip, cc, turl, tcontent, avg, initial *string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, company_id, external_id, start_time_raw, end_time_raw, ip_address,
		        country_code, transcript_url, transcript_content, avg_response_raw, initial_message, created_at
		 FROM import_records WHERE session_id = ?`,
		sessionID,
	).Scan(&rec.SessionID, &rec.CompanyID, &rec.ExternalID, &rec.StartTimeRaw, &rec.EndTimeRaw,
		&ip, &cc, &turl, &tcontent, &avg, &initial, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get import %s", sessionID)
	}
	rec.IPAddress = deref(ip)
	rec.CountryCode = deref(cc)
	rec.TranscriptURL = deref(turl)
	rec.TranscriptContent = deref(tcontent)
	rec.AvgResponseRaw = deref(avg)
	rec.InitialMessage = deref(initial)
	return &rec, nil
}

func (s *SQLiteStore) SetImportTranscript(ctx context.Context, sessionID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_records SET transcript_content = ? WHERE session_id = ?`,
		content, sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set import transcript %s", sessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("import_record not found: %s", sessionID)
	}
	return nil
}

// --- Stage statuses ---

func (s *SQLiteStore) InitStageStatuses(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	for _, stage := range model.Stages {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO stage_statuses (session_id, stage, status, retry_count, created_at, updated_at)
			 VALUES (?, ?, 'PENDING', 0, ?, ?)
			 ON CONFLICT (session_id, stage) DO NOTHING`,
			sessionID, string(stage), now, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: init stage %s for %s", stage, sessionID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetStageStatus(ctx context.Context, sessionID string, stage model.Stage) (*model.StageStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, stage, status, started_at, completed_at, error_message, retry_count, metadata, created_at, updated_at
		 FROM stage_statuses WHERE session_id = ? AND stage = ?`,
		sessionID, string(stage),
	)
	st, err := scanStageStatus(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get stage status %s/%s", sessionID, stage)
	}
	return st, nil
}

func (s *SQLiteStore) ListStageStatuses(ctx context.Context, sessionID string) ([]model.StageStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, stage, status, started_at, completed_at, error_message, retry_count, metadata, created_at, updated_at
		 FROM stage_statuses WHERE session_id = ?`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stage statuses %s", sessionID)
	}
	defer rows.Close()

	var out []model.StageStatus
	for rows.Next() {
		st, err := scanStageStatus(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage status")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stage statuses iterate")
}

func (s *SQLiteStore) SetStageStatus(ctx context.Context, st model.StageStatus) error {
	md, err := marshalMetadata(st.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_statuses (session_id, stage, status, started_at, completed_at, error_message, retry_count, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, stage) DO UPDATE SET
		   status = excluded.status, started_at = excluded.started_at,
		   completed_at = excluded.completed_at, error_message = excluded.error_message,
		   retry_count = excluded.retry_count, metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		st.SessionID, string(st.Stage), string(st.Status), st.StartedAt, st.CompletedAt,
		nullStr(st.ErrorMessage), st.RetryCount, nullBytes(md), now, now,
	)
	return eris.Wrapf(err, "sqlite: set stage status %s/%s", st.SessionID, st.Stage)
}

func (s *SQLiteStore) MarkStageFailed(ctx context.Context, sessionID string, stage model.Stage, errMsg string, metadata map[string]any) error {
	md, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_statuses (session_id, stage, status, completed_at, error_message, retry_count, metadata, created_at, updated_at)
		 VALUES (?, ?, 'FAILED', ?, ?, 1, ?, ?, ?)
		 ON CONFLICT (session_id, stage) DO UPDATE SET
		   status = 'FAILED', completed_at = excluded.completed_at,
		   error_message = excluded.error_message,
		   retry_count = stage_statuses.retry_count + 1,
		   metadata = excluded.metadata, updated_at = excluded.updated_at`,
		sessionID, string(stage), now, errMsg, nullBytes(md), now, now,
	)
	return eris.Wrapf(err, "sqlite: mark stage failed %s/%s", sessionID, stage)
}

// --- Discovery and reporting ---

func (s *SQLiteStore) SessionsNeedingProcessing(ctx context.Context, stage model.Stage, limit int) ([]model.PendingSession, error) {
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
		         WHERE st.stage = ? AND st.status = 'PENDING' AND c.status = 'ACTIVE'
		         ORDER BY sess.created_at ASC`
	} else {
		query = `SELECT st.session_id, sess.company_id, sess.external_id, sess.created_at, c.default_model
		         FROM stage_statuses st
		         JOIN sessions sess ON sess.id = st.session_id
		         JOIN companies c ON c.id = sess.company_id
		         WHERE st.stage = ? AND st.status = 'PENDING' AND c.status = 'ACTIVE'
		         ORDER BY sess.created_at ASC`
	}

	args := []any{string(stage)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: sessions needing %s", stage)
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
				return nil, eris.Wrap(err, "sqlite: scan pending session")
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
				return nil, eris.Wrap(err, "sqlite: scan pending session")
			}
			p.DefaultModel = deref(defaultModel)
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: sessions needing iterate")
}

func (s *SQLiteStore) PipelineStatus(ctx context.Context) (*model.PipelineStatus, error) {
	var ps model.PipelineStatus
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&ps.TotalSessions); err != nil {
		return nil, eris.Wrap(err, "sqlite: count sessions")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, status, COUNT(*) FROM stage_statuses GROUP BY stage, status ORDER BY stage, status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pipeline status")
	}
	defer rows.Close()

	for rows.Next() {
		var c model.StageStatusCount
		if err := rows.Scan(&c.Stage, &c.Status, &c.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		ps.StageCounts = append(ps.StageCounts, c)
	}
	return &ps, eris.Wrap(rows.Err(), "sqlite: pipeline status iterate")
}

func (s *SQLiteStore) FailedSessions(ctx context.Context, stage model.Stage) ([]model.FailedSession, error) {
	query := `SELECT st.session_id, sess.company_id, sess.external_id, st.stage, st.error_message, st.retry_count, st.completed_at
	          FROM stage_statuses st
	          JOIN sessions sess ON sess.id = st.session_id
	          WHERE st.status = 'FAILED'`
	args := []any{}
	if stage != "" {
		query += ` AND st.stage = ?`
		args = append(args, string(stage))
	}
	query += fmt.Sprintf(` ORDER BY st.completed_at DESC LIMIT %d`, failedSessionsLimit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: failed sessions")
	}
	defer rows.Close()

	var out []model.FailedSession
	for rows.Next() {
		var f model.FailedSession
		var errMsg *string
		if err := rows.Scan(&f.SessionID, &f.CompanyID, &f.ExternalID, &f.Stage, &errMsg, &f.RetryCount, &f.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed session")
		}
		f.ErrorMessage = deref(errMsg)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: failed sessions iterate")
}

// --- Enrichment accounting and questions ---

func (s *SQLiteStore) CreateEnrichmentRequest(ctx context.Context, r model.EnrichmentRequest) error {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_requests (id, session_id, model, prompt_tokens, completion_tokens, total_tokens,
		                                  cached_tokens, audio_tokens, reasoning_tokens, cost_usd, success, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.SessionID, r.Model, r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.CachedTokens, r.AudioTokens, r.ReasoningTokens, r.CostUSD, r.Success,
		nullStr(r.ErrorMessage), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: create enrichment request for %s", r.SessionID)
}

func (s *SQLiteStore) ListEnrichmentRequests(ctx context.Context, sessionID string) ([]model.EnrichmentRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, model, prompt_tokens, completion_tokens, total_tokens,
		        cached_tokens, audio_tokens, reasoning_tokens, cost_usd, success, error_message, created_at
		 FROM enrichment_requests WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list enrichment requests for %s", sessionID)
	}
	defer rows.Close()

	var out []model.EnrichmentRequest
	for rows.Next() {
		var r model.EnrichmentRequest
		var errMsg *string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Model, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.CachedTokens, &r.AudioTokens, &r.ReasoningTokens, &r.CostUSD, &r.Success, &errMsg, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enrichment request")
		}
		r.ErrorMessage = deref(errMsg)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: enrichment requests iterate")
}

func (s *SQLiteStore) UpsertQuestions(ctx context.Context, contents []string) ([]model.Question, error) {
	trimmed := trimQuestions(contents)
	if len(trimmed) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	byContent := make(map[string]model.Question, len(trimmed))
	for _, content := range trimmed {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO questions (id, content, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (content) DO NOTHING`,
			uuid.New().String(), content, now,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert question %q", content)
		}
		if _, ok := byContent[content]; ok {
			continue
		}
		var q model.Question
		if err := s.db.QueryRowContext(ctx,
			`SELECT id, content, created_at FROM questions WHERE content = ?`, content,
		).Scan(&q.ID, &q.Content, &q.CreatedAt); err != nil {
			return nil, eris.Wrapf(err, "sqlite: select question %q", content)
		}
		byContent[content] = q
	}

	return orderQuestions(trimmed, byContent)
}

func (s *SQLiteStore) ReplaceSessionQuestions(ctx context.Context, sessionID string, questionIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace session questions: begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_questions WHERE session_id = ?`, sessionID); err != nil {
		return eris.Wrapf(err, "sqlite: delete session questions %s", sessionID)
	}

	for i, qid := range questionIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_questions (session_id, question_id, ord) VALUES (?, ?, ?)`,
			sessionID, qid, i,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert session question %d for %s", i, sessionID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: replace session questions: commit")
}

func (s *SQLiteStore) ListSessionQuestions(ctx context.Context, sessionID string) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.id, q.content, q.created_at
		 FROM session_questions sq
		 JOIN questions q ON q.id = sq.question_id
		 WHERE sq.session_id = ?
		 ORDER BY sq.ord`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list session questions for %s", sessionID)
	}
	defer rows.Close()

	var out []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Content, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session question")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: session questions iterate")
}

// nullBytes maps empty metadata to NULL so the column stays sparse.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
