package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"snspilot/internal/status"
	logx "snspilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- actions ----

const actionCols = `id, account_id, project_id, kind, payload, platform,
	scheduled_at, status, retry_count, last_error, last_error_class,
	last_attempt_at, lease_owner, lease_expires_at, created_at, updated_at`

func (s *sqliteStore) InsertAction(ctx context.Context, a ScheduledAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions(`+actionCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.AccountID, a.ProjectID, string(a.Kind), a.Payload, a.Platform,
		ms(a.ScheduledAt), string(a.Status), a.RetryCount, a.LastError, string(a.LastErrorClass),
		ms(a.LastAttemptAt), a.LeaseOwner, ms(a.LeaseExpiresAt), ms(a.CreatedAt), ms(a.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetAction(ctx context.Context, id string) (ScheduledAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledAction{}, ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) DueActions(ctx context.Context, now time.Time, limit int) ([]ScheduledAction, error) {
	if limit <= 0 {
		limit = 100
	}
	// Ties broken by id so concurrent instances walk candidates in the
	// same order and the CAS resolves the race.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionCols+` FROM actions
		 WHERE status IN (?,?,?) AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC
		 LIMIT ?`,
		string(status.Scheduled), string(status.Approved), string(status.PendingReview),
		ms(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AcquireActionLease(ctx context.Context, id string, from status.Status, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions
		 SET status = ?, lease_owner = ?, lease_expires_at = ?, last_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		   AND (lease_owner = '' OR lease_expires_at <= ?)`,
		string(status.Executing), owner, ms(now.Add(ttl)), ms(now), ms(now),
		id, string(from), ms(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) FinishAction(ctx context.Context, upd ActionFinish) (bool, error) {
	now := time.Now()
	// scheduled_at only moves on a retry requeue; terminal outcomes keep
	// the original schedule for audit.
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions
		 SET status = ?, retry_count = ?,
		     scheduled_at = CASE WHEN ? = 'scheduled' THEN ? ELSE scheduled_at END,
		     last_error = ?, last_error_class = ?, last_attempt_at = ?,
		     lease_owner = '', lease_expires_at = 0, updated_at = ?
		 WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(upd.To), upd.RetryCount,
		string(upd.To), ms(nonZero(upd.ScheduledAt, now)),
		upd.ErrorMsg, string(upd.ErrorClass), ms(nonZero(upd.AttemptAt, now)),
		ms(now),
		upd.ID, string(status.Executing), upd.Owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions
		 SET status = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		 WHERE status = ? AND lease_expires_at <= ?`,
		string(status.Scheduled), ms(now),
		string(status.Executing), ms(now),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- accounts & agents ----

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, username, credentials, proxy, device_id, agent_id
		 FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Platform, &a.Username, &a.Credentials, &a.Proxy, &a.DeviceID, &a.AgentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) GetAgent(ctx context.Context, id string) (Agent, error) {
	var (
		ag   Agent
		skip int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, skip_review FROM agents WHERE id = ?`, id,
	).Scan(&ag.ID, &ag.Name, &skip)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	ag.SkipReview = skip != 0
	return ag, err
}

func (s *sqliteStore) BindAccountDevice(ctx context.Context, accountID, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET device_id = ? WHERE id = ?`, deviceID, accountID)
	return err
}

// ---- devices ----

func (s *sqliteStore) SyncDevices(ctx context.Context, seen []Device, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range seen {
		// Upsert without touching live lease state: a refresh must never
		// free a device out from under its lease holder.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO devices(id, state, leased_by, lease_expires_at, last_seen_at, model)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			   last_seen_at = excluded.last_seen_at,
			   model = excluded.model,
			   state = CASE WHEN devices.state = 'offline' THEN 'free' ELSE devices.state END`,
			d.ID, string(DeviceFree), "", 0, ms(now), d.Model,
		)
		if err != nil {
			return err
		}
	}

	// Devices absent from the refresh go offline (leased ones too: the
	// provider no longer lists them, so the session is gone anyway).
	ids := make([]any, 0, len(seen)+1)
	ph := make([]string, 0, len(seen))
	for _, d := range seen {
		ids = append(ids, d.ID)
		ph = append(ph, "?")
	}
	q := `UPDATE devices SET state = 'offline', leased_by = '', lease_expires_at = 0`
	if len(ph) > 0 {
		q += ` WHERE id NOT IN (` + strings.Join(ph, ",") + `)`
	}
	if _, err = tx.ExecContext(ctx, q, ids...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, leased_by, lease_expires_at, last_seen_at, model
		 FROM devices ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var (
			d            Device
			state        string
			expMS, seeMS int64
		)
		if err := rows.Scan(&d.ID, &state, &d.LeasedBy, &expMS, &seeMS, &d.Model); err != nil {
			return nil, err
		}
		d.State = DeviceState(state)
		d.LeaseExpiresAt = fromMS(expMS)
		d.LastSeenAt = fromMS(seeMS)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LeaseDevice(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET state = ?, leased_by = ?, lease_expires_at = ?
		 WHERE id = ? AND (state = ? OR (state = ? AND lease_expires_at <= ?))`,
		string(DeviceLeased), owner, ms(now.Add(ttl)),
		id, string(DeviceFree), string(DeviceLeased), ms(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ReleaseDevice(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET state = ?, leased_by = '', lease_expires_at = 0
		 WHERE id = ? AND leased_by = ? AND state = ?`,
		string(DeviceFree), id, owner, string(DeviceLeased),
	)
	return err
}

func (s *sqliteStore) ReclaimExpiredDeviceLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET state = ?, leased_by = '', lease_expires_at = 0
		 WHERE state = ? AND lease_expires_at <= ?`,
		string(DeviceFree), string(DeviceLeased), ms(now),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- analytics ----

func (s *sqliteStore) AppendOutcome(ctx context.Context, e OutcomeEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, action_id, account_id, kind, outcome, evidence, message, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		ms(e.At), e.ActionID, e.AccountID, string(e.Kind), e.Outcome, e.Evidence, e.Message, e.TookMS,
	)
	return err
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (ScheduledAction, error) {
	var (
		a                                   ScheduledAction
		kind, st, errClass                  string
		schedMS, attMS, expMS, creMS, updMS int64
	)
	err := r.Scan(
		&a.ID, &a.AccountID, &a.ProjectID, &kind, &a.Payload, &a.Platform,
		&schedMS, &st, &a.RetryCount, &a.LastError, &errClass,
		&attMS, &a.LeaseOwner, &expMS, &creMS, &updMS,
	)
	if err != nil {
		return ScheduledAction{}, err
	}
	a.Kind = ActionKind(kind)
	a.Status = status.Status(st)
	a.LastErrorClass = ErrorClass(errClass)
	a.ScheduledAt = fromMS(schedMS)
	a.LastAttemptAt = fromMS(attMS)
	a.LeaseExpiresAt = fromMS(expMS)
	a.CreatedAt = fromMS(creMS)
	a.UpdatedAt = fromMS(updMS)
	return a, nil
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func nonZero(t, def time.Time) time.Time {
	if t.IsZero() {
		return def
	}
	return t
}
