package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type txKey struct{}

// conn returns the transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn inside one transaction. Nested calls join the outer one.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateSource(ctx context.Context, source domain.Source) (*domain.Source, error) {
	source.Name = strings.TrimSpace(source.Name)
	if source.Name == "" || source.Owner == "" {
		return nil, store.ErrInvalidTransaction
	}
	if source.ID == "" {
		source.ID = xid.New("src")
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = time.Now().UTC()
	}

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if _, err := q.ExecContext(ctx, `
			INSERT INTO sources (id, name, owner, created_at) VALUES ($1,$2,$3,$4)
		`, source.ID, source.Name, source.Owner, source.CreatedAt); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO source_permissions (source_id, username, role, granted_at) VALUES ($1,$2,$3,$4)
		`, source.ID, source.Owner, domain.SourceRoleOwner, source.CreatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &source, nil
}

func (s *Store) GetSource(ctx context.Context, id string) (*domain.Source, error) {
	var source domain.Source
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, owner, created_at FROM sources WHERE id = $1
	`, id).Scan(&source.ID, &source.Name, &source.Owner, &source.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &source, nil
}

func (s *Store) ListSources(ctx context.Context) ([]domain.Source, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id, name, owner, created_at FROM sources ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make([]domain.Source, 0, 8)
	for rows.Next() {
		var source domain.Source
		if err := rows.Scan(&source.ID, &source.Name, &source.Owner, &source.CreatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

func (s *Store) UpdateSource(ctx context.Context, source domain.Source) (*domain.Source, error) {
	name := strings.TrimSpace(source.Name)
	if name == "" {
		return nil, store.ErrInvalidTransaction
	}
	var updated domain.Source
	err := s.conn(ctx).QueryRowContext(ctx, `
		UPDATE sources SET name = $2 WHERE id = $1
		RETURNING id, name, owner, created_at
	`, source.ID, name).Scan(&updated.ID, &updated.Name, &updated.Owner, &updated.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteSource(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) UpsertSourcePermission(ctx context.Context, perm domain.SourcePermission) error {
	if perm.Username == "" {
		return store.ErrInvalidTransaction
	}
	if perm.GrantedAt.IsZero() {
		perm.GrantedAt = time.Now().UTC()
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO source_permissions (source_id, username, role, granted_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (source_id, username)
		DO UPDATE SET role = EXCLUDED.role, granted_at = EXCLUDED.granted_at
	`, perm.SourceID, perm.Username, perm.Role, perm.GrantedAt)
	if isForeignKeyViolation(err) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) DeleteSourcePermission(ctx context.Context, sourceID string, username string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		DELETE FROM source_permissions WHERE source_id = $1 AND username = $2
	`, sourceID, username)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) GetSourcePermission(ctx context.Context, sourceID string, username string) (*domain.SourcePermission, error) {
	var perm domain.SourcePermission
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT source_id, username, role, granted_at
		FROM source_permissions WHERE source_id = $1 AND username = $2
	`, sourceID, username).Scan(&perm.SourceID, &perm.Username, &perm.Role, &perm.GrantedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &perm, nil
}

func (s *Store) ListSourcePermissions(ctx context.Context, sourceID string) ([]domain.SourcePermission, error) {
	return s.listPermissions(ctx, `
		SELECT source_id, username, role, granted_at
		FROM source_permissions WHERE source_id = $1 ORDER BY username
	`, sourceID)
}

func (s *Store) ListPermissionsByUser(ctx context.Context, username string) ([]domain.SourcePermission, error) {
	return s.listPermissions(ctx, `
		SELECT source_id, username, role, granted_at
		FROM source_permissions WHERE username = $1 ORDER BY source_id
	`, username)
}

func (s *Store) listPermissions(ctx context.Context, query string, arg string) ([]domain.SourcePermission, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := make([]domain.SourcePermission, 0, 4)
	for rows.Next() {
		var perm domain.SourcePermission
		if err := rows.Scan(&perm.SourceID, &perm.Username, &perm.Role, &perm.GrantedAt); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

const sessionColumns = `id, source_id, status, start_time, end_time, opened_by, COALESCE(closed_by, ''),
	total_cash, total_transfer, total_sales, total_expenses`

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var endTime sql.NullTime
	if err := row.Scan(
		&session.ID, &session.SourceID, &session.Status, &session.StartTime, &endTime,
		&session.OpenedBy, &session.ClosedBy,
		&session.TotalCash, &session.TotalTransfer, &session.TotalSales, &session.TotalExpenses,
	); err != nil {
		return nil, err
	}
	if endTime.Valid {
		end := endTime.Time.UTC()
		session.EndTime = &end
	}
	return &session, nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	if session.ID == "" {
		session.ID = xid.New("ses")
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}
	session.Status = domain.SessionStatusActive

	created, err := scanSession(s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO sessions (id, source_id, status, start_time, opened_by)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING `+sessionColumns, session.ID, session.SourceID, session.Status, session.StartTime, session.OpenedBy))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, store.ErrActiveSessionExists
		case isForeignKeyViolation(err):
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := scanSession(s.conn(ctx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) GetActiveSession(ctx context.Context, sourceID string) (*domain.Session, error) {
	session, err := scanSession(s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE source_id = $1 AND status = 'active'
	`, sourceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, sourceID string, limit int) ([]domain.Session, error) {
	w := &where{}
	w.add("source_id = $%d", sourceID)
	query := `SELECT ` + sessionColumns + ` FROM sessions` + w.String() + ` ORDER BY start_time DESC` + w.limit(limit)
	return s.listSessions(ctx, query, w.args...)
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]domain.Session, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' ORDER BY id`)
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0, 16)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// SumSessionTotals recomputes a session's figures from its bills and expenses.
func (s *Store) SumSessionTotals(ctx context.Context, sessionID string) (domain.SessionTotals, error) {
	totals := domain.SessionTotals{SessionID: sessionID, ComputedAt: time.Now().UTC()}
	q := s.conn(ctx)

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return totals, err
	}
	if !exists {
		return totals, store.ErrNotFound
	}

	if err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total) FILTER (WHERE payment_method = 'cash'), 0),
			COALESCE(SUM(total) FILTER (WHERE payment_method = 'transfer'), 0),
			COUNT(*)
		FROM bills
		WHERE session_id = $1 AND status <> 'cancelled'
	`, sessionID).Scan(&totals.TotalCash, &totals.TotalTransfer, &totals.BillCount); err != nil {
		return totals, err
	}
	if err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE session_id = $1 AND type = 'expense'
	`, sessionID).Scan(&totals.TotalExpenses); err != nil {
		return totals, err
	}
	totals.TotalSales = totals.TotalCash.Add(totals.TotalTransfer)
	return totals, nil
}

func (s *Store) UpdateSessionTotals(ctx context.Context, totals domain.SessionTotals) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE sessions
		SET total_cash = $2, total_transfer = $3, total_sales = $4, total_expenses = $5
		WHERE id = $1 AND status = 'active'
	`, totals.SessionID, totals.TotalCash, totals.TotalTransfer, totals.TotalSales, totals.TotalExpenses)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// closed sessions keep their frozen totals
		if _, err := s.GetSession(ctx, totals.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// CloseSession takes the session row lock before summing, so it waits for
// in-flight checkouts holding the share lock and counts their bills.
func (s *Store) CloseSession(ctx context.Context, id string, closedBy string, at time.Time) (*domain.Session, domain.SessionTotals, error) {
	var session *domain.Session
	var totals domain.SessionTotals
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		var status string
		err := q.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != domain.SessionStatusActive {
			return store.ErrInvalidTransaction
		}

		totals, err = s.SumSessionTotals(ctx, id)
		if err != nil {
			return err
		}
		session, err = scanSession(q.QueryRowContext(ctx, `
			UPDATE sessions
			SET status = 'closed', end_time = $2, closed_by = $3,
				total_cash = $4, total_transfer = $5, total_sales = $6, total_expenses = $7
			WHERE id = $1
			RETURNING `+sessionColumns,
			id, at, closedBy, totals.TotalCash, totals.TotalTransfer, totals.TotalSales, totals.TotalExpenses))
		return err
	})
	if err != nil {
		return nil, domain.SessionTotals{}, err
	}
	return session, totals, nil
}

func (s *Store) ReconcileSession(ctx context.Context, id string, _ time.Time) (*domain.Session, error) {
	session, err := scanSession(s.conn(ctx).QueryRowContext(ctx, `
		UPDATE sessions SET status = 'reconciled'
		WHERE id = $1 AND status = 'closed'
		RETURNING `+sessionColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionError(ctx, id)
	}
	return session, err
}

// transitionError tells a missing session apart from one in the wrong status.
func (s *Store) transitionError(ctx context.Context, id string) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return store.ErrInvalidTransaction
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO audit_logs (id, source_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.SourceID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, sourceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	w := &where{}
	w.add("source_id = $%d", sourceID)
	w.between("created_at", from, to)
	query := `
		SELECT id, source_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs` + w.String() + ` ORDER BY created_at DESC` + w.limit(limit)
	rows, err := s.conn(ctx).QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 32)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.SourceID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,now())
	`, username, user.Password, user.Role)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT username, password, role, active, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) UpdateUser(ctx context.Context, user domain.UserAccount) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE users SET role = $2, active = $3 WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(user.Username)), user.Role, user.Active)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// where accumulates AND-ed filter clauses with positional args.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

// between adds a half-open [from, to) range; zero bounds are open.
func (w *where) between(column string, from time.Time, to time.Time) {
	if !from.IsZero() {
		w.add(column+" >= $%d", from)
	}
	if !to.IsZero() {
		w.add(column+" < $%d", to)
	}
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) limit(limit int) string {
	if limit <= 0 {
		return ""
	}
	w.args = append(w.args, limit)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
