package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fils-quiz-bot/internal/models"

	"github.com/mattn/go-sqlite3"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		telegram_id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		language_code TEXT NOT NULL DEFAULT '',
		is_bot INTEGER NOT NULL DEFAULT 0,
		phone TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_active_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		telegram_id INTEGER NOT NULL,
		question_index INTEGER NOT NULL,
		answers TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_in_progress
		ON sessions (telegram_id) WHERE status = 'in_progress'`,
	`CREATE INDEX IF NOT EXISTS sessions_user_seq ON sessions (telegram_id, seq)`,
	`CREATE TABLE IF NOT EXISTS promo_codes (
		code TEXT PRIMARY KEY,
		telegram_id INTEGER NOT NULL UNIQUE,
		discount INTEGER NOT NULL,
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		redeemed INTEGER NOT NULL DEFAULT 0
	)`,
}

// SQLiteDB is the single-file store for deployments without Postgres.
type SQLiteDB struct {
	conn    *sql.DB
	timeout time.Duration
}

// NewSQLiteDB opens (or creates) the database file and initializes the schema.
func NewSQLiteDB(path string, timeout time.Duration) (*SQLiteDB, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time keeps conditional writes serialized.
	conn.SetMaxOpenConns(1)

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	db := &SQLiteDB{conn: conn, timeout: timeout}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *SQLiteDB) initSchema() error {
	for _, query := range sqliteSchema {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

func (db *SQLiteDB) Close() error {
	return db.conn.Close()
}

func (db *SQLiteDB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

func (db *SQLiteDB) UpsertUser(ctx context.Context, user *models.User) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `INSERT INTO users (
		telegram_id, username, first_name, last_name, language_code, is_bot,
		created_at, updated_at, last_active_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(telegram_id) DO UPDATE SET
		username = excluded.username,
		first_name = excluded.first_name,
		last_name = excluded.last_name,
		language_code = excluded.language_code,
		is_bot = excluded.is_bot,
		updated_at = excluded.updated_at,
		last_active_at = excluded.last_active_at`

	at := user.LastActiveAt.UTC()
	_, err := db.conn.ExecContext(ctx, query,
		user.TelegramID, user.Username, user.FirstName, user.LastName, user.LanguageCode, user.IsBot,
		at, at, at,
	)
	if err != nil {
		return unavailable("upsert user", err)
	}
	return nil
}

func (db *SQLiteDB) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `SELECT telegram_id, username, first_name, last_name, language_code, is_bot, phone,
		created_at, updated_at, last_active_at
	FROM users WHERE telegram_id = ?`

	var u models.User
	err := db.conn.QueryRowContext(ctx, query, telegramID).Scan(
		&u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.LanguageCode, &u.IsBot, &u.Phone,
		&u.CreatedAt, &u.UpdatedAt, &u.LastActiveAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return &u, nil
}

func (db *SQLiteDB) SetUserPhone(ctx context.Context, telegramID int64, phone string, at time.Time) (bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET phone = ?, updated_at = ?, last_active_at = ? WHERE telegram_id = ? AND phone = ''`,
		phone, at.UTC(), at.UTC(), telegramID,
	)
	if err != nil {
		return false, unavailable("set user phone", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("set user phone", err)
	}
	return n == 1, nil
}

const sqliteSessionColumns = `id, telegram_id, question_index, answers, status, result, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*models.Session, error) {
	var (
		s       models.Session
		answers string
		status  string
	)
	if err := row.Scan(
		&s.ID, &s.TelegramID, &s.QuestionIndex, &answers, &status,
		&s.Result, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answers), &s.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if s.Answers == nil {
		s.Answers = []string{}
	}
	s.Status = models.SessionStatus(status)
	return &s, nil
}

func encodeAnswers(answers []string) (string, error) {
	if answers == nil {
		answers = []string{}
	}
	b, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("encode answers: %w", err)
	}
	return string(b), nil
}

func (db *SQLiteDB) CreateSession(ctx context.Context, s *models.Session) (*models.Session, bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	answers, err := encodeAnswers(s.Answers)
	if err != nil {
		return nil, false, err
	}

	// seq orders a user's sessions even when timestamps collide.
	insert := `INSERT INTO sessions (
		id, telegram_id, question_index, answers, status, result, version, seq, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?,
		(SELECT COALESCE(MAX(seq), 0) + 1 FROM sessions WHERE telegram_id = ?), ?, ?)
	ON CONFLICT(telegram_id) WHERE status = 'in_progress' DO NOTHING`

	for attempt := 0; attempt < 3; attempt++ {
		res, err := db.conn.ExecContext(ctx, insert,
			s.ID, s.TelegramID, s.QuestionIndex, answers, string(s.Status), s.Result, s.Version,
			s.TelegramID, s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
		)
		if err != nil {
			return nil, false, unavailable("create session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, unavailable("create session", err)
		}
		if n == 1 {
			cp := s.Clone()
			return &cp, true, nil
		}

		existing, err := scanSQLiteSession(db.conn.QueryRowContext(ctx,
			`SELECT `+sqliteSessionColumns+` FROM sessions WHERE telegram_id = ? AND status = 'in_progress'`,
			s.TelegramID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, false, unavailable("load open session", err)
		}
		return existing, false, nil
	}
	return nil, false, ErrConflict
}

func (db *SQLiteDB) GetLatestSession(ctx context.Context, telegramID int64) (*models.Session, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + sqliteSessionColumns + ` FROM sessions
	WHERE telegram_id = ?
	ORDER BY (status = 'in_progress') DESC, seq DESC
	LIMIT 1`

	s, err := scanSQLiteSession(db.conn.QueryRowContext(ctx, query, telegramID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get latest session", err)
	}
	return s, nil
}

func (db *SQLiteDB) UpdateSession(ctx context.Context, s *models.Session) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	answers, err := encodeAnswers(s.Answers)
	if err != nil {
		return err
	}

	res, err := db.conn.ExecContext(ctx,
		`UPDATE sessions SET question_index = ?, answers = ?, status = ?, result = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		s.QuestionIndex, answers, string(s.Status), s.Result, s.UpdatedAt.UTC(), s.ID, s.Version,
	)
	if err != nil {
		return unavailable("update session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update session", err)
	}
	if n == 0 {
		return ErrConflict
	}
	s.Version++
	return nil
}

func (db *SQLiteDB) InsertPromoCode(ctx context.Context, p *models.PromoCode) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO promo_codes (code, telegram_id, discount, issued_at, expires_at, redeemed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Code, p.TelegramID, p.Discount, p.IssuedAt.UTC(), p.ExpiresAt.UTC(), p.Redeemed,
	)
	if err == nil {
		return nil
	}

	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return ErrCodeTaken
	}
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		if strings.Contains(sqlErr.Error(), "promo_codes.telegram_id") {
			return ErrPromoExists
		}
		return ErrCodeTaken
	}
	return unavailable("insert promo code", err)
}

func (db *SQLiteDB) GetPromoCode(ctx context.Context, telegramID int64) (*models.PromoCode, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var p models.PromoCode
	err := db.conn.QueryRowContext(ctx,
		`SELECT code, telegram_id, discount, issued_at, expires_at, redeemed FROM promo_codes WHERE telegram_id = ?`,
		telegramID,
	).Scan(&p.Code, &p.TelegramID, &p.Discount, &p.IssuedAt, &p.ExpiresAt, &p.Redeemed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get promo code", err)
	}
	return &p, nil
}

func (db *SQLiteDB) ListUsers(ctx context.Context, limit, offset int) ([]models.UserSummary, error) {
	limit, offset = normalizePage(limit, offset)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `SELECT
		u.telegram_id, u.username, u.first_name, u.last_name, u.language_code, u.is_bot,
		u.phone, u.created_at, u.updated_at, u.last_active_at,
		COALESCE((
			SELECT s.result FROM sessions s
			WHERE s.telegram_id = u.telegram_id AND s.status = 'completed'
			ORDER BY s.seq DESC
			LIMIT 1
		), '')
	FROM users u
	ORDER BY u.created_at DESC, u.telegram_id DESC
	LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	out := make([]models.UserSummary, 0, limit)
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(
			&u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.LanguageCode, &u.IsBot,
			&u.Phone, &u.CreatedAt, &u.UpdatedAt, &u.LastActiveAt, &u.LastResult,
		); err != nil {
			return nil, unavailable("scan user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return out, nil
}

func (db *SQLiteDB) ListPromoCodes(ctx context.Context, limit, offset int) ([]models.PromoCode, error) {
	limit, offset = normalizePage(limit, offset)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT code, telegram_id, discount, issued_at, expires_at, redeemed
		FROM promo_codes ORDER BY issued_at DESC, code LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, unavailable("list promo codes", err)
	}
	defer rows.Close()

	out := make([]models.PromoCode, 0, limit)
	for rows.Next() {
		var p models.PromoCode
		if err := rows.Scan(&p.Code, &p.TelegramID, &p.Discount, &p.IssuedAt, &p.ExpiresAt, &p.Redeemed); err != nil {
			return nil, unavailable("scan promo code", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list promo codes", err)
	}
	return out, nil
}

func (db *SQLiteDB) Stats(ctx context.Context) (*models.Stats, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	st := &models.Stats{ByRecommendation: make(map[string]int)}
	if err := db.conn.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM users WHERE phone <> ''),
		(SELECT COUNT(*) FROM sessions WHERE status = 'completed'),
		(SELECT COUNT(*) FROM sessions WHERE status = 'in_progress'),
		(SELECT COUNT(*) FROM promo_codes)`,
	).Scan(&st.Users, &st.Contacts, &st.Completed, &st.InProgress, &st.PromoCodes); err != nil {
		return nil, unavailable("stats counts", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT result, COUNT(*) FROM sessions WHERE status = 'completed' GROUP BY result`)
	if err != nil {
		return nil, unavailable("stats by recommendation", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			result string
			n      int
		)
		if err := rows.Scan(&result, &n); err != nil {
			return nil, unavailable("scan stats", err)
		}
		st.ByRecommendation[result] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("stats by recommendation", err)
	}
	return st, nil
}
