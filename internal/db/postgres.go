package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fils-quiz-bot/config"
	"fils-quiz-bot/internal/models"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const pgUniqueViolation = "23505"

const (
	constraintPromoCode  = "promo_codes_pkey"
	constraintPromoOwner = "promo_codes_owner_key"
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		telegram_id BIGINT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		language_code TEXT NOT NULL DEFAULT '',
		is_bot BOOLEAN NOT NULL DEFAULT FALSE,
		phone TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_active_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		telegram_id BIGINT NOT NULL,
		question_index INTEGER NOT NULL,
		answers TEXT[] NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (cardinality(answers) = question_index)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_in_progress
		ON sessions (telegram_id) WHERE status = 'in_progress'`,
	`CREATE INDEX IF NOT EXISTS sessions_user_created ON sessions (telegram_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS promo_codes (
		code TEXT NOT NULL,
		telegram_id BIGINT NOT NULL,
		discount INTEGER NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		redeemed BOOLEAN NOT NULL DEFAULT FALSE,
		CONSTRAINT promo_codes_pkey PRIMARY KEY (code),
		CONSTRAINT promo_codes_owner_key UNIQUE (telegram_id)
	)`,
}

type PostgresDB struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresDB(cfg config.DBConfig) (*PostgresDB, error) {
	connStr := cfg.URL
	if connStr == "" {
		connStr = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.MaxOpenConns,
		)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DB connection string: %w", err)
	}

	// Set connection pool parameters
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnLifetime
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	// Connect with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &PostgresDB{pool: pool, timeout: timeout}, nil
}

// Migrate creates the tables and indexes if they don't exist.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (db *PostgresDB) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return nil
}

func (db *PostgresDB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

func (db *PostgresDB) UpsertUser(ctx context.Context, user *models.User) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        INSERT INTO users (telegram_id, username, first_name, last_name, language_code, is_bot, created_at, updated_at, last_active_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7)
        ON CONFLICT (telegram_id) DO UPDATE
        SET username = EXCLUDED.username, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
            language_code = EXCLUDED.language_code, is_bot = EXCLUDED.is_bot,
            updated_at = EXCLUDED.updated_at, last_active_at = EXCLUDED.last_active_at
    `

	_, err := db.pool.Exec(ctx, query,
		user.TelegramID, user.Username, user.FirstName, user.LastName,
		user.LanguageCode, user.IsBot, user.LastActiveAt,
	)
	if err != nil {
		return unavailable("upsert user", err)
	}
	return nil
}

func (db *PostgresDB) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        SELECT telegram_id, username, first_name, last_name, language_code, is_bot, phone,
               created_at, updated_at, last_active_at
        FROM users
        WHERE telegram_id = $1
    `

	var user models.User
	err := db.pool.QueryRow(ctx, query, telegramID).Scan(
		&user.TelegramID, &user.Username, &user.FirstName, &user.LastName,
		&user.LanguageCode, &user.IsBot, &user.Phone,
		&user.CreatedAt, &user.UpdatedAt, &user.LastActiveAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}

	return &user, nil
}

func (db *PostgresDB) SetUserPhone(ctx context.Context, telegramID int64, phone string, at time.Time) (bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        UPDATE users
        SET phone = $2, updated_at = $3, last_active_at = $3
        WHERE telegram_id = $1 AND phone = ''
    `

	tag, err := db.pool.Exec(ctx, query, telegramID, phone, at)
	if err != nil {
		return false, unavailable("set user phone", err)
	}
	return tag.RowsAffected() == 1, nil
}

const pgSessionColumns = `id, telegram_id, question_index, answers, status, result, version, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s      models.Session
		status string
	)
	err := row.Scan(
		&s.ID, &s.TelegramID, &s.QuestionIndex, &s.Answers, &status,
		&s.Result, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	if s.Answers == nil {
		s.Answers = []string{}
	}
	return &s, nil
}

func (db *PostgresDB) CreateSession(ctx context.Context, s *models.Session) (*models.Session, bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	insert := `
        INSERT INTO sessions (` + pgSessionColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (telegram_id) WHERE status = 'in_progress' DO NOTHING
    `
	selectOpen := `
        SELECT ` + pgSessionColumns + `
        FROM sessions
        WHERE telegram_id = $1 AND status = 'in_progress'
    `

	// The open session we collided with can complete before we read it back,
	// so the insert is retried a few times.
	for attempt := 0; attempt < 3; attempt++ {
		answers := s.Answers
		if answers == nil {
			answers = []string{}
		}
		tag, err := db.pool.Exec(ctx, insert,
			s.ID, s.TelegramID, s.QuestionIndex, answers, string(s.Status),
			s.Result, s.Version, s.CreatedAt, s.UpdatedAt,
		)
		if err != nil {
			return nil, false, unavailable("create session", err)
		}
		if tag.RowsAffected() == 1 {
			cp := s.Clone()
			return &cp, true, nil
		}

		existing, err := scanSession(db.pool.QueryRow(ctx, selectOpen, s.TelegramID))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, false, unavailable("load open session", err)
		}
		return existing, false, nil
	}
	return nil, false, ErrConflict
}

func (db *PostgresDB) GetLatestSession(ctx context.Context, telegramID int64) (*models.Session, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        SELECT ` + pgSessionColumns + `
        FROM sessions
        WHERE telegram_id = $1
        ORDER BY (status = 'in_progress') DESC, created_at DESC
        LIMIT 1
    `

	s, err := scanSession(db.pool.QueryRow(ctx, query, telegramID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get latest session", err)
	}
	return s, nil
}

func (db *PostgresDB) UpdateSession(ctx context.Context, s *models.Session) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        UPDATE sessions
        SET question_index = $3, answers = $4, status = $5, result = $6,
            version = version + 1, updated_at = $7
        WHERE id = $1 AND version = $2
    `

	tag, err := db.pool.Exec(ctx, query,
		s.ID, s.Version, s.QuestionIndex, s.Answers, string(s.Status), s.Result, s.UpdatedAt,
	)
	if err != nil {
		return unavailable("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	s.Version++
	return nil
}

func (db *PostgresDB) InsertPromoCode(ctx context.Context, p *models.PromoCode) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        INSERT INTO promo_codes (code, telegram_id, discount, issued_at, expires_at, redeemed)
        VALUES ($1, $2, $3, $4, $5, $6)
    `

	_, err := db.pool.Exec(ctx, query,
		p.Code, p.TelegramID, p.Discount, p.IssuedAt, p.ExpiresAt, p.Redeemed,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case constraintPromoOwner:
			return ErrPromoExists
		case constraintPromoCode:
			return ErrCodeTaken
		}
	}
	return unavailable("insert promo code", err)
}

func (db *PostgresDB) GetPromoCode(ctx context.Context, telegramID int64) (*models.PromoCode, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        SELECT code, telegram_id, discount, issued_at, expires_at, redeemed
        FROM promo_codes
        WHERE telegram_id = $1
    `

	var p models.PromoCode
	err := db.pool.QueryRow(ctx, query, telegramID).Scan(
		&p.Code, &p.TelegramID, &p.Discount, &p.IssuedAt, &p.ExpiresAt, &p.Redeemed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get promo code", err)
	}
	return &p, nil
}

func (db *PostgresDB) ListUsers(ctx context.Context, limit, offset int) ([]models.UserSummary, error) {
	limit, offset = normalizePage(limit, offset)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        SELECT u.telegram_id, u.username, u.first_name, u.last_name, u.language_code, u.is_bot,
               u.phone, u.created_at, u.updated_at, u.last_active_at,
               COALESCE((
                   SELECT s.result FROM sessions s
                   WHERE s.telegram_id = u.telegram_id AND s.status = 'completed'
                   ORDER BY s.updated_at DESC
                   LIMIT 1
               ), '') AS last_result
        FROM users u
        ORDER BY u.created_at DESC, u.telegram_id DESC
        LIMIT $1 OFFSET $2
    `

	rows, err := db.pool.Query(ctx, query, limit, offset)
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

func (db *PostgresDB) ListPromoCodes(ctx context.Context, limit, offset int) ([]models.PromoCode, error) {
	limit, offset = normalizePage(limit, offset)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
        SELECT code, telegram_id, discount, issued_at, expires_at, redeemed
        FROM promo_codes
        ORDER BY issued_at DESC, code
        LIMIT $1 OFFSET $2
    `

	rows, err := db.pool.Query(ctx, query, limit, offset)
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

func (db *PostgresDB) Stats(ctx context.Context) (*models.Stats, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	st := &models.Stats{ByRecommendation: make(map[string]int)}

	counts := `
        SELECT
            (SELECT COUNT(*) FROM users),
            (SELECT COUNT(*) FROM users WHERE phone <> ''),
            (SELECT COUNT(*) FROM sessions WHERE status = 'completed'),
            (SELECT COUNT(*) FROM sessions WHERE status = 'in_progress'),
            (SELECT COUNT(*) FROM promo_codes)
    `
	if err := db.pool.QueryRow(ctx, counts).Scan(
		&st.Users, &st.Contacts, &st.Completed, &st.InProgress, &st.PromoCodes,
	); err != nil {
		return nil, unavailable("stats counts", err)
	}

	rows, err := db.pool.Query(ctx, `
        SELECT result, COUNT(*) FROM sessions
        WHERE status = 'completed'
        GROUP BY result
    `)
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
