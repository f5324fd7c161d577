package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kisTradeBot/internal/domain"
	"kisTradeBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository and ports.TokenStore
// using SQLite. WAL mode keeps cross-process readers from blocking on
// the single writer.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trade_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite serializes writes itself; limiting the pool avoids lock
	// thrash in the Go driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite repository ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0,
		avg_price INTEGER NOT NULL DEFAULT 0,
		target_price INTEGER NOT NULL DEFAULT 0,
		stop_price INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		filled_at TIMESTAMP DEFAULT NULL,
		liquidated_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS shared_token (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		access_token TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
	CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

// CreatePending saves a new pending position and returns its assigned ID.
func (r *Repository) CreatePending(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, name, target_price, stop_price, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	createdAt := pos.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Name, pos.TargetPrice, pos.StopPrice, domain.StatusPending, createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	pos.Status = domain.StatusPending
	pos.CreatedAt = createdAt
	r.logger.Debug(ctx, "Pending position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// ListPending retrieves all positions awaiting a buy order, oldest first
// so earlier signals are bought first.
func (r *Repository) ListPending(ctx context.Context) ([]*domain.Position, error) {
	return r.listByStatus(ctx, domain.StatusPending, "created_at ASC")
}

// ListOpen retrieves all positions currently holding shares.
func (r *Repository) ListOpen(ctx context.Context) ([]*domain.Position, error) {
	return r.listByStatus(ctx, domain.StatusOpen, "filled_at ASC")
}

func (r *Repository) listByStatus(ctx context.Context, status domain.PositionStatus, order string) ([]*domain.Position, error) {
	query := fmt.Sprintf(`
	SELECT id, symbol, name, quantity, avg_price, target_price, stop_price, status, created_at, filled_at, liquidated_at
	FROM positions
	WHERE status = ?
	ORDER BY %s`, order)

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions with status %s: %w", status, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during list: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// UpdateStatus moves a position along one edge of the state machine.
// The WHERE clause on the expected current status makes the update a
// single-row compare-and-swap, which keeps repeated cycles idempotent.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, from, to domain.PositionStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("cannot move position %d from %s to %s: %w", id, from, to, ports.ErrInvalidTransition)
	}

	var result sql.Result
	var err error
	if to == domain.StatusLiquidated {
		const query = `UPDATE positions SET status = ?, liquidated_at = ? WHERE id = ? AND status = ?`
		result, err = r.db.ExecContext(ctx, query, to, time.Now().UTC(), id, from)
	} else {
		const query = `UPDATE positions SET status = ? WHERE id = ? AND status = ?`
		result, err = r.db.ExecContext(ctx, query, to, id, from)
	}
	if err != nil {
		return fmt.Errorf("failed to update status of position %d: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position %d was not in status %s: %w", id, from, ports.ErrConflict)
	}
	r.logger.Debug(ctx, "Position status updated", map[string]interface{}{"positionID": id, "from": from, "to": to})
	return nil
}

// RecordFill stores the buy fill and promotes the position to open in
// one guarded update.
func (r *Repository) RecordFill(ctx context.Context, id int64, quantity, avgPrice int64) error {
	const query = `
	UPDATE positions
	SET quantity = ?, avg_price = ?, status = ?, filled_at = ?
	WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		quantity, avgPrice, domain.StatusOpen, time.Now().UTC(), id, domain.StatusBuying)
	if err != nil {
		return fmt.Errorf("failed to record fill for position %d: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for fill of position %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position %d was not in status %s: %w", id, domain.StatusBuying, ports.ErrConflict)
	}
	r.logger.Debug(ctx, "Position fill recorded", map[string]interface{}{"positionID": id, "quantity": quantity, "avgPrice": avgPrice})
	return nil
}

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	const query = `
	SELECT id, symbol, name, quantity, avg_price, target_price, stop_price, status, created_at, filled_at, liquidated_at
	FROM positions
	WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// ListAll retrieves all positions, newest first.
func (r *Repository) ListAll(ctx context.Context) ([]*domain.Position, error) {
	const query = `
	SELECT id, symbol, name, quantity, avg_price, target_price, stop_price, status, created_at, filled_at, liquidated_at
	FROM positions
	ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query all positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during ListAll: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// --- TokenStore Implementation ---

// ReadToken returns the shared token, or nil, nil when none is stored.
func (r *Repository) ReadToken(ctx context.Context) (*ports.SharedToken, error) {
	const query = `SELECT access_token, expires_at FROM shared_token WHERE id = 1`

	var token ports.SharedToken
	err := r.db.QueryRowContext(ctx, query).Scan(&token.AccessToken, &token.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read shared token: %w", err)
	}
	return &token, nil
}

// UpsertToken inserts or replaces the singleton token record. The last
// successful issuance always wins; any valid token serves every process.
func (r *Repository) UpsertToken(ctx context.Context, accessToken string, expiresAt time.Time) error {
	const query = `
	INSERT INTO shared_token (id, access_token, expires_at, updated_at)
	VALUES (1, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
		access_token = excluded.access_token,
		expires_at = excluded.expires_at,
		updated_at = CURRENT_TIMESTAMP`

	if _, err := r.db.ExecContext(ctx, query, accessToken, expiresAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert shared token: %w", err)
	}
	r.logger.Debug(ctx, "Shared token upserted", map[string]interface{}{"expiresAt": expiresAt})
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var status string
	var filledAt, liquidatedAt sql.NullTime
	err := s.Scan(
		&p.ID, &p.Symbol, &p.Name, &p.Quantity, &p.AvgPrice,
		&p.TargetPrice, &p.StopPrice, &status, &p.CreatedAt, &filledAt, &liquidatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	if filledAt.Valid {
		p.FilledAt = filledAt.Time
	}
	if liquidatedAt.Valid {
		p.LiquidatedAt = liquidatedAt.Time
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}
