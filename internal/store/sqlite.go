package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/shsh-vms/internal/domain"
	"github.com/ashureev/shsh-vms/internal/shared"
	_ "modernc.org/sqlite"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	queries
	db *sql.DB
}

// queries implements Queries against either the pool or a transaction.
type queries struct {
	q dbtx
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// busy_timeout instead of failing at upgrade time.
	dsn := dbPath + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{queries: queries{q: db}, db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL DEFAULT 'user',
		credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		token_hash TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vms (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES users(user_id),
		runtime_handle TEXT,
		name TEXT NOT NULL,
		image TEXT NOT NULL,
		status TEXT NOT NULL,
		port INTEGER NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		memory_limit INTEGER NOT NULL,
		cpu_share INTEGER NOT NULL,
		last_started_at INTEGER,
		last_stopped_at INTEGER,
		total_runtime_seconds INTEGER NOT NULL DEFAULT 0,
		credits_consumed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_vms_live_port ON vms(port) WHERE status != 'terminated';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_vms_runtime_handle ON vms(runtime_handle) WHERE runtime_handle IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_vms_owner_status ON vms(owner_id, status);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&queries{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const userColumns = `user_id, username, role, credits, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var user domain.User
	var role string
	var createdAt, updatedAt int64

	if err := row.Scan(&user.UserID, &user.Username, &role, &user.Credits, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	user.Role = domain.Role(role)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// GetUser retrieves a user by their user ID.
func (s *queries) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// GetUserByTokenHash retrieves the user owning an API token hash.
func (s *queries) GetUserByTokenHash(ctx context.Context, tokenHash string) (*domain.User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE token_hash = ?`, tokenHash)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// CreateUser inserts a new user.
func (s *queries) CreateUser(ctx context.Context, user *domain.User, tokenHash string) error {
	if user.Credits < 0 {
		return fmt.Errorf("create user: negative credits: %w", domain.ErrInvalidRequest)
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (user_id, username, role, credits, token_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.UserID, user.Username, string(user.Role), user.Credits, tokenHash,
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if shared.IsSQLiteUniqueViolation(err) {
		return fmt.Errorf("create user %s: %w", user.Username, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// ListUsers returns all users.
func (s *queries) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer closeRows(rows, "users")

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// GetCredits returns the user's balance.
func (s *queries) GetCredits(ctx context.Context, userID string) (int64, error) {
	var credits int64
	err := s.q.QueryRowContext(ctx, `SELECT credits FROM users WHERE user_id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get credits: %w", err)
	}
	return credits, nil
}

// DebitCredits subtracts amount from the user's balance, flooring at zero.
func (s *queries) DebitCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit credits: negative amount %d: %w", amount, domain.ErrInvalidRequest)
	}
	return s.AdjustCredits(ctx, userID, -amount)
}

// AdjustCredits applies delta to the user's balance, flooring at zero.
func (s *queries) AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	var credits int64
	err := s.q.QueryRowContext(ctx, `
		UPDATE users SET credits = MAX(0, credits + ?), updated_at = ?
		WHERE user_id = ?
		RETURNING credits`,
		delta, time.Now().Unix(), userID,
	).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjust credits: %w", err)
	}
	return credits, nil
}

const vmColumns = `id, owner_id, runtime_handle, name, image, status, port, ip_address,
	memory_limit, cpu_share, last_started_at, last_stopped_at,
	total_runtime_seconds, credits_consumed, created_at, updated_at`

func scanVM(row interface{ Scan(...any) error }) (*domain.VM, error) {
	var vm domain.VM
	var handle sql.NullString
	var status string
	var startedAt, stoppedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&vm.ID, &vm.OwnerID, &handle, &vm.Name, &vm.Image, &status, &vm.Port, &vm.IPAddress,
		&vm.MemoryLimit, &vm.CPUShare, &startedAt, &stoppedAt,
		&vm.TotalRuntimeSeconds, &vm.CreditsConsumed, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	vm.RuntimeHandle = handle.String
	vm.Status = domain.VMStatus(status)
	vm.LastStartedAt = fromMillis(startedAt)
	vm.LastStoppedAt = fromMillis(stoppedAt)
	vm.CreatedAt = time.UnixMilli(createdAt)
	vm.UpdatedAt = time.UnixMilli(updatedAt)
	return &vm, nil
}

// CreateVM inserts a new VM record.
func (s *queries) CreateVM(ctx context.Context, vm *domain.VM) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO vms (`+vmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.ID, vm.OwnerID, nullString(vm.RuntimeHandle), vm.Name, vm.Image, string(vm.Status), vm.Port, vm.IPAddress,
		vm.MemoryLimit, vm.CPUShare, toMillis(vm.LastStartedAt), toMillis(vm.LastStoppedAt),
		vm.TotalRuntimeSeconds, vm.CreditsConsumed, vm.CreatedAt.UnixMilli(), vm.UpdatedAt.UnixMilli(),
	)
	if shared.IsSQLiteUniqueViolation(err) {
		if strings.Contains(err.Error(), "vms.port") {
			return fmt.Errorf("create vm %s on port %d: %w", vm.ID, vm.Port, ErrPortTaken)
		}
		return fmt.Errorf("create vm %s: %w", vm.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	return nil
}

// GetVM retrieves a VM by ID.
func (s *queries) GetVM(ctx context.Context, id string) (*domain.VM, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?`, id)
	vm, err := scanVM(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan vm row: %w", err)
	}
	return vm, nil
}

// GetVMByHandle retrieves the VM backed by a runtime handle.
func (s *queries) GetVMByHandle(ctx context.Context, handle string) (*domain.VM, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE runtime_handle = ?`, handle)
	vm, err := scanVM(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan vm row: %w", err)
	}
	return vm, nil
}

// ListVMsByOwner returns every VM owned by a user.
func (s *queries) ListVMsByOwner(ctx context.Context, ownerID string) ([]*domain.VM, error) {
	return s.listVMs(ctx, `SELECT `+vmColumns+` FROM vms WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
}

// ListActiveVMs returns all non-terminated VMs.
func (s *queries) ListActiveVMs(ctx context.Context) ([]*domain.VM, error) {
	return s.listVMs(ctx, `SELECT `+vmColumns+` FROM vms WHERE status != ? ORDER BY created_at`, string(domain.StatusTerminated))
}

func (s *queries) listVMs(ctx context.Context, query string, args ...any) ([]*domain.VM, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vms: %w", err)
	}
	defer closeRows(rows, "vms")

	var vms []*domain.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm row: %w", err)
		}
		vms = append(vms, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vms: %w", err)
	}
	return vms, nil
}

// CountActiveVMs counts a user's non-terminated VMs.
func (s *queries) CountActiveVMs(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vms WHERE owner_id = ? AND status != ?`,
		ownerID, string(domain.StatusTerminated),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active vms: %w", err)
	}
	return n, nil
}

// ListActivePorts returns the ports held by non-terminated VMs.
func (s *queries) ListActivePorts(ctx context.Context) ([]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT port FROM vms WHERE status != ? ORDER BY port`, string(domain.StatusTerminated))
	if err != nil {
		return nil, fmt.Errorf("query active ports: %w", err)
	}
	defer closeRows(rows, "ports")

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		ports = append(ports, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ports: %w", err)
	}
	return ports, nil
}

// UpdateVM writes the mutable fields of vm if the stored status equals expected.
func (s *queries) UpdateVM(ctx context.Context, vm *domain.VM, expected domain.VMStatus) error {
	now := time.Now()
	result, err := s.q.ExecContext(ctx, `
		UPDATE vms SET
			runtime_handle = ?, status = ?, ip_address = ?,
			last_started_at = ?, last_stopped_at = ?,
			total_runtime_seconds = ?, credits_consumed = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		nullString(vm.RuntimeHandle), string(vm.Status), vm.IPAddress,
		toMillis(vm.LastStartedAt), toMillis(vm.LastStoppedAt),
		vm.TotalRuntimeSeconds, vm.CreditsConsumed, now.UnixMilli(),
		vm.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update vm %s: %w", vm.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateVM affected 0 rows", "vm_id", vm.ID, "expected_status", expected)
		return fmt.Errorf("update vm %s from %s: %w", vm.ID, expected, ErrStatusConflict)
	}

	vm.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

// DeleteVM removes a VM record.
func (s *queries) DeleteVM(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM vms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete vm %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "table", what, "error", err)
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

var _ Repository = (*SQLiteStore)(nil)
