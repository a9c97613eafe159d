package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goRotate/ledger/migrations"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

const pgUniqueViolation = "23505"

// PostgresStore is a Postgres-backed ledger. The family row holds the head
// pointer; ConditionalAdvance guards it with a conditional UPDATE inside a
// transaction, so row locking serializes concurrent redemptions.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type recordRow struct {
	TokenID       string       `db:"token_id"`
	FamilyID      string       `db:"family_id"`
	PrincipalID   string       `db:"principal_id"`
	IssuedAt      time.Time    `db:"issued_at"`
	ExpiresAt     time.Time    `db:"expires_at"`
	RotatedFromID string       `db:"rotated_from_id"`
	SupersededBy  string       `db:"superseded_by"`
	Revoked       bool         `db:"revoked"`
	RevokedAt     sql.NullTime `db:"revoked_at"`
	RevokedReason string       `db:"revoked_reason"`
}

func (r recordRow) toRecord() Record {
	return Record{
		TokenID:       r.TokenID,
		FamilyID:      r.FamilyID,
		PrincipalID:   r.PrincipalID,
		IssuedAt:      r.IssuedAt.UTC(),
		ExpiresAt:     r.ExpiresAt.UTC(),
		RotatedFromID: r.RotatedFromID,
		SupersededBy:  r.SupersededBy,
		Revoked:       r.Revoked,
		RevokedAt:     nullTime(r.RevokedAt),
		RevokedReason: r.RevokedReason,
	}
}

type familyRow struct {
	FamilyID      string       `db:"family_id"`
	PrincipalID   string       `db:"principal_id"`
	HeadID        string       `db:"head_id"`
	CreatedAt     time.Time    `db:"created_at"`
	Revoked       bool         `db:"revoked"`
	RevokedAt     sql.NullTime `db:"revoked_at"`
	RevokedReason string       `db:"revoked_reason"`
}

const recordColumns = `token_id, family_id, principal_id, issued_at, expires_at,
	rotated_from_id, superseded_by, revoked, revoked_at, revoked_reason`

const familyColumns = `family_id, principal_id, head_id, created_at, revoked, revoked_at, revoked_reason`

// NewPostgresStore wraps an open database handle. The handle is expected to use
// the pgx driver; see OpenPostgres.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  sqlx.NewDb(db, "pgx"),
		now: time.Now,
	}
}

// OpenPostgres opens and pings a pgx connection pool for dsn.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return NewPostgresStore(db), nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	if err := gooseUpContext(ctx, s.db.DB, "."); err != nil {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateFamily inserts the family and its first record in one transaction.
func (s *PostgresStore) CreateFamily(ctx context.Context, family Family, first Record) error {
	if err := validateCreate(family, first); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_families (family_id, principal_id, head_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		family.FamilyID, family.PrincipalID, family.HeadID, family.CreatedAt.UTC(),
	); err != nil {
		return classifyWrite(err)
	}

	if err := insertRecord(ctx, tx, first); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Lookup returns the record for tokenID.
func (s *PostgresStore) Lookup(ctx context.Context, tokenID string) (*Record, error) {
	if tokenID == "" {
		return nil, ErrNotFound
	}
	var row recordRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+recordColumns+` FROM refresh_records WHERE token_id = $1`, tokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	rec := row.toRecord()
	return &rec, nil
}

// ConditionalAdvance moves the family head from expectedHeadID to next.TokenID.
//
//	Security: the first statement is the compare-and-set. If it affects no row
//	the transaction is rolled back and nothing is written.
func (s *PostgresStore) ConditionalAdvance(ctx context.Context, familyID, expectedHeadID string, next Record) error {
	if err := validateAdvance(familyID, expectedHeadID, next); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_families SET head_id = $3
		WHERE family_id = $1 AND head_id = $2 AND revoked = FALSE`,
		familyID, expectedHeadID, next.TokenID,
	)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		var revoked bool
		err := tx.GetContext(ctx, &revoked,
			`SELECT revoked FROM refresh_families WHERE family_id = $1`, familyID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return unavailable(err)
		case revoked:
			return ErrFamilyRevoked
		default:
			return ErrHeadMismatch
		}
	}

	if err := insertRecord(ctx, tx, next); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_records SET superseded_by = $2 WHERE token_id = $1`,
		expectedHeadID, next.TokenID,
	); err != nil {
		return unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// RevokeFamily marks the family and all of its records revoked. Repeated calls
// are no-ops and keep the first reason.
func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_families SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE family_id = $1 AND revoked = FALSE`,
		familyID, now, reason,
	)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM refresh_families WHERE family_id = $1)`, familyID); err != nil {
			return unavailable(err)
		}
		if !exists {
			return ErrNotFound
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_records SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE family_id = $1 AND revoked = FALSE`,
		familyID, now, reason,
	); err != nil {
		return unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// IsFamilyRevoked reports the family's revoked flag.
func (s *PostgresStore) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	var revoked bool
	err := s.db.GetContext(ctx, &revoked,
		`SELECT revoked FROM refresh_families WHERE family_id = $1`, familyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, unavailable(err)
	}
	return revoked, nil
}

// GetFamily returns the family header including its current head.
func (s *PostgresStore) GetFamily(ctx context.Context, familyID string) (*Family, error) {
	var row familyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+familyColumns+` FROM refresh_families WHERE family_id = $1`, familyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &Family{
		FamilyID:      row.FamilyID,
		PrincipalID:   row.PrincipalID,
		HeadID:        row.HeadID,
		CreatedAt:     row.CreatedAt.UTC(),
		Revoked:       row.Revoked,
		RevokedAt:     nullTime(row.RevokedAt),
		RevokedReason: row.RevokedReason,
	}, nil
}

// ListFamilyRecords returns every record of the family ordered along the chain.
func (s *PostgresStore) ListFamilyRecords(ctx context.Context, familyID string) ([]Record, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+recordColumns+` FROM refresh_records WHERE family_id = $1 ORDER BY issued_at`, familyID)
	if err != nil {
		return nil, unavailable(err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = row.toRecord()
	}
	return OrderChain(records), nil
}

// RevokePrincipal revokes every live family of principalID in one transaction
// and returns how many were newly revoked.
func (s *PostgresStore) RevokePrincipal(ctx context.Context, principalID, reason string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	var familyIDs []string
	if err := tx.SelectContext(ctx, &familyIDs,
		`UPDATE refresh_families SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE principal_id = $1 AND revoked = FALSE
		RETURNING family_id`,
		principalID, now, reason,
	); err != nil {
		return 0, unavailable(err)
	}
	if len(familyIDs) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_records SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE principal_id = $1 AND revoked = FALSE`,
		principalID, now, reason,
	); err != nil {
		return 0, unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}
	return len(familyIDs), nil
}

// Ping checks database availability and returns the round-trip latency.
func (s *PostgresStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return time.Since(start), unavailable(err)
	}
	return time.Since(start), nil
}

func insertRecord(ctx context.Context, tx *sqlx.Tx, r Record) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_records (token_id, family_id, principal_id, issued_at, expires_at, rotated_from_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.TokenID, r.FamilyID, r.PrincipalID, r.IssuedAt.UTC(), r.ExpiresAt.UTC(), r.RotatedFromID,
	); err != nil {
		return classifyWrite(err)
	}
	return nil
}

func classifyWrite(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrConflict
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func nullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
