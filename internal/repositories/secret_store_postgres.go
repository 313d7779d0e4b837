package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/totpguard/internal/database"
	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var recoveryCodeColumns = []string{"id", "principal_id", "code_hash", "consumed_at", "created_at"}

// rowScanner abstracts pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// PostgresSecretStore implements SecretStore on PostgreSQL.
// Secrets are sealed with AES-256-GCM before they are written.
type PostgresSecretStore struct {
	db     *database.DB
	sealer SecretSealer
}

// NewPostgresSecretStore creates a new PostgreSQL secret store
func NewPostgresSecretStore(db *database.DB, sealer SecretSealer) *PostgresSecretStore {
	return &PostgresSecretStore{db: db, sealer: sealer}
}

// Load retrieves the enrollment for a principal
func (s *PostgresSecretStore) Load(ctx context.Context, principalID string) (*models.Enrollment, error) {
	query := `
		SELECT principal_id, account_name, secret_encrypted, secret_nonce,
		       algorithm, digits, period, last_consumed_counter, created_at, enabled_at
		FROM two_factor_enrollments
		WHERE principal_id = $1
	`

	e := &models.Enrollment{}
	var encrypted, nonce []byte
	var algorithm string

	err := s.db.Pool.QueryRow(ctx, query, principalID).Scan(
		&e.PrincipalID,
		&e.AccountName,
		&encrypted,
		&nonce,
		&algorithm,
		&e.Params.Digits,
		&e.Params.Period,
		&e.LastConsumedCounter,
		&e.CreatedAt,
		&e.EnabledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotEnrolled
		}
		return nil, fmt.Errorf("failed to load enrollment: %w", err)
	}
	e.Params.Algorithm = models.Algorithm(algorithm)

	e.Secret, err = s.sealer.Decrypt(encrypted, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return e, nil
}

// Create inserts a pending enrollment and its recovery codes in one transaction
func (s *PostgresSecretStore) Create(ctx context.Context, enrollment *models.Enrollment, codes []models.RecoveryCode) error {
	encrypted, nonce, err := s.sealer.Encrypt(enrollment.Secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	return s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var enabledAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT enabled_at FROM two_factor_enrollments WHERE principal_id = $1 FOR UPDATE`,
			enrollment.PrincipalID,
		).Scan(&enabledAt)
		switch {
		case err == nil && enabledAt != nil:
			return models.ErrAlreadyEnrolled
		case err == nil:
			// Pending enrollments are replaced; codes go with them via cascade
			if _, err := tx.Exec(ctx,
				`DELETE FROM two_factor_enrollments WHERE principal_id = $1`,
				enrollment.PrincipalID,
			); err != nil {
				return fmt.Errorf("failed to replace pending enrollment: %w", err)
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("failed to check existing enrollment: %w", err)
		}

		query := `
			INSERT INTO two_factor_enrollments
				(principal_id, account_name, secret_encrypted, secret_nonce, algorithm, digits, period)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at
		`
		if err := tx.QueryRow(ctx, query,
			enrollment.PrincipalID,
			enrollment.AccountName,
			encrypted,
			nonce,
			string(enrollment.Params.Algorithm),
			enrollment.Params.Digits,
			enrollment.Params.Period,
		).Scan(&enrollment.CreatedAt); err != nil {
			return fmt.Errorf("failed to create enrollment: %w", database.MapPostgresError(err))
		}

		return insertRecoveryCodes(ctx, tx, enrollment.PrincipalID, codes)
	})
}

// Activate marks a pending enrollment as enabled
func (s *PostgresSecretStore) Activate(ctx context.Context, principalID string) error {
	query := `
		UPDATE two_factor_enrollments
		SET enabled_at = NOW()
		WHERE principal_id = $1 AND enabled_at IS NULL
	`

	tag, err := s.db.Pool.Exec(ctx, query, principalID)
	if err != nil {
		return fmt.Errorf("failed to activate enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotEnrolled
	}
	return nil
}

// UpdateLastConsumedCounter is a compare-and-swap on the counter column
func (s *PostgresSecretStore) UpdateLastConsumedCounter(ctx context.Context, principalID string, counter int64) (bool, error) {
	query := `
		UPDATE two_factor_enrollments
		SET last_consumed_counter = $2
		WHERE principal_id = $1
		  AND (last_consumed_counter IS NULL OR last_consumed_counter < $2)
	`

	tag, err := s.db.Pool.Exec(ctx, query, principalID, counter)
	if err != nil {
		return false, fmt.Errorf("failed to update last consumed counter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LoadRecoveryCodes retrieves every recovery code for a principal
func (s *PostgresSecretStore) LoadRecoveryCodes(ctx context.Context, principalID string) ([]models.RecoveryCode, error) {
	query := `
		SELECT id::text, code_hash, consumed_at, created_at
		FROM two_factor_recovery_codes
		WHERE principal_id = $1
		ORDER BY created_at, id
	`

	rows, err := s.db.Pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery codes: %w", err)
	}
	defer rows.Close()

	codes := make([]models.RecoveryCode, 0)
	for rows.Next() {
		code, err := scanRecoveryCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery code: %w", err)
		}
		codes = append(codes, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovery codes: %w", err)
	}

	return codes, nil
}

// MarkRecoveryCodeConsumed consumes a code only if it is still unused
func (s *PostgresSecretStore) MarkRecoveryCodeConsumed(ctx context.Context, principalID, codeHash string) (bool, error) {
	query := `
		UPDATE two_factor_recovery_codes
		SET consumed_at = NOW()
		WHERE principal_id = $1 AND code_hash = $2 AND consumed_at IS NULL
	`

	tag, err := s.db.Pool.Exec(ctx, query, principalID, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume recovery code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReplaceRecoveryCodes deletes the old set and inserts the new one in one transaction
func (s *PostgresSecretStore) ReplaceRecoveryCodes(ctx context.Context, principalID string, codes []models.RecoveryCode) error {
	return s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT TRUE FROM two_factor_enrollments WHERE principal_id = $1 FOR UPDATE`,
			principalID,
		).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrNotEnrolled
			}
			return fmt.Errorf("failed to lock enrollment: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM two_factor_recovery_codes WHERE principal_id = $1`,
			principalID,
		); err != nil {
			return fmt.Errorf("failed to delete recovery codes: %w", err)
		}

		return insertRecoveryCodes(ctx, tx, principalID, codes)
	})
}

// Delete removes an enrollment; recovery codes cascade
func (s *PostgresSecretStore) Delete(ctx context.Context, principalID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM two_factor_enrollments WHERE principal_id = $1`,
		principalID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotEnrolled
	}
	return nil
}

// DeleteStalePending purges unconfirmed enrollments older than the cutoff
func (s *PostgresSecretStore) DeleteStalePending(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM two_factor_enrollments
		WHERE enabled_at IS NULL AND created_at < $1
	`

	tag, err := s.db.Pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale enrollments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertRecoveryCodes(ctx context.Context, tx pgx.Tx, principalID string, codes []models.RecoveryCode) error {
	if len(codes) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(codes))
	for _, c := range codes {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			id = uuid.New()
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		rows = append(rows, []interface{}{id, principalID, c.CodeHash, c.ConsumedAt, createdAt})
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"two_factor_recovery_codes"},
		recoveryCodeColumns,
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("failed to insert recovery codes: %w", database.MapPostgresError(err))
	}
	return nil
}

func scanRecoveryCode(scanner rowScanner) (models.RecoveryCode, error) {
	var c models.RecoveryCode
	err := scanner.Scan(&c.ID, &c.CodeHash, &c.ConsumedAt, &c.CreatedAt)
	return c, err
}
