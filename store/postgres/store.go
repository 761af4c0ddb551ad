// Package postgres implements goMFA.ProfileStore on PostgreSQL with pgx.
//
// Every compare-and-set in the ProfileStore contract is a single conditional
// UPDATE, so concurrent callers serialize on the row lock and exactly one of
// them observes the transition.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a pgx-backed [goMFA.ProfileStore].
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

var _ goMFA.ProfileStore = (*Store)(nil)

// NewStore opens a pool for dsn and takes ownership of it.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Store{pool: pool, ownsPool: true}, nil
}

// NewStoreFromPool wraps an existing pool.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool if the store owns it.
func (s *Store) Close() {
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the pool, e.g. for the Postgres audit log.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) withTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func bit(f goMFA.Factor) int16 {
	return int16(goMFA.NewFactorSet(f))
}

const profileColumns = `user_id, methods, totp_secret, last_totp_step, backup_code_hashes,
	failed_attempt_count, last_success_at, email, email_verified, whatsapp, whatsapp_verified`

// GetProfile implements [goMFA.ProfileStore].
func (s *Store) GetProfile(ctx context.Context, userID string) (*goMFA.Profile, error) {
	var (
		p           goMFA.Profile
		methods     int16
		lastSuccess *time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM mfa_profiles WHERE user_id = $1`, userID).Scan(
		&p.UserID,
		&methods,
		&p.TOTPSecret,
		&p.LastTOTPStep,
		&p.BackupCodeHashes,
		&p.FailedAttemptCount,
		&lastSuccess,
		&p.Email,
		&p.EmailVerified,
		&p.WhatsApp,
		&p.WhatsAppVerified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, goMFA.ErrProfileNotFound
		}
		return nil, fmt.Errorf("get mfa profile: %w", err)
	}
	p.Methods = goMFA.FactorSet(methods)
	p.Enabled = !p.Methods.Empty()
	if lastSuccess != nil {
		p.LastSuccessAt = *lastSuccess
	}
	return &p, nil
}

// SetTOTPSecret implements [goMFA.ProfileStore].
func (s *Store) SetTOTPSecret(ctx context.Context, userID string, sealed []byte, step int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mfa_profiles (user_id, methods, totp_secret, last_totp_step)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			methods        = mfa_profiles.methods | EXCLUDED.methods,
			totp_secret    = EXCLUDED.totp_secret,
			last_totp_step = EXCLUDED.last_totp_step,
			updated_at     = now()`,
		userID, bit(goMFA.FactorTOTP), sealed, step)
	if err != nil {
		return fmt.Errorf("set totp secret: %w", err)
	}
	return nil
}

// AdvanceTOTPStep implements [goMFA.ProfileStore].
func (s *Store) AdvanceTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mfa_profiles SET last_totp_step = $2, updated_at = now()
		WHERE user_id = $1 AND last_totp_step < $2`,
		userID, step)
	if err != nil {
		return false, fmt.Errorf("advance totp step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReplaceBackupCodes implements [goMFA.ProfileStore].
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error {
	if hashes == nil {
		hashes = []string{}
	}
	var methods int16
	if len(hashes) > 0 {
		methods = bit(goMFA.FactorBackup)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mfa_profiles (user_id, methods, backup_code_hashes)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			methods            = (mfa_profiles.methods & ~$4::smallint) | EXCLUDED.methods,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			updated_at         = now()`,
		userID, methods, hashes, bit(goMFA.FactorBackup))
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	return nil
}

// ConsumeBackupCode implements [goMFA.ProfileStore].
func (s *Store) ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mfa_profiles SET
			backup_code_hashes = array_remove(backup_code_hashes, $2),
			methods = CASE
				WHEN cardinality(array_remove(backup_code_hashes, $2)) = 0 THEN methods & ~$3::smallint
				ELSE methods
			END,
			updated_at = now()
		WHERE user_id = $1 AND $2 = ANY(backup_code_hashes)`,
		userID, hash, bit(goMFA.FactorBackup))
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetContact implements [goMFA.ProfileStore].
func (s *Store) SetContact(ctx context.Context, userID string, factor goMFA.Factor, destination string) error {
	var query string
	switch factor {
	case goMFA.FactorEmail:
		query = `
			INSERT INTO mfa_profiles (user_id, methods, email, email_verified)
			VALUES ($1, $2, $3, TRUE)
			ON CONFLICT (user_id) DO UPDATE SET
				methods        = mfa_profiles.methods | EXCLUDED.methods,
				email          = EXCLUDED.email,
				email_verified = TRUE,
				updated_at     = now()`
	case goMFA.FactorWhatsApp:
		query = `
			INSERT INTO mfa_profiles (user_id, methods, whatsapp, whatsapp_verified)
			VALUES ($1, $2, $3, TRUE)
			ON CONFLICT (user_id) DO UPDATE SET
				methods           = mfa_profiles.methods | EXCLUDED.methods,
				whatsapp          = EXCLUDED.whatsapp,
				whatsapp_verified = TRUE,
				updated_at        = now()`
	default:
		return goMFA.ErrUnsupportedFactor
	}
	if _, err := s.pool.Exec(ctx, query, userID, bit(factor), destination); err != nil {
		return fmt.Errorf("set contact: %w", err)
	}
	return nil
}

// RecordFailure implements [goMFA.ProfileStore].
func (s *Store) RecordFailure(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mfa_profiles (user_id, failed_attempt_count)
		VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET
			failed_attempt_count = mfa_profiles.failed_attempt_count + 1,
			updated_at           = now()
		RETURNING failed_attempt_count`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return count, nil
}

// RecordSuccess implements [goMFA.ProfileStore].
func (s *Store) RecordSuccess(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mfa_profiles SET failed_attempt_count = 0, last_success_at = $2, updated_at = now()
		WHERE user_id = $1`,
		userID, at)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// ListPasskeys implements [goMFA.ProfileStore].
func (s *Store) ListPasskeys(ctx context.Context, userID string) ([]goMFA.PasskeyCredential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT credential_id, user_id, public_key, attestation_type, aaguid, sign_count,
			backup_eligible, backup_state, device_type, transports, friendly_name, created_at, last_used_at
		FROM mfa_passkeys WHERE user_id = $1 ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	var out []goMFA.PasskeyCredential
	for rows.Next() {
		var (
			c         goMFA.PasskeyCredential
			signCount int64
			lastUsed  *time.Time
		)
		if err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.PublicKey,
			&c.AttestationType,
			&c.AAGUID,
			&signCount,
			&c.BackupEligible,
			&c.BackupState,
			&c.DeviceType,
			&c.Transports,
			&c.FriendlyName,
			&c.CreatedAt,
			&lastUsed,
		); err != nil {
			return nil, fmt.Errorf("scan passkey: %w", err)
		}
		c.SignCount = uint32(signCount)
		if lastUsed != nil {
			c.LastUsedAt = *lastUsed
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	return out, nil
}

// AddPasskey implements [goMFA.ProfileStore].
func (s *Store) AddPasskey(ctx context.Context, cred goMFA.PasskeyCredential) error {
	transports := cred.Transports
	if transports == nil {
		transports = []string{}
	}
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO mfa_passkeys (credential_id, user_id, public_key, attestation_type, aaguid,
				sign_count, backup_eligible, backup_state, transports, friendly_name, created_at, last_used_at,
				device_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (credential_id) DO UPDATE SET
				public_key    = EXCLUDED.public_key,
				sign_count    = EXCLUDED.sign_count,
				backup_state  = EXCLUDED.backup_state,
				transports    = EXCLUDED.transports,
				friendly_name = EXCLUDED.friendly_name
			WHERE mfa_passkeys.user_id = EXCLUDED.user_id`,
			cred.ID, cred.UserID, cred.PublicKey, cred.AttestationType, cred.AAGUID,
			int64(cred.SignCount), cred.BackupEligible, cred.BackupState, transports,
			cred.FriendlyName, cred.CreatedAt, cred.LastUsedAt, cred.DeviceType,
		); err != nil {
			return fmt.Errorf("insert passkey: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO mfa_profiles (user_id, methods) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET
				methods    = mfa_profiles.methods | EXCLUDED.methods,
				updated_at = now()`,
			cred.UserID, bit(goMFA.FactorPasskey),
		); err != nil {
			return fmt.Errorf("enable passkey factor: %w", err)
		}
		return nil
	})
}

// UpdatePasskeyUsage implements [goMFA.ProfileStore].
func (s *Store) UpdatePasskeyUsage(ctx context.Context, userID string, credentialID []byte, signCount uint32, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mfa_passkeys SET sign_count = $3, last_used_at = $4
		WHERE user_id = $1 AND credential_id = $2
			AND (sign_count < $3 OR (sign_count = 0 AND $3 = 0))`,
		userID, credentialID, int64(signCount), at)
	if err != nil {
		return false, fmt.Errorf("update passkey usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PutTrustedDevice implements [goMFA.ProfileStore].
func (s *Store) PutTrustedDevice(ctx context.Context, d goMFA.TrustedDevice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mfa_trusted_devices (device_id, user_id, fingerprint_hash, created_at, last_seen_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.DeviceID, d.UserID, d.FingerprintHash, d.CreatedAt, d.LastSeenAt, d.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put trusted device: %w", err)
	}
	return nil
}

// GetTrustedDevice implements [goMFA.ProfileStore].
func (s *Store) GetTrustedDevice(ctx context.Context, userID, deviceID string) (*goMFA.TrustedDevice, error) {
	var d goMFA.TrustedDevice
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, user_id, fingerprint_hash, created_at, last_seen_at, expires_at
		FROM mfa_trusted_devices WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID).Scan(&d.DeviceID, &d.UserID, &d.FingerprintHash, &d.CreatedAt, &d.LastSeenAt, &d.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, goMFA.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("get trusted device: %w", err)
	}
	return &d, nil
}

// TouchTrustedDevice implements [goMFA.ProfileStore].
func (s *Store) TouchTrustedDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mfa_trusted_devices SET last_seen_at = $3 WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID, at)
	if err != nil {
		return fmt.Errorf("touch trusted device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return goMFA.ErrDeviceNotFound
	}
	return nil
}

// DeleteTrustedDevice implements [goMFA.ProfileStore].
func (s *Store) DeleteTrustedDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mfa_trusted_devices WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("delete trusted device: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountTrustedDevices implements [goMFA.ProfileStore].
func (s *Store) CountTrustedDevices(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM mfa_trusted_devices WHERE user_id = $1 AND expires_at > $2`,
		userID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trusted devices: %w", err)
	}
	return n, nil
}

// ResetProfile implements [goMFA.ProfileStore].
func (s *Store) ResetProfile(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, q := range []string{
			`DELETE FROM mfa_trusted_devices WHERE user_id = $1`,
			`DELETE FROM mfa_passkeys WHERE user_id = $1`,
			`DELETE FROM mfa_profiles WHERE user_id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, userID); err != nil {
				return fmt.Errorf("reset profile: %w", err)
			}
		}
		return nil
	})
}

// DeleteExpiredDevices removes trusted devices that expired before now and
// reports how many were removed. It is meant for a periodic cleanup job.
func (s *Store) DeleteExpiredDevices(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mfa_trusted_devices WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired devices: %w", err)
	}
	return tag.RowsAffected(), nil
}
