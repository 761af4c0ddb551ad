package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("mfa"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn, "up"))
	require.NoError(t, Migrate(dsn, "up"), "second run is a no-op")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewStoreFromPool(pool)
}

func TestPostgresStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("missing profile", func(t *testing.T) {
		_, err := s.GetProfile(ctx, "ghost")
		require.ErrorIs(t, err, goMFA.ErrProfileNotFound)
	})

	t.Run("totp step compare and set", func(t *testing.T) {
		require.NoError(t, s.SetTOTPSecret(ctx, "u-totp", []byte{1, 2, 3}, 100))

		ok, err := s.AdvanceTOTPStep(ctx, "u-totp", 100)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.AdvanceTOTPStep(ctx, "u-totp", 101)
		require.NoError(t, err)
		assert.True(t, ok)

		p, err := s.GetProfile(ctx, "u-totp")
		require.NoError(t, err)
		assert.True(t, p.Enabled)
		assert.True(t, p.Methods.Has(goMFA.FactorTOTP))
		assert.Equal(t, []byte{1, 2, 3}, p.TOTPSecret)
		assert.Equal(t, int64(101), p.LastTOTPStep)
	})

	t.Run("backup code consumed once under race", func(t *testing.T) {
		require.NoError(t, s.ReplaceBackupCodes(ctx, "u-backup", []string{"h1", "h2", "h3"}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := s.ConsumeBackupCode(ctx, "u-backup", "h2"); err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		p, err := s.GetProfile(ctx, "u-backup")
		require.NoError(t, err)
		assert.Equal(t, []string{"h1", "h3"}, p.BackupCodeHashes)
	})

	t.Run("failure counter", func(t *testing.T) {
		n, err := s.RecordFailure(ctx, "u-fail")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.RecordFailure(ctx, "u-fail")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, s.RecordSuccess(ctx, "u-fail", now))
		p, err := s.GetProfile(ctx, "u-fail")
		require.NoError(t, err)
		assert.Zero(t, p.FailedAttemptCount)
		assert.True(t, now.Equal(p.LastSuccessAt))
	})

	t.Run("contacts", func(t *testing.T) {
		require.NoError(t, s.SetContact(ctx, "u-contact", goMFA.FactorEmail, "a@b.com"))
		require.NoError(t, s.SetContact(ctx, "u-contact", goMFA.FactorWhatsApp, "+15551234567"))

		p, err := s.GetProfile(ctx, "u-contact")
		require.NoError(t, err)
		dest, ok := p.Destination(goMFA.FactorEmail)
		assert.True(t, ok)
		assert.Equal(t, "a@b.com", dest)
		dest, ok = p.Destination(goMFA.FactorWhatsApp)
		assert.True(t, ok)
		assert.Equal(t, "+15551234567", dest)
	})

	t.Run("passkey sign count", func(t *testing.T) {
		cred := goMFA.PasskeyCredential{
			ID:         []byte("cred-1"),
			UserID:     "u-passkey",
			PublicKey:  []byte("pk"),
			SignCount:  3,
			DeviceType: goMFA.PasskeySingleDevice,
			Transports: []string{"internal"},
			CreatedAt:  now,
		}
		require.NoError(t, s.AddPasskey(ctx, cred))

		ok, err := s.UpdatePasskeyUsage(ctx, "u-passkey", cred.ID, 3, now)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.UpdatePasskeyUsage(ctx, "u-passkey", cred.ID, 4, now)
		require.NoError(t, err)
		assert.True(t, ok)

		creds, err := s.ListPasskeys(ctx, "u-passkey")
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.Equal(t, uint32(4), creds[0].SignCount)
		assert.Equal(t, []string{"internal"}, creds[0].Transports)
		assert.Equal(t, goMFA.PasskeySingleDevice, creds[0].DeviceType)

		p, err := s.GetProfile(ctx, "u-passkey")
		require.NoError(t, err)
		assert.True(t, p.Methods.Has(goMFA.FactorPasskey))
	})

	t.Run("trusted devices and reset", func(t *testing.T) {
		require.NoError(t, s.SetTOTPSecret(ctx, "u-dev", []byte{9}, 1))
		require.NoError(t, s.PutTrustedDevice(ctx, goMFA.TrustedDevice{
			DeviceID: "d1", UserID: "u-dev", CreatedAt: now, LastSeenAt: now, ExpiresAt: now.Add(time.Hour),
		}))
		require.NoError(t, s.PutTrustedDevice(ctx, goMFA.TrustedDevice{
			DeviceID: "d2", UserID: "u-dev", CreatedAt: now, LastSeenAt: now, ExpiresAt: now.Add(time.Hour),
		}))

		n, err := s.CountTrustedDevices(ctx, "u-dev", now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		ok, err := s.DeleteTrustedDevice(ctx, "u-dev", "d1")
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = s.GetTrustedDevice(ctx, "u-dev", "d1")
		assert.ErrorIs(t, err, goMFA.ErrDeviceNotFound)

		require.NoError(t, s.ResetProfile(ctx, "u-dev"))
		_, err = s.GetProfile(ctx, "u-dev")
		assert.ErrorIs(t, err, goMFA.ErrProfileNotFound)
		n, err = s.CountTrustedDevices(ctx, "u-dev", now)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
