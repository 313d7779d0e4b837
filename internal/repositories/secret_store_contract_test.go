package repositories

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runSecretStoreContract exercises the behaviour every SecretStore must share
func runSecretStoreContract(t *testing.T, newStore func(t *testing.T) SecretStore) {
	ctx := context.Background()

	newEnrollment := func(principalID string) *models.Enrollment {
		return &models.Enrollment{
			PrincipalID: principalID,
			AccountName: principalID + "@example.com",
			Secret:      []byte("12345678901234567890"),
			Params:      models.DefaultAlgorithmParams(),
		}
	}
	newCodes := func(hashes ...string) []models.RecoveryCode {
		codes := make([]models.RecoveryCode, len(hashes))
		for i, h := range hashes {
			codes[i] = models.RecoveryCode{ID: uuid.New().String(), CodeHash: h, CreatedAt: time.Now()}
		}
		return codes
	}

	t.Run("load missing principal", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Load(ctx, "nobody")
		assert.ErrorIs(t, err, models.ErrNotEnrolled)
	})

	t.Run("create then load round trips the secret", func(t *testing.T) {
		store := newStore(t)
		e := newEnrollment("alice")
		e.Params = models.AlgorithmParams{Algorithm: models.AlgorithmSHA256, Digits: 8, Period: 60}
		require.NoError(t, store.Create(ctx, e, newCodes("h1", "h2")))

		got, err := store.Load(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []byte("12345678901234567890"), got.Secret)
		assert.Equal(t, "alice@example.com", got.AccountName)
		assert.Equal(t, e.Params, got.Params)
		assert.Nil(t, got.LastConsumedCounter)
		assert.False(t, got.IsEnabled())
		assert.False(t, got.CreatedAt.IsZero())

		codes, err := store.LoadRecoveryCodes(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, codes, 2)
	})

	t.Run("create replaces a pending enrollment", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, newEnrollment("bob"), newCodes("old")))

		second := newEnrollment("bob")
		second.Secret = []byte("abcdefghijabcdefghij")
		require.NoError(t, store.Create(ctx, second, newCodes("new1", "new2")))

		got, err := store.Load(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []byte("abcdefghijabcdefghij"), got.Secret)

		codes, err := store.LoadRecoveryCodes(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, codes, 2)
	})

	t.Run("create rejects when already enabled", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, newEnrollment("carol"), nil))
		require.NoError(t, store.Activate(ctx, "carol"))

		err := store.Create(ctx, newEnrollment("carol"), nil)
		assert.ErrorIs(t, err, models.ErrAlreadyEnrolled)
	})

	t.Run("activate", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.Activate(ctx, "nobody"), models.ErrNotEnrolled)

		require.NoError(t, store.Create(ctx, newEnrollment("dave"), nil))
		require.NoError(t, store.Activate(ctx, "dave"))

		got, err := store.Load(ctx, "dave")
		require.NoError(t, err)
		assert.True(t, got.IsEnabled())

		assert.ErrorIs(t, store.Activate(ctx, "dave"), models.ErrNotEnrolled)
	})

	t.Run("counter compare and swap", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, newEnrollment("erin"), nil))

		ok, err := store.UpdateLastConsumedCounter(ctx, "erin", 1000)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.UpdateLastConsumedCounter(ctx, "erin", 1000)
		require.NoError(t, err)
		assert.False(t, ok, "equal counter must be rejected")

		ok, err = store.UpdateLastConsumedCounter(ctx, "erin", 999)
		require.NoError(t, err)
		assert.False(t, ok, "older counter must be rejected")

		ok, err = store.UpdateLastConsumedCounter(ctx, "erin", 1001)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.Load(ctx, "erin")
		require.NoError(t, err)
		require.NotNil(t, got.LastConsumedCounter)
		assert.Equal(t, int64(1001), *got.LastConsumedCounter)

		ok, err = store.UpdateLastConsumedCounter(ctx, "nobody", 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent counter updates accept exactly one", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, newEnrollment("frank"), nil))

		var accepted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.UpdateLastConsumedCounter(ctx, "frank", 5000)
				assert.NoError(t, err)
				if ok {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), accepted.Load())
	})

	t.Run("recovery code consumed once", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, newEnrollment("grace"), newCodes("h1", "h2")))

		ok, err := store.MarkRecoveryCodeConsumed(ctx, "grace", "h1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.MarkRecoveryCodeConsumed(ctx, "grace", "h1")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.MarkRecoveryCodeConsumed(ctx, "grace", "unknown")
		require.NoError(t, err)
		assert.False(t, ok)

		codes, err := store.LoadRecoveryCodes(ctx, "grace")
		require.NoError(t, err)
		consumed := 0
		for _, c := range codes {
			if c.IsConsumed() {
				consumed++
			}
		}
		assert.Equal(t, 1, consumed)
	})

	t.Run("replace recovery codes", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.ReplaceRecoveryCodes(ctx, "nobody", newCodes("x")), models.ErrNotEnrolled)

		require.NoError(t, store.Create(ctx, newEnrollment("heidi"), newCodes("h1", "h2")))
		_, err := store.MarkRecoveryCodeConsumed(ctx, "heidi", "h1")
		require.NoError(t, err)

		require.NoError(t, store.ReplaceRecoveryCodes(ctx, "heidi", newCodes("n1", "n2", "n3")))

		codes, err := store.LoadRecoveryCodes(ctx, "heidi")
		require.NoError(t, err)
		require.Len(t, codes, 3)
		for _, c := range codes {
			assert.False(t, c.IsConsumed())
			assert.NotEqual(t, "h1", c.CodeHash)
		}
	})

	t.Run("delete removes enrollment and codes", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.Delete(ctx, "nobody"), models.ErrNotEnrolled)

		require.NoError(t, store.Create(ctx, newEnrollment("ivan"), newCodes("h1")))
		require.NoError(t, store.Delete(ctx, "ivan"))

		_, err := store.Load(ctx, "ivan")
		assert.ErrorIs(t, err, models.ErrNotEnrolled)

		codes, err := store.LoadRecoveryCodes(ctx, "ivan")
		require.NoError(t, err)
		assert.Empty(t, codes)
	})

	t.Run("delete stale pending keeps enabled and recent", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, newEnrollment("pending"), nil))
		require.NoError(t, store.Create(ctx, newEnrollment("enabled"), nil))
		require.NoError(t, store.Activate(ctx, "enabled"))

		removed, err := store.DeleteStalePending(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), removed)

		removed, err = store.DeleteStalePending(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		_, err = store.Load(ctx, "pending")
		assert.ErrorIs(t, err, models.ErrNotEnrolled)
		_, err = store.Load(ctx, "enabled")
		assert.NoError(t, err)
	})
}
