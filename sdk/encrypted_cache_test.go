package sdk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptedCacheRequiresCredential(t *testing.T) {
	_, err := NewEncryptedFlagCache(DefaultCacheConfig(), "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEncryptedCacheBehavesLikeCache(t *testing.T) {
	c, err := NewEncryptedFlagCache(DefaultCacheConfig(), "secret-key")
	require.NoError(t, err)

	c.Set("x", flag("x", true, 1), time.Minute)
	got, ok := c.Get("x")
	require.True(t, ok)
	assert.True(t, got.Enabled)

	c.Set("x", flag("x", false, 0), time.Minute)
	got, _ = c.Get("x")
	assert.True(t, got.Enabled, "version gating applies to the encrypted variant too")

	c.Remove("x")
	assert.False(t, c.Has("x"))
}

func TestEncryptedCacheExportImportRoundTrip(t *testing.T) {
	c1, err := NewEncryptedFlagCache(DefaultCacheConfig(), "secret-key")
	require.NoError(t, err)
	c1.Set("x", flag("x", true, 2), time.Minute)
	c1.Set("y", FlagState{Key: "y", Value: StringValue("hello"), Enabled: true, Version: 1}, time.Minute)

	snapshot, err := c1.Export()
	require.NoError(t, err)
	assert.NotContains(t, string(snapshot), "hello", "exported snapshot holds no plaintext")

	c2, err := NewEncryptedFlagCache(DefaultCacheConfig(), "secret-key")
	require.NoError(t, err)
	require.NoError(t, c2.Import(snapshot))

	got, ok := c2.Get("x")
	require.True(t, ok)
	assert.True(t, got.Enabled)
	assert.Equal(t, int64(2), got.Version)

	s, ok := c2.Get("y")
	require.True(t, ok)
	text, isString := s.Value.String()
	assert.True(t, isString)
	assert.Equal(t, "hello", text)
}

func TestEncryptedCacheStaysBoundedUnderChurn(t *testing.T) {
	cache, err := NewEncryptedFlagCache(CacheConfig{MaxSize: 2, DefaultTTL: time.Minute}, "secret-key")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		cache.Set(key, flag(key, true, 1), time.Minute)
	}
	assert.LessOrEqual(t, cache.Len(), 2)

	ec := cache.(*encryptedCache)
	assert.LessOrEqual(t, len(ec.ciphertext), 2,
		"evicted entries leave the ciphertext mirror too")

	snapshot, err := cache.Export()
	require.NoError(t, err)

	c2, err := NewEncryptedFlagCache(CacheConfig{MaxSize: 2, DefaultTTL: time.Minute}, "secret-key")
	require.NoError(t, err)
	require.NoError(t, c2.Import(snapshot))
	assert.LessOrEqual(t, c2.Len(), 2, "a snapshot never resurrects evicted entries")
}

func TestEncryptedCacheExportSkipsLazilyEvicted(t *testing.T) {
	cache, err := NewEncryptedFlagCache(DefaultCacheConfig(), "secret-key")
	require.NoError(t, err)

	cache.Set("short", flag("short", true, 1), 5*time.Millisecond)
	cache.Set("long", flag("long", true, 1), time.Minute)
	time.Sleep(20 * time.Millisecond)

	// Strict read evicts the expired entry from the working set
	_, ok := cache.Get("short")
	require.False(t, ok)

	snapshot, err := cache.Export()
	require.NoError(t, err)

	c2, err := NewEncryptedFlagCache(DefaultCacheConfig(), "secret-key")
	require.NoError(t, err)
	require.NoError(t, c2.Import(snapshot))
	assert.True(t, c2.Has("long"))
	_, _, ok = c2.Peek("short")
	assert.False(t, ok, "evicted entries are not exported")
}

func TestEncryptedCacheWrongCredentialFailsIntegrity(t *testing.T) {
	c1, err := NewEncryptedFlagCache(DefaultCacheConfig(), "old-credential")
	require.NoError(t, err)
	c1.Set("x", flag("x", true, 1), time.Minute)

	snapshot, err := c1.Export()
	require.NoError(t, err)

	c2, err := NewEncryptedFlagCache(DefaultCacheConfig(), "rotated-credential")
	require.NoError(t, err)
	c2.Set("pre-existing", flag("pre-existing", true, 1), time.Minute)

	err = c2.Import(snapshot)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheIntegrity, "wrong credential must fail loudly, never yield garbage")
	assert.Equal(t, 0, c2.Len(), "failed import discards the whole cache")
}

func TestEncryptedCacheMalformedImport(t *testing.T) {
	c, err := NewEncryptedFlagCache(DefaultCacheConfig(), "secret-key")
	require.NoError(t, err)
	c.Set("x", flag("x", true, 1), time.Minute)

	err = c.Import([]byte("not json at all"))
	assert.ErrorIs(t, err, ErrCacheIntegrity)
	assert.Equal(t, 0, c.Len())
}

func TestEncryptedCacheTamperedSnapshot(t *testing.T) {
	c1, err := NewEncryptedFlagCache(DefaultCacheConfig(), "secret-key")
	require.NoError(t, err)
	c1.Set("x", flag("x", true, 1), time.Minute)

	snapshot, err := c1.Export()
	require.NoError(t, err)

	// Flip one byte somewhere in the ciphertext region
	tampered := make([]byte, len(snapshot))
	copy(tampered, snapshot)
	tampered[len(tampered)/2] ^= 0xff

	c2, err := NewEncryptedFlagCache(DefaultCacheConfig(), "secret-key")
	require.NoError(t, err)
	err = c2.Import(tampered)
	assert.ErrorIs(t, err, ErrCacheIntegrity)
}
