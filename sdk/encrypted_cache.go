package sdk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encCacheKeyLen    = 32 // AES-256
	encCacheSaltLen   = 16
	encCacheKDFRounds = 10000
	encCacheFormatV1  = 1
)

// EncryptedFlagCache is a FlagCache that keeps an encrypted-at-rest copy of
// every entry alongside the plaintext working set. The ciphertext store can
// be exported, persisted by the caller, and imported after a restart so the
// client starts with warm flags before its first network fetch.
//
// The encryption key is derived from the SDK credential via PBKDF2 with a
// per-store random salt. Importing a snapshot produced under a different
// credential fails with ErrCacheIntegrity; the payload is authenticated, so
// a wrong key can never yield plausible-looking flag values.
type EncryptedFlagCache interface {
	FlagCache

	// Export serializes the encrypted entry store. The output contains
	// only ciphertext and the KDF salt; no flag data is recoverable
	// without the credential.
	Export() ([]byte, error)

	// Import loads a previously exported store, decrypting every entry
	// into the working set. On any integrity failure (wrong credential,
	// truncated or tampered payload) the cache is discarded and
	// ErrCacheIntegrity is returned; nothing partial is kept.
	Import(data []byte) error
}

// encryptedCache wraps a memory cache with an AES-256-GCM ciphertext mirror.
type encryptedCache struct {
	inner FlagCache

	mu         sync.Mutex
	aead       cipher.AEAD
	salt       []byte
	credential string
	ciphertext map[string][]byte // key -> nonce||sealed(FlagState JSON)
}

// exportedCache is the serialized form of the ciphertext store.
type exportedCache struct {
	Version int               `json:"version"`
	Salt    []byte            `json:"salt"`
	Entries map[string][]byte `json:"entries"`
}

// NewEncryptedFlagCache creates a flag cache whose contents can be exported
// encrypted under a key derived from credential.
func NewEncryptedFlagCache(config CacheConfig, credential string) (EncryptedFlagCache, error) {
	if credential == "" {
		return nil, NewError(ErrorTypeValidation, "encrypted cache requires a credential", ErrInvalidConfig)
	}

	salt := make([]byte, encCacheSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, WrapError(err, ErrorTypeUnknown, "failed to generate cache salt")
	}

	aead, err := deriveCacheAEAD(credential, salt)
	if err != nil {
		return nil, err
	}

	return &encryptedCache{
		inner:      NewFlagCache(config),
		aead:       aead,
		salt:       salt,
		credential: credential,
		ciphertext: make(map[string][]byte),
	}, nil
}

// deriveCacheAEAD builds the AES-256-GCM cipher from the credential and salt.
func deriveCacheAEAD(credential string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(credential), salt, encCacheKDFRounds, encCacheKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, WrapError(err, ErrorTypeUnknown, "failed to initialize cache cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, WrapError(err, ErrorTypeUnknown, "failed to initialize cache cipher")
	}
	return aead, nil
}

func (c *encryptedCache) Get(key string) (FlagState, bool)        { return c.inner.Get(key) }
func (c *encryptedCache) Peek(key string) (FlagState, bool, bool) { return c.inner.Peek(key) }
func (c *encryptedCache) Has(key string) bool                     { return c.inner.Has(key) }
func (c *encryptedCache) GetAll() map[string]FlagState            { return c.inner.GetAll() }
func (c *encryptedCache) Len() int                                { return c.inner.Len() }

func (c *encryptedCache) PeekAll() (map[string]FlagState, map[string]bool) {
	return c.inner.PeekAll()
}

func (c *encryptedCache) Set(key string, state FlagState, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, state, ttl)
}

// setLocked applies the same version gating as the inner cache so the
// ciphertext mirror never diverges from the working set.
// Callers must hold c.mu.
func (c *encryptedCache) setLocked(key string, state FlagState, ttl time.Duration) {
	if existing, _, ok := c.inner.Peek(key); ok && state.Version < existing.Version {
		return
	}
	c.inner.Set(key, state, ttl)

	sealed, err := c.seal(state)
	if err != nil {
		// The working set stays correct; only the at-rest copy is lost
		delete(c.ciphertext, key)
		return
	}
	c.ciphertext[key] = sealed

	// The inner cache may have evicted entries to stay under MaxSize;
	// drop their ciphertext too so the mirror stays bounded with it
	if len(c.ciphertext) > c.inner.Len() {
		for k := range c.ciphertext {
			if _, _, ok := c.inner.Peek(k); !ok {
				delete(c.ciphertext, k)
			}
		}
	}
}

func (c *encryptedCache) SetAll(states map[string]FlagState, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, state := range states {
		c.setLocked(key, state, ttl)
	}
}

func (c *encryptedCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
	delete(c.ciphertext, key)
}

func (c *encryptedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Clear()
	c.ciphertext = make(map[string][]byte)
}

func (c *encryptedCache) Export() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := exportedCache{
		Version: encCacheFormatV1,
		Salt:    c.salt,
		Entries: make(map[string][]byte, len(c.ciphertext)),
	}
	for key, sealed := range c.ciphertext {
		// Strict reads lazily evict expired entries between Sets; only
		// export what the working set still holds
		if _, _, ok := c.inner.Peek(key); !ok {
			delete(c.ciphertext, key)
			continue
		}
		doc.Entries[key] = sealed
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, WrapError(err, ErrorTypePersistence, "failed to serialize encrypted cache")
	}
	return data, nil
}

func (c *encryptedCache) Import(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doc exportedCache
	if err := json.Unmarshal(data, &doc); err != nil {
		c.discardLocked()
		return NewError(ErrorTypeIntegrity, "encrypted cache snapshot is malformed", ErrCacheIntegrity)
	}
	if doc.Version != encCacheFormatV1 || len(doc.Salt) != encCacheSaltLen {
		c.discardLocked()
		return NewError(ErrorTypeIntegrity, "encrypted cache snapshot has an unsupported format", ErrCacheIntegrity)
	}

	// The snapshot carries its own salt; re-derive with the current credential
	aead, err := deriveCacheAEAD(c.credential, doc.Salt)
	if err != nil {
		return err
	}

	states := make(map[string]FlagState, len(doc.Entries))
	sealed := make(map[string][]byte, len(doc.Entries))
	for key, ct := range doc.Entries {
		state, err := open(aead, ct)
		if err != nil {
			c.discardLocked()
			return NewError(ErrorTypeIntegrity, "encrypted cache entry failed authentication", ErrCacheIntegrity)
		}
		states[key] = state
		sealed[key] = ct
	}

	c.aead = aead
	c.salt = doc.Salt
	c.inner.Clear()
	c.inner.SetAll(states, 0)
	c.ciphertext = sealed
	return nil
}

// discardLocked drops both the working set and the ciphertext mirror.
// A cache that failed integrity checks is never partially trusted.
// Callers must hold c.mu.
func (c *encryptedCache) discardLocked() {
	c.inner.Clear()
	c.ciphertext = make(map[string][]byte)
}

// seal encrypts one flag state as nonce||ciphertext.
func (c *encryptedCache) seal(state FlagState) ([]byte, error) {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts and authenticates one sealed flag state.
func open(aead cipher.AEAD, sealed []byte) (FlagState, error) {
	if len(sealed) < aead.NonceSize() {
		return FlagState{}, ErrCacheIntegrity
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return FlagState{}, err
	}
	var state FlagState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return FlagState{}, err
	}
	return state, nil
}
