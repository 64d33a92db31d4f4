package sdk

import "sync"

// CredentialProvider supplies the SDK credential sent with every outbound
// request, and optionally a standby credential to rotate to when the server
// rejects the current one. Rotation supports zero-downtime key rollover:
// the server briefly accepts both keys, clients rotate on the first 401.
type CredentialProvider interface {
	// Current returns the credential to attach to outbound requests.
	Current() string

	// Secondary returns the standby credential, or "" if none is
	// configured.
	Secondary() string

	// Rotate promotes the secondary credential to current. Returns false
	// when there is no secondary to promote, or when rotation already
	// happened. A provider rotates at most once.
	Rotate() bool
}

// staticCredentials is the default provider backed by config values.
type staticCredentials struct {
	mu        sync.RWMutex
	current   string
	secondary string
	rotated   bool
}

// NewStaticCredentials creates a CredentialProvider holding a fixed primary
// credential and an optional secondary. Pass "" for secondary when key
// rollover is not in use.
func NewStaticCredentials(current, secondary string) CredentialProvider {
	return &staticCredentials{
		current:   current,
		secondary: secondary,
	}
}

func (c *staticCredentials) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *staticCredentials) Secondary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.secondary
}

func (c *staticCredentials) Rotate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rotated || c.secondary == "" {
		return false
	}
	c.current = c.secondary
	c.secondary = ""
	c.rotated = true
	return true
}
