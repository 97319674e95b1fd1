package authclient

import "sync"

// CredentialCache holds the current access credential for the process.
type CredentialCache struct {
	mu   sync.RWMutex
	cred *AccessCredential
}

func NewCredentialCache() *CredentialCache {
	return &CredentialCache{}
}

// Get returns the current credential, or nil when signed out.
func (c *CredentialCache) Get() *AccessCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred
}

func (c *CredentialCache) Set(cred *AccessCredential) {
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
}

func (c *CredentialCache) Clear() {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()
}
