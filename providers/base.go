package providers

import (
	"os"
	"time"
)

// DefaultTimeout bounds one downstream call when none is configured.
const DefaultTimeout = 60 * time.Second

// DefaultAPIKeyEnv is read when an entry does not name its credential.
const DefaultAPIKeyEnv = "NVIDIA_API_KEY"

// Base provides the fields shared by provider implementations. Embed this
// struct to avoid repeating name, timeout and credential handling.
type Base struct {
	name    string
	timeout time.Duration
	getenv  func(string) string
}

func newBase(name string, timeout time.Duration) Base {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Base{name: name, timeout: timeout, getenv: os.Getenv}
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// Timeout returns the per-call deadline.
func (b *Base) Timeout() time.Duration { return b.timeout }

// apiKey resolves the credential referenced by keyRef.
func (b *Base) apiKey(keyRef string) string {
	if keyRef == "" {
		keyRef = DefaultAPIKeyEnv
	}
	return b.getenv(keyRef)
}
