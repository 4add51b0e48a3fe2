package aggregator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Registry keeps one Client per organisation so the token cache survives
// across calls. A client is rebuilt when the organisation's endpoint or
// credentials change.
type Registry struct {
	mu      sync.Mutex
	clients map[snowflake.ID]registryEntry
	flags   Flags
	opts    []Option

	requestTimeout time.Duration
	healthTimeout  time.Duration
}

type registryEntry struct {
	fingerprint string
	client      *Client
}

func NewRegistry(flags Flags, opts ...Option) *Registry {
	return &Registry{
		clients: map[snowflake.ID]registryEntry{},
		flags:   flags,
		opts:    opts,
	}
}

func (r *Registry) Client(cfg Config) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = r.requestTimeout
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = r.healthTimeout
	}
	fp := fingerprint(cfg)

	if entry, ok := r.clients[cfg.OrgID]; ok && entry.fingerprint == fp {
		return entry.client, nil
	}

	client, err := NewClient(cfg, r.flags, r.opts...)
	if err != nil {
		return nil, err
	}
	r.clients[cfg.OrgID] = registryEntry{fingerprint: fp, client: client}
	return client, nil
}

// WithTimeouts sets the timeouts given to clients whose Config leaves them
// zero.
func (r *Registry) WithTimeouts(request, health time.Duration) *Registry {
	r.mu.Lock()
	r.requestTimeout, r.healthTimeout = request, health
	r.mu.Unlock()
	return r
}

// Evict drops the cached client for an organisation.
func (r *Registry) Evict(orgID snowflake.ID) {
	r.mu.Lock()
	delete(r.clients, orgID)
	r.mu.Unlock()
}

func fingerprint(cfg Config) string {
	h := sha256.New()
	for _, part := range []string{
		strings.TrimRight(cfg.BaseURL, "/"),
		cfg.ProviderID,
		cfg.ClientID,
		cfg.ClientSecret,
		cfg.Scope,
		boolString(cfg.Disabled),
		boolString(cfg.KillSwitch),
		cfg.RequestTimeout.String(),
		cfg.HealthTimeout.String(),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

