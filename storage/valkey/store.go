// Package valkey provides a Valkey-backed implementation of the OAuth
// state cache and the rate counters. Both are short-lived keys whose
// expiry Valkey manages natively, which makes it the right backend for
// multi-instance deployments where the in-memory store cannot be shared.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/schemahub/authkit/crypto"
	"github.com/schemahub/authkit/instrumentation"
	"github.com/schemahub/authkit/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authkit:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// stateLogLength is the number of characters to include when logging
	// state hashes
	stateLogLength = 8
)

// luaIncrementWindow atomically increments a counter and starts its
// window on first increment, so a counter key can never outlive its
// window.
const luaIncrementWindow = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authkit:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the state and counter
// stores.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

// Compile-time interface checks
var (
	_ storage.StateStore   = (*Store)(nil)
	_ storage.CounterStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

func (s *Store) recordOp(ctx context.Context, operation string, start time.Time, err error) {
	if s.inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.inst.Metrics().RecordStorageOperation(ctx, operation,
		result, float64(time.Since(start).Milliseconds()))
}

// stateKey builds the key for an OAuth state. The raw state value is
// hashed so a snapshot of the keyspace does not yield redeemable states.
func (s *Store) stateKey(state string) string {
	return s.prefix + "state:" + crypto.SHA256Hex(state)
}

func (s *Store) counterKey(key string) string {
	return s.prefix + "counter:" + key
}

// oauthStateJSON is the wire format for stored OAuth states.
type oauthStateJSON struct {
	State         string    `json:"state"`
	Provider      string    `json:"provider"`
	IntegrationID string    `json:"integration_id,omitempty"`
	CodeVerifier  string    `json:"code_verifier"`
	RedirectURI   string    `json:"redirect_uri"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// --- StateStore ---

// SaveState stores an OAuth state under its hash with a TTL, so
// abandoned flows clean themselves up.
func (s *Store) SaveState(ctx context.Context, state *storage.OAuthState) (err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "save_state", start, err) }()

	if state == nil || state.State == "" {
		return fmt.Errorf("invalid state")
	}

	expiresAt := state.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(storage.DefaultStateTTL)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("state already expired")
	}

	data, err := json.Marshal(&oauthStateJSON{
		State:         state.State,
		Provider:      state.Provider,
		IntegrationID: state.IntegrationID,
		CodeVerifier:  state.CodeVerifier,
		RedirectURI:   state.RedirectURI,
		CreatedAt:     state.CreatedAt,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	key := s.stateKey(state.State)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	if s.inst != nil {
		s.inst.Metrics().RecordStateCacheOp(ctx, "save", "success")
	}
	s.logger.DebugContext(ctx, "Saved OAuth state",
		"state_hash", safeTruncate(crypto.SHA256Hex(state.State), stateLogLength),
		"provider", state.Provider)
	return nil
}

// ConsumeState atomically retrieves and deletes an OAuth state. GETDEL
// guarantees exactly one caller redeems a given state; a replayed
// callback sees ErrStateNotFound.
func (s *Store) ConsumeState(ctx context.Context, state string) (rec *storage.OAuthState, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "consume_state", start, err) }()

	key := s.stateKey(state)
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			if s.inst != nil {
				s.inst.Metrics().RecordStateCacheOp(ctx, "consume", "not_found")
			}
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	var j oauthStateJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	// Valkey expiry usually removes stale keys first, but the stored
	// deadline is authoritative.
	if time.Now().After(j.ExpiresAt) {
		if s.inst != nil {
			s.inst.Metrics().RecordStateCacheOp(ctx, "consume", "expired")
		}
		return nil, storage.ErrStateExpired
	}

	if s.inst != nil {
		s.inst.Metrics().RecordStateCacheOp(ctx, "consume", "success")
	}
	return &storage.OAuthState{
		State:         j.State,
		Provider:      j.Provider,
		IntegrationID: j.IntegrationID,
		CodeVerifier:  j.CodeVerifier,
		RedirectURI:   j.RedirectURI,
		CreatedAt:     j.CreatedAt,
		ExpiresAt:     j.ExpiresAt,
	}, nil
}

// --- CounterStore ---

// IncrementWindow increments a fixed-window counter, starting the window
// on the first hit. The increment and expiry are applied atomically via
// a Lua script.
func (s *Store) IncrementWindow(ctx context.Context, key string, window time.Duration) (count int64, err error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "increment_window", start, err) }()

	if window <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementWindow).
			Numkeys(1).
			Key(s.counterKey(key)).
			Arg(strconv.FormatInt(window.Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return result, nil
}

func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
