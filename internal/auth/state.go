package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"commercehub/internal/types"
)

// DefaultStateTTL bounds how long an authorization request stays
// redeemable.
const DefaultStateTTL = 10 * time.Minute

// ErrStateNotFound is returned by Consume for a nonce that was never
// issued, was already consumed, or has expired. The three cases are
// deliberately indistinguishable.
var ErrStateNotFound = errors.New("oauth state not found")

// ErrStateExists is returned by Put when the nonce is already stored.
var ErrStateExists = errors.New("oauth state already exists")

// StateStore holds OAuth state entries between the authorize redirect and
// the callback. Consume must be an atomic get-and-delete: of two concurrent
// calls with the same nonce, at most one returns the entry.
type StateStore interface {
	Put(ctx context.Context, entry types.OAuthStateEntry, ttl time.Duration) error
	Consume(ctx context.Context, nonce string) (*types.OAuthStateEntry, error)
}

// NonceGenerator abstracts the entropy source for testability.
type NonceGenerator interface {
	GenerateNonce() (string, error)
}

// CryptoNonceGenerator produces 32 random bytes from crypto/rand, hex
// encoded (64 chars).
type CryptoNonceGenerator struct{}

func (CryptoNonceGenerator) GenerateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate OAuth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ---------------------------------------------------------------------------
// In-process store
// ---------------------------------------------------------------------------

type memoryEntry struct {
	entry     types.OAuthStateEntry
	expiresAt time.Time
	timer     *time.Timer
}

// MemoryStateStore keeps entries in a mutex-guarded map. Each entry has a
// timer that deletes it at expiry even if it is never redeemed; Consume
// also checks expiry against the injected clock.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	closed  bool
}

// MemoryStoreOption configures a MemoryStateStore.
type MemoryStoreOption func(*MemoryStateStore)

// WithStoreClock overrides the clock used for expiry checks.
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStateStore) {
		s.now = now
	}
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore(opts ...MemoryStoreOption) *MemoryStateStore {
	s := &MemoryStateStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStateStore) Put(_ context.Context, entry types.OAuthStateEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("oauth state store is closed")
	}
	if _, exists := s.entries[entry.Nonce]; exists {
		return ErrStateExists
	}

	e := &memoryEntry{entry: entry, expiresAt: s.now().Add(ttl)}
	e.timer = time.AfterFunc(ttl, func() { s.evict(entry.Nonce, e) })
	s.entries[entry.Nonce] = e
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, nonce string) (*types.OAuthStateEntry, error) {
	s.mu.Lock()
	e, ok := s.entries[nonce]
	if ok {
		delete(s.entries, nonce)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrStateNotFound
	}
	e.timer.Stop()
	if !s.now().Before(e.expiresAt) {
		return nil, ErrStateNotFound
	}
	entry := e.entry
	return &entry, nil
}

// evict removes nonce if it still maps to e.
func (s *MemoryStateStore) evict(nonce string, e *memoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[nonce]; ok && cur == e {
		delete(s.entries, nonce)
	}
}

// Len returns the number of live entries.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops all pending timers and drops every entry.
func (s *MemoryStateStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nonce, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, nonce)
	}
	s.closed = true
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

// redisCommands is the subset of go-redis used by RedisStateStore.
type redisCommands interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

// RedisStateStore stores entries with SET NX EX and consumes them with
// GETDEL, so expiry and single use are enforced by the server.
type RedisStateStore struct {
	client redisCommands
	prefix string
}

// NewRedisStateStore creates a store whose keys start with prefix.
func NewRedisStateStore(client redisCommands, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix + "oauth_state:"}
}

func (s *RedisStateStore) Put(ctx context.Context, entry types.OAuthStateEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode oauth state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+entry.Nonce, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	if !ok {
		return ErrStateExists
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, nonce string) (*types.OAuthStateEntry, error) {
	raw, err := s.client.GetDel(ctx, s.prefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}

	var entry types.OAuthStateEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode oauth state: %w", err)
	}
	return &entry, nil
}

var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ StateStore = (*RedisStateStore)(nil)
)
