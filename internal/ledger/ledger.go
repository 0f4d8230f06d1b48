// Package ledger tracks pre-paid API-key balances: admission checks before a
// request is dispatched, and debits against actual or estimated token usage
// afterward.
package ledger

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TokensPerCredit encodes $2 per 1M tokens at $1 = 1 credit.
const TokensPerCredit = 500_000

// Sentinel errors surfaced to the API layer for status-code mapping.
var (
	ErrKeyNotFound         = errors.New("ledger: unknown api key")
	ErrKeyDisabled         = errors.New("ledger: key is disabled")
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
)

// APIKey is one collaborator's pre-paid balance.
type APIKey struct {
	Key             string
	UserID          string
	Credits         float64
	TotalTokensUsed int64
	Enabled         bool
	CreatedAt       time.Time
}

// Ledger is the process-wide, mutex-guarded collection of API keys. All
// operations are linearizable under a single lock.
type Ledger struct {
	mu   sync.Mutex
	keys map[string]*APIKey
}

// New builds an empty ledger.
func New() *Ledger {
	return &Ledger{keys: make(map[string]*APIKey)}
}

// Create mints a new key with `cm-` followed by a URL-safe random 32-byte
// suffix and the given starting balance.
func (l *Ledger) Create(userID string, initialCredits float64) (*APIKey, error) {
	key, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("ledger: generate key: %w", err)
	}
	entry := &APIKey{
		Key:       key,
		UserID:    userID,
		Credits:   initialCredits,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	l.mu.Lock()
	l.keys[key] = entry
	l.mu.Unlock()
	log.Infof("ledger: created key for user %s with %.6f initial credits", userID, initialCredits)
	return entry, nil
}

// Validate reports whether key exists, is enabled, and has enough credit to
// cover estimatedTokens at admission time.
func (l *Ledger) Validate(key string, estimatedTokens int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	if !entry.Enabled {
		return ErrKeyDisabled
	}
	if entry.Credits < float64(estimatedTokens)/TokensPerCredit {
		return ErrInsufficientCredits
	}
	return nil
}

// Debit atomically reduces credits by tokensUsed/TokensPerCredit and
// increases total_tokens_used, iff sufficient credit remains. A failed debit
// leaves the key's state unchanged.
func (l *Ledger) Debit(key string, tokensUsed int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	cost := float64(tokensUsed) / TokensPerCredit
	if entry.Credits < cost {
		return ErrInsufficientCredits
	}
	entry.Credits -= cost
	entry.TotalTokensUsed += tokensUsed
	return nil
}

// AddCredits increases a key's balance by a positive amount. It is the entry
// point an external payment collaborator (e.g. a blockchain monitor) writes
// through; this ledger does not implement or validate that collaborator
// itself.
func (l *Ledger) AddCredits(key string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: add-credits amount must be positive, got %v", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	entry.Credits += amount
	return nil
}

// Enable re-activates a disabled key.
func (l *Ledger) Enable(key string) error {
	return l.setEnabled(key, true)
}

// Disable deactivates a key; subsequent Validate calls return ErrKeyDisabled.
func (l *Ledger) Disable(key string) error {
	return l.setEnabled(key, false)
}

func (l *Ledger) setEnabled(key string, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	entry.Enabled = enabled
	return nil
}

// Balance returns a snapshot of a key's credits and usage.
func (l *Ledger) Balance(key string) (*APIKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	clone := *entry
	return &clone, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cm-" + base64.RawURLEncoding.EncodeToString(buf), nil
}
