// Package challenge tracks pending ceremony challenges.
//
// The ledger is the only state shared between concurrent ceremonies, so
// consumption is a single atomic check-and-remove: two completions racing on
// the same key can never both succeed.
package challenge

import (
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/keyfold/keyfold/internal/platform/errors"
)

// ErrNotFound indicates no live challenge exists for a ceremony key.
var ErrNotFound = apperrors.New(apperrors.CodeChallengeNotFound, "challenge not found")

// Kind describes the ceremony a challenge belongs to.
type Kind string

const (
	KindRegistration   Kind = "registration"
	KindAuthentication Kind = "authentication"
)

// Entry is one pending ceremony challenge with its identity binding.
type Entry struct {
	Kind      Kind
	Username  string
	Anonymous bool
	Session   webauthn.SessionData
	CreatedAt time.Time
}

// Ledger holds at most one live challenge per ceremony key.
//
// A zero TTL disables expiry; a positive TTL makes Consume treat stale
// entries as missing and lets SweepExpired reclaim them.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	clock   func() time.Time
}

// NewLedger builds an empty ledger with the given entry TTL.
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		entries: make(map[string]Entry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Issue records a pending challenge under key, replacing any live entry.
// Only one ceremony per key may be outstanding.
func (l *Ledger) Issue(key string, entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.CreatedAt = l.clock().UTC()
	l.entries[key] = entry
}

// Consume removes and returns the entry for key in one step. A key can be
// consumed at most once; expired and missing keys both report ErrNotFound.
func (l *Ledger) Consume(key string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	delete(l.entries, key)
	if l.expired(entry, l.clock().UTC()) {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// SweepExpired drops entries past their TTL and reports how many were removed.
func (l *Ledger) SweepExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, entry := range l.entries {
		if l.expired(entry, now.UTC()) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) expired(entry Entry, now time.Time) bool {
	if l.ttl <= 0 {
		return false
	}
	return now.Sub(entry.CreatedAt) > l.ttl
}
