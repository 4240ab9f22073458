package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/sells-group/safeguard/internal/model"
)

// Loopback applies rules to in-process state. It backs the "loopback"
// platform used in development and integration tests, and doubles as the
// reference implementation of adapter idempotency.
type Loopback struct {
	mu      sync.Mutex
	applied map[string]map[model.RuleCategory]string // childID -> category -> config hash

	// FailCategories makes the listed categories report failure, for
	// exercising partial-result paths in tests.
	FailCategories map[model.RuleCategory]bool
}

func NewLoopback() *Loopback {
	return &Loopback{applied: make(map[string]map[model.RuleCategory]string)}
}

func (l *Loopback) PlatformID() string { return "loopback" }

func (l *Loopback) Apply(_ context.Context, childID string, rules []model.Rule) ([]Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.applied[childID]
	if !ok {
		state = make(map[model.RuleCategory]string)
		l.applied[childID] = state
	}

	outcomes := make([]Outcome, 0, len(rules))
	for _, r := range rules {
		if l.FailCategories[r.Category] {
			outcomes = append(outcomes, Outcome{Category: r.Category, Status: OutcomeFailed, Detail: "injected failure"})
			continue
		}
		hash := configHash(r)
		if state[r.Category] == hash {
			outcomes = append(outcomes, Outcome{Category: r.Category, Status: OutcomeSkipped, Detail: "already applied"})
			continue
		}
		state[r.Category] = hash
		outcomes = append(outcomes, Outcome{Category: r.Category, Status: OutcomeApplied})
	}
	return outcomes, nil
}

// AppliedState returns a copy of the recorded state for a child.
func (l *Loopback) AppliedState(childID string) map[model.RuleCategory]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[model.RuleCategory]string, len(l.applied[childID]))
	for k, v := range l.applied[childID] {
		out[k] = v
	}
	return out
}

// configHash fingerprints a rule's enabled flag and config so repeat pushes
// of unchanged rules can be detected.
func configHash(r model.Rule) string {
	h := sha256.New()
	if r.Enabled {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(r.Config)
	return hex.EncodeToString(h.Sum(nil))
}
