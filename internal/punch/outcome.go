package punch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Outcome records how far a single candidate endpoint got.
type Outcome string

const (
	OutcomeNotTried      Outcome = "not-tried"
	OutcomeConnectFailed Outcome = "connect-failed"
	OutcomeNoPake        Outcome = "tcp-established-but-no-pake"
	OutcomePakeError     Outcome = "pake-protocol-error"
	OutcomeWrongSecret   Outcome = "wrong-secret"
)

// ErrWrongSecret means at least one connection completed the key
// exchange but the confirmation tags disagreed, and no arm succeeded.
// Connectivity worked; the peers hold different secrets.
var ErrWrongSecret = errors.New("peer connected but used a different shared secret")

// PunchError reports that no candidate produced an authenticated
// connection before the deadline, with the per-candidate outcome.
type PunchError struct {
	Candidates map[string]Outcome
}

func (e *PunchError) Error() string {
	if len(e.Candidates) == 0 {
		return "hole punch failed: no candidate endpoints"
	}
	keys := make([]string, 0, len(e.Candidates))
	for k := range e.Candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("hole punch failed:")
	for _, k := range keys {
		fmt.Fprintf(&b, " [%s: %s]", k, e.Candidates[k])
	}
	return b.String()
}

// outcomes is the concurrent collector behind PunchError.
type outcomes struct {
	mu   sync.Mutex
	seen map[string]Outcome
}

func newOutcomes() *outcomes {
	return &outcomes{seen: make(map[string]Outcome)}
}

func (o *outcomes) set(candidate string, out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen[candidate] = out
}

// wrongSecretOnly reports whether every arm that got past TCP ended in
// a confirmation mismatch, with at least one such arm.
func (o *outcomes) wrongSecretOnly() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	sawMismatch := false
	for _, out := range o.seen {
		switch out {
		case OutcomeWrongSecret:
			sawMismatch = true
		case OutcomeNoPake, OutcomePakeError:
			return false
		}
	}
	return sawMismatch
}

func (o *outcomes) snapshot() map[string]Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make(map[string]Outcome, len(o.seen))
	for k, v := range o.seen {
		cp[k] = v
	}
	return cp
}
