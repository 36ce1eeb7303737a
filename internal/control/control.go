// Package control is the control surface from spec §4.I: it validates
// an incoming model.Rules payload, compiles it into an
// *rulesengine.IndexedRules, and installs it via the snapshot writer so
// the packet thread picks it up on its next read. It also persists
// every accepted ruleset through internal/config.
//
// Grounded on gleipnird/src/main.rs's set_rules handling (validate, log,
// swap, persist) — the original inlines this in its RPC handler; here
// it is its own package so T3's RPC layer (internal/rpcserver) can stay
// a thin transport shim over it, matching this teacher's pattern of
// keeping transport handlers free of domain logic.
package control

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/googlesky/gleipnird/internal/model"
	"github.com/googlesky/gleipnird/internal/rulesengine"
	"github.com/googlesky/gleipnird/internal/snapshot"
)

// Persister is the subset of *config.Store the control surface
// consumes, kept as an interface so tests don't need a filesystem.
type Persister interface {
	Save(r model.Rules) error
}

// Surface is the single owner of the snapshot writer. It is driven
// exclusively from T3 (spec §5); nothing else may call Writer.Set on
// the same cell.
type Surface struct {
	writer *snapshot.Writer[*rulesengine.IndexedRules]
	store  Persister
	sl     *slog.Logger

	mu      sync.Mutex
	current model.Rules
}

// New creates a Surface over an already-constructed snapshot writer and
// persistence store. initial is the ruleset already installed on
// writer's cell (typically whatever internal/config.Load returned at
// startup), so CurrentRules is correct before the first SetRules call.
func New(writer *snapshot.Writer[*rulesengine.IndexedRules], store Persister, initial model.Rules, sl *slog.Logger) *Surface {
	if sl == nil {
		sl = slog.Default()
	}
	return &Surface{writer: writer, store: store, current: initial, sl: sl}
}

// CurrentRules returns the most recently accepted ruleset, for a
// freshly registering monitor client (spec §4.K's init_monitor
// handshake) to receive without waiting for the next change.
func (s *Surface) CurrentRules() model.Rules {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetRules validates r, compiles it, installs it as the active
// snapshot, and persists it. On validation failure nothing changes: the
// previously active ruleset stays live and r is not persisted.
func (s *Surface) SetRules(r model.Rules) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("control: reject rules: %w", err)
	}

	compiled := rulesengine.FromRules(r)
	s.writer.Set(compiled)
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
	s.sl.Info("control: installed new ruleset", "rules", len(r.Rules), "rate_rules", len(r.RateRules))

	if err := s.store.Save(r); err != nil {
		// The new ruleset is already live; a persistence failure only
		// means it won't survive a restart, so it is reported, not rolled
		// back.
		s.sl.Error("control: failed to persist ruleset", "error", err)
		return fmt.Errorf("control: persist rules: %w", err)
	}
	return nil
}
