package kvstore

import (
	"context"

	"scalping-engine/internal/signals"
)

// SetLatestSignal records the most recent detector call for an agent under
// signal:{agent} with the fixed signal TTL.
func (s *Store) SetLatestSignal(ctx context.Context, sig signals.LatestSignal) error {
	return s.SetJSON(ctx, SignalKey(sig.AgentID), sig, TTLSignal)
}

// GetLatestSignal reads the most recent detector call for an agent. The
// second return is false on a miss or while degraded; reversal checks treat
// that as "no signal".
func (s *Store) GetLatestSignal(ctx context.Context, agentID string) (*signals.LatestSignal, bool) {
	var sig signals.LatestSignal
	if err := s.GetJSON(ctx, SignalKey(agentID), &sig); err != nil {
		return nil, false
	}
	return &sig, true
}
