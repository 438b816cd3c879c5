package match

import (
	"context"
	"time"

	"github.com/nkaruna09/HazMap/internal/model"
	"github.com/nkaruna09/HazMap/internal/store"
)

// Lifecycle drives a match through matched, in_transit, completed, ended.
// Terminal states accept no further transitions; the one escape hatch is
// End, which also releases the need and offer back to the pool.
type Lifecycle struct {
	store  store.Store
	engine *Engine
	sink   Sink
}

func NewLifecycle(st store.Store, engine *Engine, sink Sink) *Lifecycle {
	if sink == nil {
		sink = noopSink{}
	}
	return &Lifecycle{store: st, engine: engine, sink: sink}
}

// MarkInTransit moves matched to in_transit. A courier must be assigned
// unless the match was claimed for direct pickup or the caller confirms
// direct pickup now.
func (l *Lifecycle) MarkInTransit(ctx context.Context, matchID string, directPickup bool) (model.Match, error) {
	m, err := l.store.GetMatch(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	if m.VolunteerID == "" && !m.DirectPickup && !directPickup {
		return model.Match{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	m, ok, err := l.store.TransitionMatch(ctx, matchID, []model.MatchStatus{model.MatchMatched}, model.MatchInTransit, "", now)
	if err != nil {
		return model.Match{}, err
	}
	if !ok {
		return model.Match{}, ErrInvalidTransition
	}
	l.sink.Emit(ctx, Event{Type: EventMatchStatusChanged, MatchID: m.ID, At: now, Data: m})
	return m, nil
}

// MarkCompleted moves in_transit to completed. Completing an
// already-completed match is a no-op success so delivery confirmations can
// be retried safely; completing from matched is rejected, the handoff must
// be in transit first.
func (l *Lifecycle) MarkCompleted(ctx context.Context, matchID string) (model.Match, error) {
	now := time.Now().UTC()
	m, ok, err := l.store.TransitionMatch(ctx, matchID,
		[]model.MatchStatus{model.MatchInTransit}, model.MatchCompleted, "", now)
	if err != nil {
		return model.Match{}, err
	}
	if !ok {
		if m.Status == model.MatchCompleted {
			return m, nil
		}
		return model.Match{}, ErrInvalidTransition
	}
	l.sink.Emit(ctx, Event{Type: EventMatchStatusChanged, MatchID: m.ID, At: now, Data: m})
	return m, nil
}

// End terminates a non-terminal match with a reason and releases both pool
// entries: the need reopens, the offer reopens unless its deadline passed.
func (l *Lifecycle) End(ctx context.Context, matchID string, reason model.EndReason) (model.Match, error) {
	res, err := l.engine.release(ctx, matchID, reason, time.Now().UTC())
	if err != nil {
		return model.Match{}, err
	}
	return res.Match, nil
}
