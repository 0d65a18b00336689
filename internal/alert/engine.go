package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"positionwatch/internal/metrics"
	"positionwatch/internal/risk"
	"positionwatch/internal/storage"
)

// Transition names the lifecycle edge taken for one evaluation.
type Transition string

const (
	TransitionNone     Transition = ""
	TransitionNew      Transition = storage.EventNew
	TransitionUpdated  Transition = storage.EventUpdated
	TransitionResolved Transition = storage.EventResolved
)

// Evaluation is one classified position presented to the engine.
type Evaluation struct {
	Key        storage.AlertKey
	Position   storage.SnapshotKey
	Protocol   string
	Assessment risk.Assessment
}

// Options tune the lifecycle engine.
type Options struct {
	BucketStep      decimal.Decimal
	MinTier         risk.Tier
	NotifyOnResolve bool
}

// Engine is the per-identity alert state machine. Transitions for a single
// identity are processed at most once per cycle by the surrounding service,
// so no in-process locking is required here.
type Engine struct {
	states   storage.AlertStateStore
	events   storage.AlertEventStore
	optouts  storage.OptOutStore
	notifier Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine wires the lifecycle engine.
func NewEngine(states storage.AlertStateStore, events storage.AlertEventStore, optouts storage.OptOutStore, notifier Notifier, opts Options, logger zerolog.Logger) *Engine {
	if opts.MinTier.Rank() < 0 {
		opts.MinTier = risk.TierHigh
	}
	return &Engine{
		states:   states,
		events:   events,
		optouts:  optouts,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "alert_engine").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process applies one evaluation to the identity's persisted state and
// returns the transition taken. Notification is attempted on NEW and UPDATED;
// RESOLVED is recorded for audit but deliberately not pushed unless
// NotifyOnResolve is set.
func (e *Engine) Process(ctx context.Context, eval Evaluation) (Transition, error) {
	prev, err := e.states.GetAlertState(ctx, eval.Key)
	if err != nil {
		return TransitionNone, fmt.Errorf("load alert state: %w", err)
	}

	qualifies := eval.Assessment.WorstTier().Rank() >= e.opts.MinTier.Rank()
	now := e.now()
	wasActive := prev != nil && prev.IsActive

	if !qualifies {
		if !wasActive {
			// Inactive -> Inactive: silent last-seen upsert.
			state := storage.AlertState{Key: eval.Key, IsActive: false, LastSeenAt: now}
			if err := e.states.UpsertAlertState(ctx, state); err != nil {
				return TransitionNone, fmt.Errorf("touch alert state: %w", err)
			}
			return TransitionNone, nil
		}
		return e.resolve(ctx, eval, prev, now)
	}

	signature := eval.Assessment.Signature(e.opts.BucketStep)
	if wasActive && prev.Signature != nil && *prev.Signature == signature {
		// Active(S) -> Active(S): refresh last-seen only.
		state := *prev
		state.LastSeenAt = now
		if err := e.states.UpsertAlertState(ctx, state); err != nil {
			return TransitionNone, fmt.Errorf("refresh alert state: %w", err)
		}
		return TransitionNone, nil
	}

	transition := TransitionNew
	if wasActive {
		transition = TransitionUpdated
	}

	stateJSON := e.stateJSON(eval)
	state := storage.AlertState{
		Key:        eval.Key,
		IsActive:   true,
		Signature:  &signature,
		StateJSON:  stateJSON,
		LastSeenAt: now,
	}
	if err := e.states.UpsertAlertState(ctx, state); err != nil {
		return TransitionNone, fmt.Errorf("persist alert state: %w", err)
	}

	message := e.renderMessage(eval, transition)
	event := storage.AlertEvent{
		Key:       eval.Key,
		Kind:      string(transition),
		Signature: &signature,
		Message:   message,
		Metadata:  stateJSON,
	}
	if err := e.events.InsertAlertEvent(ctx, event); err != nil {
		e.logger.Error().Err(err).Str("user", eval.Key.UserID).Str("token", eval.Key.TokenID).Msg("failed to record alert event")
	}
	metrics.AlertTransitions.WithLabelValues(string(transition)).Inc()

	e.deliver(ctx, eval.Key.UserID, message)
	return transition, nil
}

func (e *Engine) resolve(ctx context.Context, eval Evaluation, prev *storage.AlertState, now time.Time) (Transition, error) {
	state := storage.AlertState{Key: eval.Key, IsActive: false, LastSeenAt: now}
	if err := e.states.UpsertAlertState(ctx, state); err != nil {
		return TransitionNone, fmt.Errorf("persist resolved state: %w", err)
	}

	message := e.renderMessage(eval, TransitionResolved)
	event := storage.AlertEvent{
		Key:       eval.Key,
		Kind:      storage.EventResolved,
		Signature: prev.Signature,
		Message:   message,
		Metadata:  e.stateJSON(eval),
	}
	if err := e.events.InsertAlertEvent(ctx, event); err != nil {
		e.logger.Error().Err(err).Str("user", eval.Key.UserID).Str("token", eval.Key.TokenID).Msg("failed to record resolved event")
	}
	metrics.AlertTransitions.WithLabelValues(storage.EventResolved).Inc()

	if e.opts.NotifyOnResolve {
		e.deliver(ctx, eval.Key.UserID, message)
	}
	return TransitionResolved, nil
}

// deliver attempts one notification. Delivery failures never affect alert
// state: state tracks risk, not notification success.
func (e *Engine) deliver(ctx context.Context, userID, message string) {
	if e.notifier == nil {
		return
	}

	if e.optouts != nil {
		optedOut, err := e.optouts.IsOptedOut(ctx, userID)
		if err != nil {
			e.logger.Error().Err(err).Str("user", userID).Msg("opt-out lookup failed, skipping delivery")
			return
		}
		if optedOut {
			e.logger.Debug().Str("user", userID).Msg("recipient opted out, skipping delivery")
			return
		}
	}

	outcome, err := e.notifier.Send(ctx, userID, message)
	metrics.NotificationsSent.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case OutcomeBlocked:
		if e.optouts != nil {
			if err := e.optouts.SetOptOut(ctx, userID); err != nil {
				e.logger.Error().Err(err).Str("user", userID).Msg("failed to persist opt-out")
			}
		}
		e.logger.Warn().Str("user", userID).Msg("delivery blocked, recipient opted out until re-opt-in")
	case OutcomeTransient:
		e.logger.Warn().Err(err).Str("user", userID).Msg("transient delivery failure, will retry next cycle")
	}
}

func (e *Engine) stateJSON(eval Evaluation) json.RawMessage {
	summary := map[string]any{
		"worst_tier": string(eval.Assessment.WorstTier()),
	}
	addAxis := func(name string, r *risk.Result) {
		if r == nil {
			return
		}
		axis := map[string]any{"tier": string(r.Tier), "label": r.Label}
		if r.PositionFraction != nil {
			axis["position_fraction"] = r.PositionFraction.String()
		}
		if r.DistanceFraction != nil {
			axis["distance_fraction"] = r.DistanceFraction.String()
		}
		summary[name] = axis
	}
	addAxis("liquidation", eval.Assessment.Liquidation)
	addAxis("redemption", eval.Assessment.Redemption)
	addAxis("range", eval.Assessment.Range)

	data, err := json.Marshal(summary)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func (e *Engine) renderMessage(eval Evaluation, transition Transition) string {
	var b strings.Builder
	switch transition {
	case TransitionNew:
		b.WriteString("[Position Risk Alert]\n")
	case TransitionUpdated:
		b.WriteString("[Position Risk Update]\n")
	case TransitionResolved:
		b.WriteString("[Position Risk Resolved]\n")
	}
	fmt.Fprintf(&b, "Protocol: %s\n", eval.Protocol)
	fmt.Fprintf(&b, "Position: chain %d, contract %d, token %s\n", eval.Position.ChainID, eval.Position.ContractID, eval.Position.TokenID)
	fmt.Fprintf(&b, "Overall: %s\n", eval.Assessment.WorstTier())

	writeAxis := func(name string, r *risk.Result) {
		if r == nil {
			return
		}
		fmt.Fprintf(&b, "%s: %s (%s)\n", name, r.Tier, r.Label)
	}
	writeAxis("Liquidation", eval.Assessment.Liquidation)
	writeAxis("Redemption", eval.Assessment.Redemption)
	writeAxis("Range", eval.Assessment.Range)
	return b.String()
}
