package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/calls"
	"callbridge/internal/campaign"
	"callbridge/internal/lock"
	"callbridge/internal/metrics"
	"callbridge/internal/store"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
)

var (
	ErrInvalidRequest = errors.New("bridge: invalid request")
	ErrCapacity       = errors.New("bridge: too many active calls")
	ErrUnknownLeg     = errors.New("bridge: unknown leg")
	ErrCallNotFound   = errors.New("bridge: call not found")
)

// Webhook routes, relative to /v1/phone.
const (
	RouteStatusCallback        = "status-callback"
	RouteAMDStatusCallback     = "amd-status-callback"
	RouteDial                  = "dial"
	RouteDialStatusCallback    = "dial-status-callback"
	RouteDialAMDStatusCallback = "dial-amd-status-callback"
)

type Config struct {
	// PublicBaseURL is where the provider reaches our webhooks.
	PublicBaseURL string
	// CallerNumber is the provider number used to dial the origin leg.
	CallerNumber string

	Voice         telephony.Voice
	GreetingText  string
	BridgeText    string
	GatherTimeout int

	// ConflictRetries bounds reloads after an optimistic version conflict.
	ConflictRetries uint
	// SinkTimeout bounds one campaign report.
	SinkTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.GatherTimeout <= 0 {
		out.GatherTimeout = 5
	}
	if out.ConflictRetries == 0 {
		out.ConflictRetries = 3
	}
	if out.SinkTimeout <= 0 {
		out.SinkTimeout = 30 * time.Second
	}
	return out
}

type Deps struct {
	Store  store.Store
	Locker lock.Locker
	Legs   telephony.LegController
	Audit  *audit.Service

	// Optional.
	Sink campaign.Sink
	Cap  ConcurrencyCap
	Log  *slog.Logger
}

// Service drives calls from creation to a terminal state.
//
// Rules:
// - Every mutation of a call happens under the per-call lock and inside one
//   store transaction.
// - Anomalies and illegal transitions never mutate call state; they are
//   recorded and audited.
type Service struct {
	cfg    Config
	store  store.Store
	locker lock.Locker
	legs   telephony.LegController
	audit  *audit.Service
	sink   campaign.Sink
	cap    ConcurrencyCap
	log    *slog.Logger

	clock func() time.Time
	newID func() string

	wg sync.WaitGroup
}

func NewService(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil || d.Locker == nil || d.Legs == nil || d.Audit == nil {
		return nil, errors.New("bridge: store, locker, legs and audit are required")
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return nil, errors.New("bridge: public base url is required")
	}
	if strings.TrimSpace(cfg.CallerNumber) == "" {
		return nil, errors.New("bridge: caller number is required")
	}

	s := &Service{
		cfg:    cfg.withDefaults(),
		store:  d.Store,
		locker: d.Locker,
		legs:   d.Legs,
		audit:  d.Audit,
		sink:   d.Sink,
		cap:    d.Cap,
		log:    d.Log,
		clock:  time.Now,
		newID:  uuid.NewString,
	}
	if s.sink == nil {
		s.sink = campaign.NoopSink{Log: d.Log}
	}
	if s.cap == nil {
		s.cap = unlimited{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Wait blocks until background campaign reports have finished.
func (s *Service) Wait() { s.wg.Wait() }

type StartCallRequest struct {
	OriginNumber      string
	DestinationNumber string

	WidgetID      int64
	ActivistName  string
	ActivistEmail string
	TargetName    string

	// Operator identity, for the audit trail.
	ActorUserID string
	ActorRole   string
	IPAddress   string
}

// StartCall creates the call and dials the origin leg.
func (s *Service) StartCall(ctx context.Context, req StartCallRequest) (calls.Call, error) {
	req.OriginNumber = strings.TrimSpace(req.OriginNumber)
	req.DestinationNumber = strings.TrimSpace(req.DestinationNumber)
	if req.OriginNumber == "" || req.DestinationNumber == "" || req.OriginNumber == req.DestinationNumber {
		return calls.Call{}, ErrInvalidRequest
	}

	ok, err := s.cap.Acquire(ctx)
	if err != nil {
		metrics.CallsStarted.WithLabelValues("error").Inc()
		return calls.Call{}, fmt.Errorf("acquiring call slot: %w", err)
	}
	if !ok {
		metrics.CallsStarted.WithLabelValues("capacity").Inc()
		return calls.Call{}, ErrCapacity
	}

	now := s.clock().UTC()
	call := calls.Call{
		ID:                s.newID(),
		OriginNumber:      req.OriginNumber,
		DestinationNumber: req.DestinationNumber,
		State:             calls.StateInitiated,
		WidgetID:          req.WidgetID,
		ActivistName:      req.ActivistName,
		ActivistEmail:     req.ActivistEmail,
		TargetName:        req.TargetName,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Tx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertCall(ctx, call)
	}); err != nil {
		s.releaseSlot(call.ID)
		metrics.CallsStarted.WithLabelValues("error").Inc()
		return calls.Call{}, fmt.Errorf("creating call: %w", err)
	}

	log := logger.FromOr(ctx, s.log).With("call_id", call.ID)

	// Callbacks for this call block on the lock until the origin leg is stored.
	unlock, err := s.locker.Lock(ctx, call.ID)
	if err != nil {
		return s.abortStart(ctx, call, "", fmt.Errorf("locking call: %w", err))
	}
	defer unlock()

	greeting, err := telephony.RenderGreeting(telephony.Greeting{
		Voice:         s.cfg.Voice,
		Text:          s.cfg.GreetingText,
		GatherTimeout: s.cfg.GatherTimeout,
		GatherAction:  telephony.CallbackURL(s.cfg.PublicBaseURL, RouteDial, call.ID),
	})
	if err != nil {
		return s.abortStart(ctx, call, "", fmt.Errorf("rendering greeting: %w", err))
	}

	started := time.Now()
	res, err := s.legs.CreateLeg(ctx, telephony.LegRequest{
		To:                    call.OriginNumber,
		From:                  s.cfg.CallerNumber,
		TwiML:                 greeting,
		StatusCallbackURL:     telephony.CallbackURL(s.cfg.PublicBaseURL, RouteStatusCallback, call.ID),
		AnsweredByCallbackURL: telephony.CallbackURL(s.cfg.PublicBaseURL, RouteAMDStatusCallback, call.ID),
	})
	metrics.ProviderLatency.WithLabelValues("create_leg", resultLabel(err)).Observe(time.Since(started).Seconds())
	if err != nil {
		log.Error("origin leg dial failed", "err", err)
		return s.abortStart(ctx, call, "", fmt.Errorf("dialing origin: %w", err))
	}

	status := calls.LegStatus(res.Status)
	if status == "" {
		status = calls.LegQueued
	}
	fields := map[string]string{"instruction": "greeting"}
	for k, v := range res.Raw {
		fields[k] = v
	}

	now = s.clock().UTC()
	err = s.store.Tx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertLeg(ctx, calls.Leg{
			ID:        res.LegID,
			CallID:    call.ID,
			Role:      calls.RoleOrigin,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, calls.Event{
			ID:          s.newID(),
			CallID:      call.ID,
			LegID:       res.LegID,
			Kind:        calls.KindInstructionIssued,
			Fields:      fields,
			StateBefore: call.State,
			StateAfter:  call.State,
			CreatedAt:   now,
		})
	})
	if err != nil {
		// The provider is already dialing; callbacks for this leg will surface
		// as anomalies against the failed call.
		log.Error("persisting origin leg failed", "leg_id", res.LegID, "err", err)
		return s.abortStart(ctx, call, res.LegID, fmt.Errorf("storing origin leg: %w", err))
	}

	if err := s.audit.LogCallStarted(ctx, call.ID, req.ActorUserID, req.ActorRole, req.IPAddress); err != nil {
		log.Warn("audit append failed", "err", err)
	}
	metrics.CallsStarted.WithLabelValues("ok").Inc()
	log.Info("call started", "leg_id", res.LegID)
	return call, nil
}

// abortStart fails a call whose origin leg could not be dialed or stored and
// frees its slot. legID is the provider leg id when the dial went through.
func (s *Service) abortStart(ctx context.Context, call calls.Call, legID string, cause error) (calls.Call, error) {
	metrics.CallsStarted.WithLabelValues("error").Inc()

	err := s.store.Tx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.LockCall(ctx, call.ID)
		if err != nil {
			return err
		}
		before := cur.State
		if _, err := cur.Apply(calls.TriggerFail, s.clock().UTC()); err != nil {
			return err
		}
		if _, err := tx.UpdateCall(ctx, cur); err != nil {
			return err
		}
		fields := map[string]string{"instruction": "greeting", "error": cause.Error()}
		if legID != "" {
			fields["leg_id"] = legID
		}
		return tx.AppendEvent(ctx, calls.Event{
			ID:          s.newID(),
			CallID:      cur.ID,
			Kind:        calls.KindInstructionIssued,
			Fields:      fields,
			StateBefore: before,
			StateAfter:  cur.State,
			CreatedAt:   cur.UpdatedAt,
		})
	})
	if err != nil {
		s.log.Error("failing call after start error", "call_id", call.ID, "err", err)
	}
	s.releaseSlot(call.ID)
	metrics.CallsFinished.WithLabelValues(string(calls.StateFailed)).Inc()
	return calls.Call{}, cause
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeTerminal  Outcome = "terminal"
	OutcomeIllegal   Outcome = "illegal"
	OutcomeAnomaly   Outcome = "anomaly"
	OutcomeRejected  Outcome = "rejected"
)

// Result describes what one callback did to its call.
type Result struct {
	CallID  string        `json:"call_id,omitempty"`
	LegID   string        `json:"leg_id,omitempty"`
	Outcome Outcome       `json:"outcome"`
	State   calls.State   `json:"state,omitempty"`
	Trigger calls.Trigger `json:"trigger,omitempty"`

	previous calls.State
	call     calls.Call
}

// HandleCallback reconciles one provider callback against the stored call and
// applies the resulting transition.
//
// hintCallID is the call id carried in the webhook path. It is used only when
// the leg cannot be found by its provider id.
//
// Errors:
// - calls.ErrClassification: payload rejected, nothing stored.
// - calls.ErrReconciliationAnomaly: audited, nothing stored.
// - calls.ErrIllegalTransition: event stored, call state unchanged.
func (s *Service) HandleCallback(ctx context.Context, kind calls.EventKind, hintCallID string, fields map[string]string) (Result, error) {
	log := logger.FromOr(ctx, s.log).With("kind", string(kind), "hint_call_id", hintCallID)

	ev, err := calls.Classify(kind, fields)
	if err != nil {
		log.Warn("callback classification failed", "fields", fields, "err", err)
		if aerr := s.audit.LogClassificationFailure(ctx, string(kind), hintCallID, fields, err); aerr != nil {
			log.Warn("audit append failed", "err", aerr)
		}
		metrics.CallbacksReceived.WithLabelValues(string(kind), string(OutcomeRejected)).Inc()
		return Result{LegID: fields[calls.FieldCallSid], Outcome: OutcomeRejected}, err
	}
	log = log.With("leg_id", ev.LegID)

	callID, err := s.resolveCallID(ctx, ev, hintCallID)
	if err != nil {
		return Result{LegID: ev.LegID}, err
	}
	if callID == "" {
		return s.anomaly(ctx, log, ev, Result{LegID: ev.LegID}, &calls.AnomalyError{LegID: ev.LegID, Reason: "no call for leg"})
	}
	log = log.With("call_id", callID)

	unlock, err := s.locker.Lock(ctx, callID)
	if err != nil {
		return Result{CallID: callID, LegID: ev.LegID}, fmt.Errorf("locking call: %w", err)
	}
	defer unlock()

	var res Result
	err = retry.Do(
		func() error {
			var err error
			res, err = s.applyCallback(ctx, callID, ev)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.cfg.ConflictRetries),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, store.ErrConflict)
		}),
	)
	if errors.Is(err, calls.ErrReconciliationAnomaly) {
		return s.anomaly(ctx, log, ev, Result{CallID: callID, LegID: ev.LegID}, err)
	}
	if err != nil {
		log.Error("callback processing failed", "err", err)
		return Result{CallID: callID, LegID: ev.LegID}, err
	}

	metrics.CallbacksReceived.WithLabelValues(string(kind), string(res.Outcome)).Inc()

	switch res.Outcome {
	case OutcomeIllegal:
		log.Warn("illegal transition", "state", res.State, "trigger", res.Trigger)
		if aerr := s.audit.LogIllegalTransition(ctx, callID, ev.LegID, string(res.State), string(res.Trigger), fields); aerr != nil {
			log.Warn("audit append failed", "err", aerr)
		}
		return res, &calls.TransitionError{From: res.State, Trigger: res.Trigger}
	case OutcomeApplied:
		metrics.Transitions.WithLabelValues(string(res.previous), string(res.State)).Inc()
		log.Info("call transitioned", "from", res.previous, "to", res.State, "trigger", res.Trigger)
		if !res.previous.IsTerminal() && res.State.IsTerminal() {
			s.finish(res.call)
		}
	default:
		log.Debug("callback recorded", "outcome", res.Outcome, "state", res.State)
	}
	return res, nil
}

// resolveCallID finds the owning call: the stored leg wins, then the parent
// leg, then the path hint.
func (s *Service) resolveCallID(ctx context.Context, ev calls.LegEvent, hint string) (string, error) {
	leg, err := s.store.FindLeg(ctx, ev.LegID)
	if err == nil {
		return leg.CallID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("finding leg: %w", err)
	}
	if ev.ParentLegID != "" {
		parent, err := s.store.FindLeg(ctx, ev.ParentLegID)
		if err == nil {
			return parent.CallID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("finding parent leg: %w", err)
		}
	}
	return strings.TrimSpace(hint), nil
}

func (s *Service) applyCallback(ctx context.Context, callID string, ev calls.LegEvent) (Result, error) {
	res := Result{CallID: callID, LegID: ev.LegID}

	err := s.store.Tx(ctx, func(ctx context.Context, tx store.Tx) error {
		call, err := tx.LockCall(ctx, callID)
		if errors.Is(err, store.ErrNotFound) {
			return &calls.AnomalyError{LegID: ev.LegID, CallID: callID, Reason: "unknown call"}
		}
		if err != nil {
			return err
		}

		stored, err := findLeg(ctx, tx, ev.LegID)
		if err != nil {
			return err
		}
		var parent *calls.Leg
		if ev.ParentLegID != "" {
			if parent, err = findLeg(ctx, tx, ev.ParentLegID); err != nil {
				return err
			}
			if parent != nil && parent.CallID != call.ID {
				parent = nil
			}
		}
		legs, err := tx.LegsByCall(ctx, call.ID)
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		role := calls.ResolveRole(ev, stored, parent)
		leg, created, err := calls.Reconcile(call, stored, legs, ev, role, now)
		if err != nil {
			return err
		}

		res.previous = call.State
		res.State = call.State
		event := calls.Event{
			ID:          s.newID(),
			CallID:      call.ID,
			LegID:       leg.ID,
			Kind:        ev.Kind,
			Fields:      ev.Fields,
			Fingerprint: ev.Fingerprint(),
			StateBefore: call.State,
			StateAfter:  call.State,
			CreatedAt:   now,
		}

		dup, err := tx.HasEvent(ctx, call.ID, event.Fingerprint)
		if err != nil {
			return err
		}
		if dup {
			res.Outcome = OutcomeDuplicate
			return tx.AppendEvent(ctx, event)
		}

		if !call.State.IsTerminal() {
			if err := calls.CheckDestination(call, role, leg.ID); err != nil {
				return err
			}
		}

		if created {
			err = tx.InsertLeg(ctx, leg)
		} else {
			err = tx.UpdateLeg(ctx, leg)
		}
		if err != nil {
			return err
		}

		if call.State.IsTerminal() {
			res.Outcome = OutcomeTerminal
			return tx.AppendEvent(ctx, event)
		}

		trigger, ok := calls.TriggerFor(ev, role)
		if !ok {
			res.Outcome = OutcomeIgnored
			return tx.AppendEvent(ctx, event)
		}
		res.Trigger = trigger

		if _, err := call.Apply(trigger, now); err != nil {
			if !errors.Is(err, calls.ErrIllegalTransition) {
				return err
			}
			res.Outcome = OutcomeIllegal
			return tx.AppendEvent(ctx, event)
		}

		updated, err := tx.UpdateCall(ctx, call)
		if err != nil {
			return err
		}
		event.StateAfter = updated.State
		res.Outcome = OutcomeApplied
		res.State = updated.State
		res.call = updated
		return tx.AppendEvent(ctx, event)
	})
	return res, err
}

func findLeg(ctx context.Context, tx store.Tx, id string) (*calls.Leg, error) {
	l, err := tx.FindLeg(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Service) anomaly(ctx context.Context, log *slog.Logger, ev calls.LegEvent, res Result, cause error) (Result, error) {
	log.Warn("reconciliation anomaly", "err", cause)
	if aerr := s.audit.LogAnomaly(ctx, res.CallID, ev.LegID, ev.Fields, cause); aerr != nil {
		log.Warn("audit append failed", "err", aerr)
	}
	metrics.CallbacksReceived.WithLabelValues(string(ev.Kind), string(OutcomeAnomaly)).Inc()
	res.Outcome = OutcomeAnomaly
	return res, cause
}

// finish runs once per call, on its first terminal transition.
func (s *Service) finish(call calls.Call) {
	metrics.CallsFinished.WithLabelValues(string(call.State)).Inc()
	s.releaseSlot(call.ID)

	if call.WidgetID == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SinkTimeout)
		defer cancel()

		err := s.sink.CallFinished(ctx, campaign.Outcome{
			CallID:        call.ID,
			WidgetID:      call.WidgetID,
			ActivistName:  call.ActivistName,
			ActivistEmail: call.ActivistEmail,
			ActivistPhone: call.OriginNumber,
			TargetName:    call.TargetName,
			TargetPhone:   call.DestinationNumber,
			Status:        string(calls.Project(call.State)),
		})
		metrics.CampaignReports.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			s.log.Error("campaign report failed", "call_id", call.ID, "err", err)
		}
	}()
}

func (s *Service) releaseSlot(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cap.Release(ctx); err != nil {
		s.log.Warn("releasing call slot failed", "call_id", callID, "err", err)
	}
}

// NextInstruction answers the origin leg's gather action: bridge to the
// destination when the origin party was confirmed human, hang up otherwise.
func (s *Service) NextInstruction(ctx context.Context, hintCallID string, fields map[string]string) (string, error) {
	legID := strings.TrimSpace(fields[calls.FieldCallSid])
	if legID == "" {
		return "", &calls.ClassificationError{Field: calls.FieldCallSid, Reason: "missing"}
	}
	leg, err := s.store.FindLeg(ctx, legID)
	if errors.Is(err, store.ErrNotFound) {
		logger.FromOr(ctx, s.log).Warn("instruction requested for unknown leg", "leg_id", legID, "hint_call_id", hintCallID)
		return "", ErrUnknownLeg
	}
	if err != nil {
		return "", fmt.Errorf("finding leg: %w", err)
	}
	log := logger.FromOr(ctx, s.log).With("call_id", leg.CallID, "leg_id", leg.ID)

	unlock, err := s.locker.Lock(ctx, leg.CallID)
	if err != nil {
		return "", fmt.Errorf("locking call: %w", err)
	}
	defer unlock()

	var twiml string
	err = s.store.Tx(ctx, func(ctx context.Context, tx store.Tx) error {
		call, err := tx.LockCall(ctx, leg.CallID)
		if err != nil {
			return err
		}

		instruction := "hangup"
		if call.State == calls.StateRedirecting {
			instruction = "bridge"
			twiml, err = telephony.RenderBridge(telephony.Bridge{
				Voice:                 s.cfg.Voice,
				Text:                  s.cfg.BridgeText,
				CallerID:              call.OriginNumber,
				To:                    call.DestinationNumber,
				StatusCallbackURL:     telephony.CallbackURL(s.cfg.PublicBaseURL, RouteDialStatusCallback, call.ID),
				AnsweredByCallbackURL: telephony.CallbackURL(s.cfg.PublicBaseURL, RouteDialAMDStatusCallback, call.ID),
			})
		} else {
			twiml, err = telephony.RenderHangup()
		}
		if err != nil {
			return err
		}

		recorded := map[string]string{"instruction": instruction}
		for k, v := range fields {
			recorded[k] = v
		}
		return tx.AppendEvent(ctx, calls.Event{
			ID:          s.newID(),
			CallID:      call.ID,
			LegID:       leg.ID,
			Kind:        calls.KindInstructionIssued,
			Fields:      recorded,
			StateBefore: call.State,
			StateAfter:  call.State,
			CreatedAt:   s.clock().UTC(),
		})
	})
	if err != nil {
		return "", fmt.Errorf("issuing instruction: %w", err)
	}
	log.Info("instruction issued")
	return twiml, nil
}

// CallStatus is the externally visible view of a call.
type CallStatus struct {
	CallID string               `json:"call_id"`
	Status calls.ExternalStatus `json:"status"`
	State  calls.State          `json:"state"`
	Legs   []calls.Leg          `json:"legs"`
}

func (s *Service) Status(ctx context.Context, callID string) (CallStatus, error) {
	call, err := s.store.FindCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		return CallStatus{}, ErrCallNotFound
	}
	if err != nil {
		return CallStatus{}, err
	}
	legs, err := s.store.ListLegs(ctx, callID)
	if err != nil {
		return CallStatus{}, err
	}
	return CallStatus{
		CallID: call.ID,
		Status: calls.Project(call.State),
		State:  call.State,
		Legs:   legs,
	}, nil
}

// Events returns the call's event log in arrival order.
func (s *Service) Events(ctx context.Context, callID string) ([]calls.Event, error) {
	if _, err := s.store.FindCall(ctx, callID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return s.store.ListEvents(ctx, callID)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
