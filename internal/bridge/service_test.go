package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/calls"
	"callbridge/internal/campaign"
	"callbridge/internal/lock"
	"callbridge/internal/store"
	"callbridge/internal/telephony"

	"github.com/stretchr/testify/require"
)

const (
	baseURL     = "https://bridge.example.org"
	callerID    = "+5511900000000"
	origin      = "+5511999990000"
	destination = "+5511988880000"
	originLeg   = "CA-origin"
	destLeg     = "CA-dest"
)

type fakeLegs struct {
	mu   sync.Mutex
	reqs []telephony.LegRequest
	err  error
}

func (f *fakeLegs) CreateLeg(ctx context.Context, req telephony.LegRequest) (telephony.LegResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return telephony.LegResult{}, f.err
	}
	return telephony.LegResult{LegID: originLeg, Status: "queued", Raw: map[string]string{"sid": originLeg}}, nil
}

type fakeSink struct {
	mu       sync.Mutex
	outcomes []campaign.Outcome
}

func (f *fakeSink) CallFinished(ctx context.Context, o campaign.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

type fakeCap struct {
	mu       sync.Mutex
	limit    int
	active   int
	released int
}

func (f *fakeCap) Acquire(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active >= f.limit {
		return false, nil
	}
	f.active++
	return true, nil
}

func (f *fakeCap) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	f.released++
	return nil
}

// failingTxStore fails the failOn-th transaction and delegates the rest.
type failingTxStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	n      int
	failOn int
}

func (f *failingTxStore) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	f.mu.Lock()
	f.n++
	n := f.n
	f.mu.Unlock()
	if n == f.failOn {
		return errors.New("disk full")
	}
	return f.MemoryStore.Tx(ctx, fn)
}

type harness struct {
	svc   *Service
	store *store.MemoryStore
	audit *audit.MemoryRepo
	legs  *fakeLegs
	sink  *fakeSink
	cap   *fakeCap
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		audit: audit.NewMemoryRepo(),
		legs:  &fakeLegs{},
		sink:  &fakeSink{},
		cap:   &fakeCap{limit: 10},
	}
	svc, err := NewService(Config{
		PublicBaseURL: baseURL,
		CallerNumber:  callerID,
		Voice:         telephony.Voice{Name: "Polly.Camila", Language: "pt-BR"},
		GreetingText:  "Olá! Para confirmar o redirecionamento informe seu nome.",
		BridgeText:    "Obrigado! Vamos te conectar ao alvo, aguarde na linha",
	}, Deps{
		Store:  h.store,
		Locker: lock.NewKeyedMutex(),
		Legs:   h.legs,
		Audit:  audit.NewService(h.audit),
		Sink:   h.sink,
		Cap:    h.cap,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	n := 0
	svc.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }

	h.svc = svc
	return h
}

func (h *harness) start(t *testing.T) calls.Call {
	t.Helper()
	c, err := h.svc.StartCall(context.Background(), StartCallRequest{
		OriginNumber:      origin,
		DestinationNumber: destination,
		WidgetID:          7,
		ActivistName:      "Ana",
		ActivistEmail:     "ana@example.org",
		TargetName:        "Deputada",
	})
	require.NoError(t, err)
	return c
}

func status(leg, st string) map[string]string {
	return map[string]string{calls.FieldCallSid: leg, calls.FieldCallStatus: st}
}

func destStatus(st string) map[string]string {
	return map[string]string{calls.FieldCallSid: destLeg, calls.FieldParentCallSid: originLeg, calls.FieldCallStatus: st}
}

func amd(leg, by string) map[string]string {
	return map[string]string{calls.FieldCallSid: leg, calls.FieldAnsweredBy: by}
}

func (h *harness) callback(t *testing.T, kind calls.EventKind, callID string, fields map[string]string) Result {
	t.Helper()
	res, err := h.svc.HandleCallback(context.Background(), kind, callID, fields)
	require.NoError(t, err)
	return res
}

func (h *harness) state(t *testing.T, callID string) calls.State {
	t.Helper()
	c, err := h.store.FindCall(context.Background(), callID)
	require.NoError(t, err)
	return c.State
}

func (h *harness) toRedirecting(t *testing.T, callID string) {
	t.Helper()
	h.callback(t, calls.KindStatusCallback, callID, status(originLeg, "ringing"))
	h.callback(t, calls.KindStatusCallback, callID, status(originLeg, "in-progress"))
	res := h.callback(t, calls.KindAnsweredByCallback, callID, amd(originLeg, "human"))
	require.Equal(t, calls.StateRedirecting, res.State)
}

func TestStartCall_DialsOriginWithGreeting(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	require.Equal(t, "id-1", c.ID)
	require.Equal(t, calls.StateInitiated, c.State)

	require.Len(t, h.legs.reqs, 1)
	req := h.legs.reqs[0]
	require.Equal(t, origin, req.To)
	require.Equal(t, callerID, req.From)
	require.Equal(t, baseURL+"/v1/phone/status-callback/id-1", req.StatusCallbackURL)
	require.Equal(t, baseURL+"/v1/phone/amd-status-callback/id-1", req.AnsweredByCallbackURL)
	require.Contains(t, req.TwiML, `action="`+baseURL+`/v1/phone/dial/id-1"`)
	require.Contains(t, req.TwiML, "<Hangup>")

	leg, err := h.store.FindLeg(context.Background(), originLeg)
	require.NoError(t, err)
	require.Equal(t, calls.RoleOrigin, leg.Role)
	require.Equal(t, calls.LegQueued, leg.Status)

	evs, err := h.svc.Events(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, calls.KindInstructionIssued, evs[0].Kind)

	auditEvents := h.audit.Events()
	require.Len(t, auditEvents, 1)
	require.Equal(t, audit.EventTypeCallStarted, auditEvents[0].Type)
}

func TestStartCall_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.StartCall(context.Background(), StartCallRequest{OriginNumber: origin, DestinationNumber: origin})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.StartCall(context.Background(), StartCallRequest{OriginNumber: origin})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Empty(t, h.legs.reqs)
}

func TestStartCall_ProviderFailureFailsCall(t *testing.T) {
	h := newHarness(t)
	h.legs.err = telephony.ErrProviderUnavailable

	_, err := h.svc.StartCall(context.Background(), StartCallRequest{OriginNumber: origin, DestinationNumber: destination})
	require.ErrorIs(t, err, telephony.ErrProviderUnavailable)

	require.Equal(t, calls.StateFailed, h.state(t, "id-1"))
	require.Equal(t, 0, h.cap.active)
	require.Equal(t, 1, h.cap.released)
}

func TestStartCall_OriginLegStoreFailureFailsCall(t *testing.T) {
	h := newHarness(t)
	// First Tx inserts the call, the second stores the dialed origin leg.
	h.svc.store = &failingTxStore{MemoryStore: h.store, failOn: 2}

	_, err := h.svc.StartCall(context.Background(), StartCallRequest{OriginNumber: origin, DestinationNumber: destination})
	require.ErrorContains(t, err, "storing origin leg")
	require.Len(t, h.legs.reqs, 1)

	require.Equal(t, calls.StateFailed, h.state(t, "id-1"))
	require.Equal(t, 0, h.cap.active)
	require.Equal(t, 1, h.cap.released)

	evs, err := h.svc.Events(context.Background(), "id-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, originLeg, evs[0].Fields["leg_id"])
	require.Equal(t, calls.StateFailed, evs[0].StateAfter)
}

func TestStartCall_CapacityExhausted(t *testing.T) {
	h := newHarness(t)
	h.cap.limit = 1
	h.start(t)

	_, err := h.svc.StartCall(context.Background(), StartCallRequest{OriginNumber: origin, DestinationNumber: destination})
	require.ErrorIs(t, err, ErrCapacity)
	require.Len(t, h.legs.reqs, 1)
}

func TestHandleCallback_SuccessfulBridge(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)
	ctx := context.Background()

	h.toRedirecting(t, c.ID)

	twiml, err := h.svc.NextInstruction(ctx, c.ID, map[string]string{calls.FieldCallSid: originLeg, calls.FieldSpeechResult: "Ana"})
	require.NoError(t, err)
	require.Contains(t, twiml, `<Dial callerId="`+origin+`">`)
	require.Contains(t, twiml, ">"+destination+"</Number>")
	require.Contains(t, twiml, baseURL+"/v1/phone/dial-status-callback/"+c.ID)
	require.Contains(t, twiml, baseURL+"/v1/phone/dial-amd-status-callback/"+c.ID)

	res := h.callback(t, calls.KindStatusCallback, c.ID, destStatus("ringing"))
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Equal(t, calls.StateDestinationRinging, res.State)

	leg, err := h.store.FindLeg(ctx, destLeg)
	require.NoError(t, err)
	require.Equal(t, calls.RoleDestination, leg.Role)
	require.Equal(t, originLeg, leg.ParentLegID)

	h.callback(t, calls.KindStatusCallback, c.ID, destStatus("in-progress"))
	res = h.callback(t, calls.KindAnsweredByCallback, c.ID, amd(destLeg, "human"))
	require.Equal(t, calls.StateConnected, res.State)

	st, err := h.svc.Status(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, calls.ExternalInProgress, st.Status)
	require.Len(t, st.Legs, 2)

	res = h.callback(t, calls.KindStatusCallback, c.ID, destStatus("completed"))
	require.Equal(t, calls.StateCompleted, res.State)

	res = h.callback(t, calls.KindStatusCallback, c.ID, status(originLeg, "completed"))
	require.Equal(t, OutcomeTerminal, res.Outcome)
	require.Equal(t, calls.StateCompleted, res.State)

	origLeg, err := h.store.FindLeg(ctx, originLeg)
	require.NoError(t, err)
	require.Equal(t, calls.LegCompleted, origLeg.Status)

	evs, err := h.svc.Events(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, evs, 10)

	h.svc.Wait()
	require.Len(t, h.sink.outcomes, 1)
	o := h.sink.outcomes[0]
	require.Equal(t, "completed", o.Status)
	require.Equal(t, int64(7), o.WidgetID)
	require.Equal(t, destination, o.TargetPhone)
	require.Equal(t, origin, o.ActivistPhone)
	require.Equal(t, 1, h.cap.released)
	require.Empty(t, h.audit.Events()[1:])
}

func TestHandleCallback_OriginMachineFailsAndHangsUp(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	h.callback(t, calls.KindStatusCallback, c.ID, status(originLeg, "ringing"))
	h.callback(t, calls.KindStatusCallback, c.ID, status(originLeg, "in-progress"))
	res := h.callback(t, calls.KindAnsweredByCallback, c.ID, amd(originLeg, "machine_end_beep"))
	require.Equal(t, calls.StateFailed, res.State)

	twiml, err := h.svc.NextInstruction(context.Background(), c.ID, map[string]string{calls.FieldCallSid: originLeg})
	require.NoError(t, err)
	require.Contains(t, twiml, "<Hangup>")
	require.NotContains(t, twiml, "<Dial")

	st, err := h.svc.Status(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, calls.ExternalCanceled, st.Status)
}

func TestHandleCallback_DestinationNoAnswer(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)
	h.toRedirecting(t, c.ID)

	h.callback(t, calls.KindStatusCallback, c.ID, destStatus("ringing"))
	res := h.callback(t, calls.KindStatusCallback, c.ID, destStatus("no-answer"))
	require.Equal(t, calls.StateNoAnswer, res.State)

	h.svc.Wait()
	require.Len(t, h.sink.outcomes, 1)
	require.Equal(t, "no-answer", h.sink.outcomes[0].Status)
}

func TestHandleCallback_DuplicateIsRecordedNotReapplied(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	first := h.callback(t, calls.KindStatusCallback, c.ID, status(originLeg, "ringing"))
	require.Equal(t, OutcomeApplied, first.Outcome)

	again := h.callback(t, calls.KindStatusCallback, c.ID, status(originLeg, "ringing"))
	require.Equal(t, OutcomeDuplicate, again.Outcome)
	require.Equal(t, calls.StateRinging, again.State)

	got, err := h.store.FindCall(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)

	evs, err := h.svc.Events(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, evs, 3)
}

func TestHandleCallback_QueuedIsIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	res := h.callback(t, calls.KindStatusCallback, c.ID, status(originLeg, "initiated"))
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.Equal(t, calls.StateInitiated, h.state(t, c.ID))
}

func TestHandleCallback_ClassificationFailureIsAudited(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	res, err := h.svc.HandleCallback(context.Background(), calls.KindStatusCallback, c.ID, status(originLeg, "exploded"))
	require.ErrorIs(t, err, calls.ErrClassification)
	require.Equal(t, OutcomeRejected, res.Outcome)

	evs := h.audit.Events()
	last := evs[len(evs)-1]
	require.Equal(t, audit.EventTypeClassificationFailure, last.Type)
	require.Contains(t, last.Metadata, "exploded")

	stored, err := h.svc.Events(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestHandleCallback_UnknownOriginLegIsAnomaly(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	res, err := h.svc.HandleCallback(context.Background(), calls.KindStatusCallback, c.ID, status("CA-stranger", "ringing"))
	require.ErrorIs(t, err, calls.ErrReconciliationAnomaly)
	require.Equal(t, OutcomeAnomaly, res.Outcome)
	require.Equal(t, calls.StateInitiated, h.state(t, c.ID))

	evs := h.audit.Events()
	require.Equal(t, audit.EventTypeAnomaly, evs[len(evs)-1].Type)
	require.Equal(t, "CA-stranger", evs[len(evs)-1].LegID)
}

func TestHandleCallback_UnresolvableCallIsAnomaly(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.HandleCallback(context.Background(), calls.KindStatusCallback, "", status("CA-x", "ringing"))
	require.ErrorIs(t, err, calls.ErrReconciliationAnomaly)
	require.Equal(t, OutcomeAnomaly, res.Outcome)

	_, err = h.svc.HandleCallback(context.Background(), calls.KindStatusCallback, "no-such-call", status("CA-x", "ringing"))
	require.ErrorIs(t, err, calls.ErrReconciliationAnomaly)
}

func TestHandleCallback_DestinationBeforeRedirectIsAnomaly(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)
	h.callback(t, calls.KindStatusCallback, c.ID, status(originLeg, "ringing"))

	_, err := h.svc.HandleCallback(context.Background(), calls.KindStatusCallback, c.ID, destStatus("ringing"))
	require.ErrorIs(t, err, calls.ErrReconciliationAnomaly)

	_, err = h.store.FindLeg(context.Background(), destLeg)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, calls.StateRinging, h.state(t, c.ID))
}

func TestHandleCallback_DestinationAfterOriginHangupIsRecorded(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)
	h.toRedirecting(t, c.ID)

	// The activist hangs up while the dial is in flight.
	res := h.callback(t, calls.KindStatusCallback, c.ID, status(originLeg, "completed"))
	require.Equal(t, calls.StateFailed, res.State)

	res = h.callback(t, calls.KindStatusCallback, c.ID, destStatus("ringing"))
	require.Equal(t, OutcomeTerminal, res.Outcome)
	require.Equal(t, calls.StateFailed, h.state(t, c.ID))

	leg, err := h.store.FindLeg(context.Background(), destLeg)
	require.NoError(t, err)
	require.Equal(t, calls.RoleDestination, leg.Role)

	evs, err := h.svc.Events(context.Background(), c.ID)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	require.Equal(t, destLeg, last.LegID)
	require.Equal(t, calls.StateFailed, last.StateAfter)

	h.svc.Wait()
	require.Len(t, h.sink.outcomes, 1)
	require.Equal(t, 1, h.cap.released)
}

func TestHandleCallback_IllegalTransitionKeepsState(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	res, err := h.svc.HandleCallback(context.Background(), calls.KindAnsweredByCallback, c.ID, amd(originLeg, "human"))
	require.ErrorIs(t, err, calls.ErrIllegalTransition)
	var terr *calls.TransitionError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, calls.StateInitiated, terr.From)
	require.Equal(t, calls.TriggerOriginHuman, terr.Trigger)
	require.Equal(t, OutcomeIllegal, res.Outcome)

	require.Equal(t, calls.StateInitiated, h.state(t, c.ID))

	leg, err := h.store.FindLeg(context.Background(), originLeg)
	require.NoError(t, err)
	require.Equal(t, calls.AnsweredByHuman, leg.AnsweredBy)

	evs, err := h.svc.Events(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, evs[1].StateBefore, evs[1].StateAfter)

	aud := h.audit.Events()
	require.Equal(t, audit.EventTypeIllegalTransition, aud[len(aud)-1].Type)
}

func TestHandleCallback_ConcurrentRedeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	const n = 20
	outcomes := make(chan Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.HandleCallback(context.Background(), calls.KindStatusCallback, c.ID, status(originLeg, "ringing"))
			if err != nil {
				outcomes <- Outcome("error: " + err.Error())
				return
			}
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	require.Equal(t, 1, counts[OutcomeApplied])
	require.Equal(t, n-1, counts[OutcomeDuplicate])

	got, err := h.store.FindCall(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, calls.StateRinging, got.State)
	require.Equal(t, int64(1), got.Version)
}

func TestHandleCallback_PersistedRoleWinsOverPayload(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	// An origin leg callback that claims a parent must still drive origin triggers.
	fields := status(originLeg, "ringing")
	fields[calls.FieldParentCallSid] = "CA-elsewhere"
	res := h.callback(t, calls.KindStatusCallback, c.ID, fields)
	require.Equal(t, calls.TriggerOriginRinging, res.Trigger)
	require.Equal(t, calls.StateRinging, res.State)
}

func TestNextInstruction_UnknownLeg(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.NextInstruction(context.Background(), "x", map[string]string{calls.FieldCallSid: "CA-nope"})
	require.ErrorIs(t, err, ErrUnknownLeg)

	_, err = h.svc.NextInstruction(context.Background(), "x", map[string]string{})
	require.ErrorIs(t, err, calls.ErrClassification)
}

func TestStatus_UnknownCall(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Status(context.Background(), "missing")
	require.ErrorIs(t, err, ErrCallNotFound)
	_, err = h.svc.Events(context.Background(), "missing")
	require.ErrorIs(t, err, ErrCallNotFound)
}

func TestCallbackURLsUseWebhookRoutes(t *testing.T) {
	for _, r := range []string{RouteStatusCallback, RouteAMDStatusCallback, RouteDial, RouteDialStatusCallback, RouteDialAMDStatusCallback} {
		u := telephony.CallbackURL(baseURL+"/", r, "c1")
		require.True(t, strings.HasPrefix(u, baseURL+"/v1/phone/"+r+"/"), u)
	}
}
