/*
Copyright © 2026 sbrin
*/

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	devMale   = "device-male-01"
	devFemale = "device-female-01"
)

type testApp struct {
	cfg      *Config
	store    *Store
	graph    *Graph
	hub      *Hub
	sessions *Sessions
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg := &Config{}
	store := newStore()
	graph := loadTestGraph(t, threeStepScenario, "m1", "f1", "m2", "f2", "m3")
	hub := newHub(cfg, store)
	return &testApp{
		cfg:      cfg,
		store:    store,
		graph:    graph,
		hub:      hub,
		sessions: newSessions(cfg, store, graph, hub),
	}
}

// connect attaches an in-process connection handle so notifier pushes can
// be observed without a websocket.
func (a *testApp) connect(deviceID string) *client {
	c := &client{send: make(chan envelope, 32), deviceID: deviceID}
	a.store.Lock()
	a.store.ensureUser(deviceID).Conn = c
	a.store.Unlock()
	return c
}

func drainEvents(c *client) []envelope {
	var events []envelope
	for {
		select {
		case e := <-c.send:
			events = append(events, e)
		default:
			return events
		}
	}
}

func eventNames(events []envelope) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	return names
}

// match selects complementary roles for both devices and queues them into
// a shared session.
func (a *testApp) match(t *testing.T) *Session {
	t.Helper()
	a.sessions.SelectRole(devMale, RoleMale)
	a.sessions.SelectRole(devFemale, RoleFemale)

	first, err := a.sessions.JoinQueue(devMale)
	require.NoError(t, err)
	require.Equal(t, searchQueued, first.Status)

	second, err := a.sessions.JoinQueue(devFemale)
	require.NoError(t, err)
	require.Equal(t, searchPartnerFound, second.Status)
	require.NotNil(t, second.Session)
	return second.Session
}

// start confirms both members and returns the session in ACTIVE state.
func (a *testApp) start(t *testing.T, session *Session) {
	t.Helper()
	result, err := a.sessions.ConfirmStart(devMale, session.ID)
	require.NoError(t, err)
	require.Equal(t, startWaiting, result.Status)

	result, err = a.sessions.ConfirmStart(devFemale, session.ID)
	require.NoError(t, err)
	require.Equal(t, startStarted, result.Status)
	require.True(t, result.StartedNow)
}

func TestMatchNotifiesQueuedPartner(t *testing.T) {
	app := newTestApp(t)
	maleConn := app.connect(devMale)
	femaleConn := app.connect(devFemale)

	session := app.match(t)

	maleEvents := drainEvents(maleConn)
	require.Equal(t, []string{eventPartnerFound}, eventNames(maleEvents))
	require.Equal(t, SessionRefEvent{SessionID: session.ID}, maleEvents[0].Data)

	femaleEvents := drainEvents(femaleConn)
	require.Equal(t, []string{eventPartnerFound}, eventNames(femaleEvents))
	require.Equal(t, SessionRefEvent{SessionID: session.ID}, femaleEvents[0].Data)
}

func TestConfirmStartIsIdempotentPerUser(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)

	for i := 0; i < 3; i++ {
		result, err := app.sessions.ConfirmStart(devMale, session.ID)
		require.NoError(t, err)
		require.Equal(t, startWaiting, result.Status)
		require.False(t, result.StartedNow)
	}
	require.Equal(t, StateWaitingForStart, session.State)

	result, err := app.sessions.ConfirmStart(devFemale, session.ID)
	require.NoError(t, err)
	require.True(t, result.StartedNow)

	// Re-confirming an active session is a safe retry: STARTED again, but
	// startedNow never fires twice.
	result, err = app.sessions.ConfirmStart(devFemale, session.ID)
	require.NoError(t, err)
	require.Equal(t, startStarted, result.Status)
	require.False(t, result.StartedNow)
}

func TestConfirmStartErrors(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)

	_, err := app.sessions.ConfirmStart(devMale, "session-unknown")
	require.ErrorIs(t, err, errSessionNotFound)

	_, err = app.sessions.ConfirmStart("device-stranger", session.ID)
	require.ErrorIs(t, err, errSessionNotFound)

	app.start(t, session)
	_, err = app.sessions.EndSession(devMale, session.ID)
	require.NoError(t, err)

	_, err = app.sessions.ConfirmStart(devMale, session.ID)
	require.ErrorIs(t, err, errSessionNotReady)
}

func TestSessionStartPushesRootStepToBoth(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	maleConn := app.connect(devMale)
	femaleConn := app.connect(devFemale)

	app.start(t, session)

	require.Equal(t, StateActive, session.State)
	require.Equal(t, "step-root0001", session.CurrentStepID)
	// Root actor is He, so the male member holds the turn.
	require.Equal(t, devMale, session.TurnDeviceID)

	maleEvents := drainEvents(maleConn)
	require.Equal(t, []string{eventSessionStarted, eventSessionStep}, eventNames(maleEvents))

	maleStep, ok := maleEvents[1].Data.(StepEvent)
	require.True(t, ok)
	require.Equal(t, "step-root0001", maleStep.StepID)
	require.Equal(t, ActorHe, maleStep.Actor.Name)
	require.Equal(t, devMale, maleStep.TurnDeviceID)
	// The male viewer sees the clip keyed under the female role.
	require.Equal(t, "f1.mp4", maleStep.VideoURL)
	require.Equal(t, []StepChoice{{ID: "0", Text: "Да"}, {ID: "1", Text: "Нет"}}, maleStep.Choices)
	// The turn holder gets no preload hints.
	require.Empty(t, maleStep.PreloadVideoURLs)

	femaleEvents := drainEvents(femaleConn)
	require.Equal(t, []string{eventSessionStarted, eventSessionStep}, eventNames(femaleEvents))

	femaleStep, ok := femaleEvents[1].Data.(StepEvent)
	require.True(t, ok)
	require.Equal(t, "m1.mp4", femaleStep.VideoURL)
	// The non-turn member is told what clips may come next.
	require.Equal(t, []string{"m2.mp4"}, femaleStep.PreloadVideoURLs)
}

func TestSubmitAnswerOffTurnIsNoop(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	app.start(t, session)
	femaleConn := app.connect(devFemale)

	status, err := app.sessions.SubmitAnswer(devFemale, session.ID, "0")
	require.NoError(t, err)
	require.Equal(t, answerNoop, status)
	require.Equal(t, "step-root0001", session.CurrentStepID)
	require.Empty(t, drainEvents(femaleConn))
}

func TestSubmitAnswerAdvancesDialog(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	app.start(t, session)
	maleConn := app.connect(devMale)
	femaleConn := app.connect(devFemale)

	status, err := app.sessions.SubmitAnswer(devMale, session.ID, "1")
	require.NoError(t, err)
	require.Equal(t, answerOK, status)

	require.Equal(t, "step-mid00001", session.CurrentStepID)
	require.Equal(t, devFemale, session.TurnDeviceID)
	require.Equal(t, "Нет", session.LastBubbleText)

	maleEvents := drainEvents(maleConn)
	require.Equal(t, []string{eventSessionStep}, eventNames(maleEvents))
	maleStep := maleEvents[0].Data.(StepEvent)
	// The picked label becomes the bubble both sides see.
	require.Equal(t, "Нет", maleStep.BubbleText)
	require.Equal(t, "f2.mp4", maleStep.VideoURL)
	require.Equal(t, devFemale, maleStep.TurnDeviceID)

	femaleStep := drainEvents(femaleConn)[0].Data.(StepEvent)
	require.Equal(t, "m2.mp4", femaleStep.VideoURL)
	require.Empty(t, femaleStep.PreloadVideoURLs)
}

func TestSubmitAnswerRejectsInvalidChoices(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	app.start(t, session)

	_, err := app.sessions.SubmitAnswer(devMale, session.ID, "да")
	require.ErrorIs(t, err, errInvalidChoice)

	_, err = app.sessions.SubmitAnswer(devMale, session.ID, "5")
	require.ErrorIs(t, err, errInvalidChoice)

	_, err = app.sessions.SubmitAnswer(devMale, "session-unknown", "0")
	require.ErrorIs(t, err, errSessionNotFound)

	require.Equal(t, "step-root0001", session.CurrentStepID)
}

func TestSubmitAnswerBeforeStartIsRejected(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)

	_, err := app.sessions.SubmitAnswer(devMale, session.ID, "0")
	require.ErrorIs(t, err, errSessionNotActive)
}

func TestTerminalStepCompletesSession(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	app.start(t, session)
	maleConn := app.connect(devMale)
	femaleConn := app.connect(devFemale)

	_, err := app.sessions.SubmitAnswer(devMale, session.ID, "0")
	require.NoError(t, err)
	status, err := app.sessions.SubmitAnswer(devFemale, session.ID, "0")
	require.NoError(t, err)
	require.Equal(t, answerOK, status)

	require.Equal(t, StateFinished, session.State)
	// Finished sessions stay in the table; members are detached.
	require.NotNil(t, app.store.session(session.ID))
	require.Empty(t, app.store.users[devMale].SessionID)
	require.Empty(t, app.store.users[devFemale].SessionID)

	for _, conn := range []*client{maleConn, femaleConn} {
		events := drainEvents(conn)
		require.Equal(t,
			[]string{eventSessionStep, eventSessionStep, eventSessionEnded},
			eventNames(events))
		require.Equal(t,
			SessionEndedEvent{SessionID: session.ID, Reason: ReasonCompleted},
			events[2].Data)
	}
}

func TestEndSessionCancelsAndThenNoops(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	app.start(t, session)
	maleConn := app.connect(devMale)
	femaleConn := app.connect(devFemale)

	status, err := app.sessions.EndSession(devFemale, session.ID)
	require.NoError(t, err)
	require.Equal(t, answerOK, status)

	for _, conn := range []*client{maleConn, femaleConn} {
		events := drainEvents(conn)
		require.Equal(t, []string{eventSessionEnded}, eventNames(events))
		require.Equal(t,
			SessionEndedEvent{SessionID: session.ID, Reason: ReasonCancelled},
			events[0].Data)
	}

	status, err = app.sessions.EndSession(devFemale, session.ID)
	require.NoError(t, err)
	require.Equal(t, answerNoop, status)
	require.Empty(t, drainEvents(femaleConn))

	_, err = app.sessions.EndSession("device-stranger", session.ID)
	require.ErrorIs(t, err, errSessionNotFound)
}

func TestCancelQueueDissolvesPreStartSessionWithDistinctEvent(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	femaleConn := app.connect(devFemale)

	app.sessions.CancelQueue(devMale)

	// The abandoned partner sees "partner cancelled", not "session
	// ended": the two terminal outcomes stay distinguishable on the wire.
	events := drainEvents(femaleConn)
	require.Equal(t, []string{eventPartnerCancelled}, eventNames(events))
	require.Equal(t, SessionRefEvent{SessionID: session.ID}, events[0].Data)
	require.Nil(t, app.store.session(session.ID))
}

func TestSelectRoleChangeDissolvesPendingSession(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	femaleConn := app.connect(devFemale)

	app.sessions.SelectRole(devMale, RoleFemale)

	events := drainEvents(femaleConn)
	require.Equal(t, []string{eventPartnerCancelled}, eventNames(events))
	require.Nil(t, app.store.session(session.ID))
	require.Equal(t, RoleFemale, app.store.users[devMale].Role)

	// Re-selecting the same role disturbs nothing.
	app.sessions.SelectRole(devFemale, RoleFemale)
	require.Empty(t, drainEvents(femaleConn))
}

func TestResumeWalksEveryViewpoint(t *testing.T) {
	app := newTestApp(t)

	// No role, no queue, no session.
	result, err := app.sessions.Resume(devMale)
	require.NoError(t, err)
	require.Equal(t, resumeNone, result.Status)

	// Queued alone.
	app.sessions.SelectRole(devMale, RoleMale)
	_, err = app.sessions.JoinQueue(devMale)
	require.NoError(t, err)
	result, err = app.sessions.Resume(devMale)
	require.NoError(t, err)
	require.Equal(t, resumeQueued, result.Status)

	// Matched, nobody confirmed yet.
	app.sessions.SelectRole(devFemale, RoleFemale)
	joined, err := app.sessions.JoinQueue(devFemale)
	require.NoError(t, err)
	session := joined.Session

	result, err = app.sessions.Resume(devMale)
	require.NoError(t, err)
	require.Equal(t, resumeFound, result.Status)
	require.Equal(t, session.ID, result.SessionID)

	// This user confirmed, partner has not: WAITING for me, FOUND for them.
	_, err = app.sessions.ConfirmStart(devMale, session.ID)
	require.NoError(t, err)

	result, err = app.sessions.Resume(devMale)
	require.NoError(t, err)
	require.Equal(t, resumeWaiting, result.Status)

	result, err = app.sessions.Resume(devFemale)
	require.NoError(t, err)
	require.Equal(t, resumeFound, result.Status)

	// Mid-dialog: the step payload is re-derived, not replayed.
	_, err = app.sessions.ConfirmStart(devFemale, session.ID)
	require.NoError(t, err)
	_, err = app.sessions.SubmitAnswer(devMale, session.ID, "0")
	require.NoError(t, err)

	result, err = app.sessions.Resume(devFemale)
	require.NoError(t, err)
	require.Equal(t, resumeActive, result.Status)
	require.Equal(t, session.ID, result.SessionID)
	require.NotNil(t, result.Step)
	require.Equal(t, "step-mid00001", result.Step.StepID)
	require.Equal(t, devFemale, result.Step.TurnDeviceID)
	require.Equal(t, "Да", result.Step.BubbleText)
	require.Equal(t, "m2.mp4", result.Step.VideoURL)

	// After completion the viewpoint collapses back to NONE.
	_, err = app.sessions.SubmitAnswer(devFemale, session.ID, "0")
	require.NoError(t, err)
	result, err = app.sessions.Resume(devFemale)
	require.NoError(t, err)
	require.Equal(t, resumeNone, result.Status)
}

func TestResumeQueuedWithoutRoleDemandsRole(t *testing.T) {
	app := newTestApp(t)
	app.store.Lock()
	user := app.store.ensureUser(devMale)
	user.Status = StateWaitingForPartner
	app.store.Unlock()

	_, err := app.sessions.Resume(devMale)
	require.ErrorIs(t, err, errRoleRequired)
}

func TestSlowConsumerStillGetsDisconnectCleanup(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)
	femaleConn := app.connect(devFemale)

	// A one-slot buffer saturates on the second emit.
	maleConn := &client{send: make(chan envelope, 1), deviceID: devMale}
	app.store.Lock()
	app.store.ensureUser(devMale).Conn = maleConn
	require.True(t, app.hub.emit(devMale, eventPartnerFound, nil))
	require.False(t, app.hub.emit(devMale, eventPartnerFound, nil))

	// The saturated handle is released but stays on the user, so the read
	// pump's teardown still recognizes it as the live socket.
	require.True(t, maleConn.closed)
	require.Same(t, maleConn, app.store.users[devMale].Conn)
	require.False(t, app.hub.emit(devMale, eventPartnerFound, nil))
	app.store.Unlock()

	maleConn.disconnect(app.cfg, app.store, app.hub)

	// The implicit cancellation ran: pre-start session dissolved, partner
	// notified.
	events := drainEvents(femaleConn)
	require.Equal(t, []string{eventPartnerCancelled}, eventNames(events))
	require.Equal(t, SessionRefEvent{SessionID: session.ID}, events[0].Data)

	app.store.Lock()
	defer app.store.Unlock()
	require.Nil(t, app.store.session(session.ID))
	require.Nil(t, app.store.users[devMale].Conn)
}

func TestHubDropsEventsForDisconnectedUsers(t *testing.T) {
	app := newTestApp(t)
	session := app.match(t)

	// Nobody is connected; confirming start pushes into the void without
	// erroring.
	app.start(t, session)
	require.Equal(t, StateActive, session.State)
}
