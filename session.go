/*
Copyright © 2026 sbrin
*/

package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Client protocol errors surfaced synchronously by the handlers.
var (
	errSessionNotFound  = errors.New("SESSION_NOT_FOUND")
	errSessionNotReady  = errors.New("SESSION_NOT_READY")
	errSessionNotActive = errors.New("SESSION_NOT_ACTIVE")
)

type startStatus string

const (
	startWaiting startStatus = "WAITING"
	startStarted startStatus = "STARTED"
)

// StartResult reports a confirmation outcome. StartedNow is true exactly
// once per session, on the call that supplied the second confirmation; it
// gates the session_started broadcast.
type StartResult struct {
	Status     startStatus
	StartedNow bool
	Session    *Session
}

type answerStatus string

const (
	answerOK   answerStatus = "OK"
	answerNoop answerStatus = "NOOP"
)

type resumeStatus string

const (
	resumeNone    resumeStatus = "NONE"
	resumeQueued  resumeStatus = "QUEUED"
	resumeFound   resumeStatus = "FOUND"
	resumeWaiting resumeStatus = "WAITING"
	resumeActive  resumeStatus = "ACTIVE"
)

// ResumeResult reconstructs a client's view after reconnect. SessionID is
// set for FOUND/WAITING/ACTIVE; Step only for ACTIVE.
type ResumeResult struct {
	Status    resumeStatus
	SessionID string
	Step      *StepEvent
}

// Sessions is the session lifecycle manager: it owns the per-session
// state machine, the turn-taking protocol, and every notification that
// follows from a state change. All public methods take and release the
// store lock, so each call is atomic against the shared maps.
type Sessions struct {
	cfg   *Config
	store *Store
	graph *Graph
	hub   *Hub
}

func newSessions(cfg *Config, store *Store, graph *Graph, hub *Hub) *Sessions {
	return &Sessions{cfg: cfg, store: store, graph: graph, hub: hub}
}

// createSession pairs two users into a new PARTNER_FOUND session. Callers
// must hold the store lock.
func createSession(store *Store, firstID, secondID string) *Session {
	session := &Session{
		ID:              uuid.NewString(),
		UserIDs:         [2]string{firstID, secondID},
		State:           StatePartnerFound,
		StartedUserIDs:  make(map[string]bool),
		LastVideoByRole: make(map[Role]string),
		CreatedAt:       time.Now(),
	}
	store.addSession(session)

	for _, memberID := range session.UserIDs {
		member := store.ensureUser(memberID)
		member.SessionID = session.ID
		member.Status = StatePartnerFound
	}

	return session
}

// SelectRole assigns a role to a device. Changing an already-assigned
// role dissolves any pre-start pairing, since the old pairing's
// complementary-roles invariant no longer holds.
func (m *Sessions) SelectRole(deviceID string, role Role) {
	m.store.Lock()
	defer m.store.Unlock()

	user := m.store.ensureUser(deviceID)
	if user.Role != "" && user.Role != role {
		result := cancelSearch(m.store, deviceID)
		if result.PartnerID != "" && result.SessionID != "" {
			m.hub.emitPartnerCancelled(result.PartnerID, result.SessionID)
		}
	}
	user.Role = role

	logEvent(m.cfg, analyticsSelectedGender, map[string]any{"deviceId": deviceID, "role": role})
}

// JoinQueue enters matchmaking and, on a match, notifies both members.
func (m *Sessions) JoinQueue(deviceID string) (SearchResult, error) {
	m.store.Lock()
	defer m.store.Unlock()

	result, err := joinQueue(m.store, deviceID)
	if err != nil {
		return SearchResult{}, err
	}

	if result.Status == searchPartnerFound {
		for _, memberID := range result.Session.UserIDs {
			m.hub.emitPartnerFound(memberID, result.Session.ID)
			logEvent(m.cfg, analyticsPartnerFound, map[string]any{
				"deviceId":  memberID,
				"sessionId": result.Session.ID,
			})
		}
	} else {
		logEvent(m.cfg, analyticsQueued, map[string]any{"deviceId": deviceID})
	}

	return result, nil
}

// CancelQueue backs the user out of the queue or a pre-start session and
// notifies an abandoned partner. Always succeeds; cancelling nothing is a
// no-op.
func (m *Sessions) CancelQueue(deviceID string) {
	m.store.Lock()
	defer m.store.Unlock()

	result := cancelSearch(m.store, deviceID)
	if result.PartnerID != "" && result.SessionID != "" {
		m.hub.emitPartnerCancelled(result.PartnerID, result.SessionID)
	}

	logEvent(m.cfg, analyticsDisconnect, map[string]any{
		"deviceId":  deviceID,
		"sessionId": result.SessionID,
	})
}

// ConfirmStart records one member's readiness. Idempotent per user; the
// second distinct confirmation flips the session to ACTIVE, fires the
// started broadcast and pushes the root step to both members. Confirming
// an already-active session returns STARTED with no side effects, so
// client retries are safe.
func (m *Sessions) ConfirmStart(deviceID, sessionID string) (StartResult, error) {
	m.store.Lock()
	defer m.store.Unlock()

	logEvent(m.cfg, analyticsStartPressed, map[string]any{"deviceId": deviceID, "sessionId": sessionID})

	session := m.store.session(sessionID)
	if session == nil || !session.IsMember(deviceID) {
		return StartResult{}, errSessionNotFound
	}

	switch session.State {
	case StateActive:
		return StartResult{Status: startStarted, Session: session}, nil
	case StatePartnerFound, StateWaitingForStart:
	default:
		return StartResult{}, errSessionNotReady
	}

	session.StartedUserIDs[deviceID] = true

	if len(session.StartedUserIDs) < 2 {
		session.State = StateWaitingForStart
		m.store.ensureUser(deviceID).Status = StateWaitingForStart
		return StartResult{Status: startWaiting, Session: session}, nil
	}

	session.State = StateActive
	for _, memberID := range session.UserIDs {
		m.store.ensureUser(memberID).Status = StateActive
		m.hub.emitSessionStarted(memberID, session.ID)
		logEvent(m.cfg, analyticsSessionStarted, map[string]any{
			"deviceId":  memberID,
			"sessionId": session.ID,
		})
	}

	m.beginDialog(session)

	return StartResult{Status: startStarted, StartedNow: true, Session: session}, nil
}

// beginDialog places the session on the scenario root and pushes the
// first step to both members.
func (m *Sessions) beginDialog(session *Session) {
	session.CurrentStepID = m.graph.RootStepID()

	step, err := m.graph.Step(session.CurrentStepID)
	if err != nil {
		panic(fmt.Sprintf("session %s: %v", session.ID, err))
	}

	session.TurnDeviceID = m.turnOwner(session, step)
	m.pushStep(session, step, "")
}

// SubmitAnswer advances the dialog by one step. Only the current turn
// holder moves the session; anyone else gets a NOOP, never an error.
// Duplicate and late submissions are legitimate client behavior, and the
// server is the sole arbiter of turn order.
func (m *Sessions) SubmitAnswer(deviceID, sessionID, choiceID string) (answerStatus, error) {
	m.store.Lock()
	defer m.store.Unlock()

	session := m.store.session(sessionID)
	if session == nil || !session.IsMember(deviceID) {
		return "", errSessionNotFound
	}
	if session.State != StateActive {
		return "", errSessionNotActive
	}
	if session.TurnDeviceID != "" && session.TurnDeviceID != deviceID {
		return answerNoop, nil
	}

	user := m.store.ensureUser(deviceID)
	if user.Role == "" {
		return "", errRoleRequired
	}

	if session.CurrentStepID == "" {
		session.CurrentStepID = m.graph.RootStepID()
	}

	choiceIndex, err := strconv.Atoi(choiceID)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a choice index", errInvalidChoice, choiceID)
	}

	nextStepID, choiceText, err := m.graph.ResolveChoice(session.CurrentStepID, choiceIndex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidChoice, err)
	}

	logEvent(m.cfg, analyticsChoiceMade, map[string]any{
		"deviceId":  deviceID,
		"sessionId": sessionID,
		"stepId":    session.CurrentStepID,
		"choiceId":  choiceID,
	})

	nextStep, err := m.graph.Step(nextStepID)
	if err != nil {
		panic(fmt.Sprintf("session %s: %v", session.ID, err))
	}

	session.CurrentStepID = nextStepID
	session.TurnDeviceID = m.turnOwner(session, nextStep)
	session.LastBubbleText = choiceText

	// The picked label becomes the bubble both sides see: "what you said".
	m.pushStep(session, nextStep, choiceText)

	if nextStep.Terminal() {
		m.finalize(session, ReasonCompleted)
	}

	return answerOK, nil
}

// Resume reconstructs what a reconnecting client should see from
// currentStepId, lastVideoByRole and lastBubbleText alone. No event
// history is kept or replayed.
func (m *Sessions) Resume(deviceID string) (ResumeResult, error) {
	m.store.Lock()
	defer m.store.Unlock()

	user := m.store.ensureUser(deviceID)

	if user.SessionID == "" {
		if user.Status == StateWaitingForPartner {
			if user.Role == "" {
				return ResumeResult{}, errRoleRequired
			}
			return ResumeResult{Status: resumeQueued}, nil
		}
		return ResumeResult{Status: resumeNone}, nil
	}

	session := m.store.session(user.SessionID)
	if session == nil || !session.IsMember(deviceID) {
		return ResumeResult{Status: resumeNone}, nil
	}

	switch session.State {
	case StatePartnerFound, StateWaitingForStart, StateActive:
	default:
		return ResumeResult{Status: resumeNone}, nil
	}

	if user.Role == "" {
		return ResumeResult{}, errRoleRequired
	}

	if session.State == StatePartnerFound {
		return ResumeResult{Status: resumeFound, SessionID: session.ID}, nil
	}

	if session.State == StateWaitingForStart {
		status := resumeFound
		if session.StartedUserIDs[deviceID] {
			status = resumeWaiting
		}
		return ResumeResult{Status: status, SessionID: session.ID}, nil
	}

	if session.CurrentStepID == "" {
		session.CurrentStepID = m.graph.RootStepID()
	}

	step, err := m.graph.Step(session.CurrentStepID)
	if err != nil {
		panic(fmt.Sprintf("session %s: %v", session.ID, err))
	}

	session.TurnDeviceID = m.turnOwner(session, step)
	user.Status = StateActive

	event := m.buildStepEvent(session, step, user, session.LastBubbleText)

	logEvent(m.cfg, analyticsStepShown, map[string]any{
		"deviceId":     deviceID,
		"sessionId":    session.ID,
		"stepId":       step.ID,
		"turnDeviceId": session.TurnDeviceID,
	})

	return ResumeResult{Status: resumeActive, SessionID: session.ID, Step: &event}, nil
}

// EndSession force-finishes a session with reason "cancelled". Ending an
// already-finished session is a NOOP and sends nothing.
func (m *Sessions) EndSession(deviceID, sessionID string) (answerStatus, error) {
	m.store.Lock()
	defer m.store.Unlock()

	session := m.store.session(sessionID)
	if session == nil || !session.IsMember(deviceID) {
		return "", errSessionNotFound
	}
	if session.State == StateFinished {
		return answerNoop, nil
	}

	m.finalize(session, ReasonCancelled)
	return answerOK, nil
}

// finalize moves a session to FINISHED, detaches both members and pushes
// the terminal notification. The session stays in the table; late resume
// calls observe NONE through the members' cleared sessionId.
func (m *Sessions) finalize(session *Session, reason EndReason) {
	session.State = StateFinished
	session.CurrentStepID = ""
	session.TurnDeviceID = ""
	session.LastVideoByRole = make(map[Role]string)
	session.StartedUserIDs = make(map[string]bool)

	for _, memberID := range session.UserIDs {
		member := m.store.ensureUser(memberID)
		member.SessionID = ""
		member.Status = StateFinished

		m.hub.emitSessionEnded(memberID, session.ID, reason)
		logEvent(m.cfg, analyticsSessionEnd, map[string]any{
			"deviceId":  memberID,
			"sessionId": session.ID,
			"reason":    reason,
		})
	}
}

// turnOwner derives the turn holder for a step: the member whose stored
// role matches the step's acting role. Start, answer and resume all go
// through here so the rule cannot drift. An unresolvable owner means the
// complementary-roles invariant broke, which is a logic bug, not bad
// input.
func (m *Sessions) turnOwner(session *Session, step *Step) string {
	actingRole := step.Actor.Role()
	for _, memberID := range session.UserIDs {
		if m.store.ensureUser(memberID).Role == actingRole {
			return memberID
		}
	}
	panic(fmt.Sprintf("turn device not found: session %s step %s acting role %s", session.ID, step.ID, actingRole))
}

// pushStep emits the step to both members, each with their own video
// resolution and carry-over fallback. Preload hints go only to the
// non-turn member: they are the one whose next video is predictable.
func (m *Sessions) pushStep(session *Session, step *Step, bubbleText string) {
	for _, memberID := range session.UserIDs {
		member := m.store.ensureUser(memberID)
		event := m.buildStepEvent(session, step, member, bubbleText)
		m.hub.emitSessionStep(memberID, event)

		logEvent(m.cfg, analyticsStepShown, map[string]any{
			"deviceId":     memberID,
			"sessionId":    session.ID,
			"stepId":       step.ID,
			"turnDeviceId": session.TurnDeviceID,
		})
	}
}

func (m *Sessions) buildStepEvent(session *Session, step *Step, viewer *User, bubbleText string) StepEvent {
	videoURL, err := m.graph.videoFor(step, viewer.Role, session.LastVideoByRole[viewer.Role])
	if err != nil {
		// Unreachable after load-time root validation.
		panic(fmt.Sprintf("session %s: %v", session.ID, err))
	}
	session.LastVideoByRole[viewer.Role] = videoURL

	choices := make([]StepChoice, 0, len(step.Choices))
	for i, choice := range step.Choices {
		choices = append(choices, StepChoice{ID: strconv.Itoa(i), Text: choice.Text})
	}

	event := StepEvent{
		SessionID:    session.ID,
		StepID:       step.ID,
		Actor:        StepActor{Name: step.Actor},
		BubbleText:   bubbleText,
		Choices:      choices,
		VideoURL:     videoURL,
		TurnDeviceID: session.TurnDeviceID,
	}

	if viewer.DeviceID != session.TurnDeviceID {
		event.PreloadVideoURLs = m.graph.PreloadVideoURLs(step.ID, viewer.Role)
	}

	return event
}
