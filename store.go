/*
Copyright © 2026 sbrin
*/

package main

import (
	"sync"
	"time"
)

// Role is one of the two complementary participant categories. It decides
// which queue a user waits in and which video variant of a step they see.
type Role string

const (
	RoleMale   Role = "MALE"
	RoleFemale Role = "FEMALE"
)

func (r Role) Opposite() Role {
	if r == RoleMale {
		return RoleFemale
	}
	return RoleMale
}

// ActorName is the authored speaker of a scenario step.
type ActorName string

const (
	ActorHe  ActorName = "He"
	ActorShe ActorName = "She"
)

// Role returns the participant role that utters this actor's lines.
func (a ActorName) Role() Role {
	if a == ActorHe {
		return RoleMale
	}
	return RoleFemale
}

// SessionState is the lifecycle phase of a session. Users mirror the state
// of their current session in User.Status.
type SessionState string

const (
	StateWaitingForPartner SessionState = "WAITING_FOR_PARTNER"
	StatePartnerFound      SessionState = "PARTNER_FOUND"
	StateWaitingForStart   SessionState = "WAITING_FOR_START"
	StateActive            SessionState = "ACTIVE"
	StateFinished          SessionState = "FINISHED"
)

// EndReason is carried on the session_ended event.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonCancelled EndReason = "cancelled"
	ReasonTimeout   EndReason = "timeout"
)

// User is created on first reference to a device id and never deleted;
// role, session and status are cleared as sessions end or roles change.
type User struct {
	DeviceID  string
	Role      Role // empty until chosen
	Status    SessionState
	SessionID string
	Conn      *client // live websocket handle, nil when disconnected
}

// Session pairs exactly two users. Member order is assigned at creation
// and stable for the session's lifetime.
type Session struct {
	ID              string
	UserIDs         [2]string
	State           SessionState
	StartedUserIDs  map[string]bool
	CurrentStepID   string
	TurnDeviceID    string
	LastVideoByRole map[Role]string
	LastBubbleText  string
	CreatedAt       time.Time
}

func (s *Session) IsMember(deviceID string) bool {
	return s.UserIDs[0] == deviceID || s.UserIDs[1] == deviceID
}

func (s *Session) PartnerOf(deviceID string) string {
	if s.UserIDs[0] == deviceID {
		return s.UserIDs[1]
	}
	return s.UserIDs[0]
}

// Store is the single source of truth for users, sessions and the
// matchmaking queues. One mutex guards the whole store: every handler
// runs to completion under it, so each request observes and mutates a
// consistent snapshot.
type Store struct {
	mu       sync.Mutex
	users    map[string]*User
	sessions map[string]*Session
	queue    map[Role][]string
}

func newStore() *Store {
	return &Store{
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
		queue: map[Role][]string{
			RoleMale:   {},
			RoleFemale: {},
		},
	}
}

func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// ensureUser returns the user for deviceId, creating it on first reference.
// Callers must hold the store lock.
func (s *Store) ensureUser(deviceID string) *User {
	if u, ok := s.users[deviceID]; ok {
		return u
	}
	u := &User{DeviceID: deviceID}
	s.users[deviceID] = u
	return u
}

func (s *Store) session(id string) *Session {
	return s.sessions[id]
}

func (s *Store) addSession(session *Session) {
	s.sessions[session.ID] = session
}

func (s *Store) deleteSession(id string) {
	delete(s.sessions, id)
}
