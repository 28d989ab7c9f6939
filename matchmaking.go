/*
Copyright © 2026 sbrin
*/

package main

import (
	"errors"

	"github.com/samber/lo"
)

var errRoleRequired = errors.New("ROLE_REQUIRED")

type searchStatus string

const (
	searchQueued       searchStatus = "QUEUED"
	searchPartnerFound searchStatus = "PARTNER_FOUND"
)

// SearchResult is the outcome of a queue join: either still waiting, or
// matched into a session together with the partner.
type SearchResult struct {
	Status  searchStatus
	Session *Session
}

// CancelResult reports what a cancellation dissolved, so the caller can
// notify the abandoned partner.
type CancelResult struct {
	PartnerID string
	SessionID string
}

// joinQueue enqueues a user and immediately tries to pair it with the
// first waiting user of the opposite role. Pure FIFO; no scoring. Joining
// with a live session already on record returns that session instead of
// re-queueing. Callers must hold the store lock.
func joinQueue(store *Store, deviceID string) (SearchResult, error) {
	user := store.ensureUser(deviceID)
	if user.Role == "" {
		return SearchResult{}, errRoleRequired
	}

	if user.SessionID != "" {
		if existing := store.session(user.SessionID); existing != nil {
			return SearchResult{Status: searchPartnerFound, Session: existing}, nil
		}
	}

	if !lo.Contains(store.queue[user.Role], deviceID) {
		store.queue[user.Role] = append(store.queue[user.Role], deviceID)
	}
	user.Status = StateWaitingForPartner

	opposite := user.Role.Opposite()
	if len(store.queue[opposite]) == 0 {
		return SearchResult{Status: searchQueued}, nil
	}

	partnerID := store.queue[opposite][0]
	store.queue[opposite] = store.queue[opposite][1:]
	removeFromQueue(store, user.Role, deviceID)

	session := createSession(store, deviceID, partnerID)

	return SearchResult{Status: searchPartnerFound, Session: session}, nil
}

func removeFromQueue(store *Store, role Role, deviceID string) {
	store.queue[role] = lo.Without(store.queue[role], deviceID)
}

// cancelSearch backs a user out of matchmaking: it removes them from
// their queue and, when a session exists that has not gone active yet,
// dissolves it entirely: deleted from the table, not marked finished,
// because no dialog content was ever shown. Callers must hold the store
// lock.
func cancelSearch(store *Store, deviceID string) CancelResult {
	user := store.ensureUser(deviceID)

	if user.Role != "" {
		removeFromQueue(store, user.Role, deviceID)
	}

	var result CancelResult

	if user.SessionID != "" {
		session := store.session(user.SessionID)
		if session != nil && session.IsMember(deviceID) &&
			(session.State == StatePartnerFound || session.State == StateWaitingForStart) {
			result.SessionID = session.ID
			result.PartnerID = session.PartnerOf(deviceID)

			for _, memberID := range session.UserIDs {
				member := store.ensureUser(memberID)
				member.SessionID = ""
				member.Status = ""
			}
			store.deleteSession(session.ID)
		}
		user.SessionID = ""
	}

	user.Status = ""

	return result
}
