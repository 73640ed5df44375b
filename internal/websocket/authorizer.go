package websocket

import (
	"moments-media/internal/session"

	"github.com/google/uuid"
)

// Source says where a watcher's progress frames come from.
type Source int

const (
	SourceDenied Source = iota
	SourceLocal
	SourceRemote
)

// LocalSessions is the slice of the session manager the websocket needs.
type LocalSessions interface {
	Get(id uuid.UUID) (session.Snapshot, bool)
	Subscribe(id uuid.UUID) (<-chan session.Snapshot, func(), bool)
}

// SessionAuthorizer decides whether userID may watch a session and how.
// A session held by this process is only visible to its owner. Unknown
// sessions may live on another replica; those are relayed from Redis, where
// every event carries its owner and the hub filters on it.
type SessionAuthorizer struct {
	sessions LocalSessions
	remote   bool
}

func NewSessionAuthorizer(sessions LocalSessions, remote bool) *SessionAuthorizer {
	return &SessionAuthorizer{sessions: sessions, remote: remote}
}

func (a *SessionAuthorizer) Authorize(userID, sessionID uuid.UUID) Source {
	if snap, ok := a.sessions.Get(sessionID); ok {
		if snap.UserID == userID {
			return SourceLocal
		}
		return SourceDenied
	}
	if a.remote {
		return SourceRemote
	}
	return SourceDenied
}
