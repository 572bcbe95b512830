package engine

import (
	"time"

	"github.com/imbhargav5/unbound.computer-sub014/internal/domain"
)

// SessionView is one session's entry in a snapshot.
type SessionView struct {
	Session      domain.Session `json:"session"`
	LastSequence int64          `json:"last_sequence"`
}

// Snapshot is an immutable view of all sessions at a point in time. It is
// rebuilt from the store at startup (and on explicit refresh); every write
// publishes a fresh copy, so a snapshot value never changes once handed
// out.
type Snapshot struct {
	TakenAt  time.Time     `json:"taken_at"`
	Sessions []SessionView `json:"sessions"`
}

// Session looks up a session view by id.
func (s *Snapshot) Session(sessionID string) (SessionView, bool) {
	for _, view := range s.Sessions {
		if view.Session.ID == sessionID {
			return view, true
		}
	}
	return SessionView{}, false
}

// withSession returns a copy with the view added, replacing any existing
// view for the same session.
func (s *Snapshot) withSession(view SessionView, at time.Time) *Snapshot {
	out := &Snapshot{TakenAt: at, Sessions: make([]SessionView, 0, len(s.Sessions)+1)}
	replaced := false
	for _, v := range s.Sessions {
		if v.Session.ID == view.Session.ID {
			out.Sessions = append(out.Sessions, view)
			replaced = true
			continue
		}
		out.Sessions = append(out.Sessions, v)
	}
	if !replaced {
		out.Sessions = append(out.Sessions, view)
	}
	return out
}

// withoutSession returns a copy with the session's view removed.
func (s *Snapshot) withoutSession(sessionID string, at time.Time) *Snapshot {
	out := &Snapshot{TakenAt: at, Sessions: make([]SessionView, 0, len(s.Sessions))}
	for _, v := range s.Sessions {
		if v.Session.ID != sessionID {
			out.Sessions = append(out.Sessions, v)
		}
	}
	return out
}

func buildSnapshot(sessions []*domain.Session, lastSeq map[string]int64, at time.Time) *Snapshot {
	snap := &Snapshot{TakenAt: at, Sessions: make([]SessionView, 0, len(sessions))}
	for _, session := range sessions {
		snap.Sessions = append(snap.Sessions, SessionView{
			Session:      *session,
			LastSequence: lastSeq[session.ID],
		})
	}
	return snap
}
