package domain

import (
	"errors"
	"time"
)

const MaxDisplayNameLen = 48

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type (
	SessionID string
	ProfileID string
)

// SessionKind distinguishes a plain cohost pairing from a scored battle.
type SessionKind string

const (
	KindCohost SessionKind = "cohost"
	KindBattle SessionKind = "battle"
)

// Phase is the backend-authoritative lifecycle phase of a session.
type Phase string

const (
	PhaseCohost       Phase = "cohost"
	PhaseBattleReady  Phase = "battle_ready"
	PhaseBattleActive Phase = "battle_active"
	PhaseCooldown     Phase = "cooldown"
	PhaseEnded        Phase = "ended"
)

// Team is the battle side a participant fights for.
type Team string

const (
	TeamA Team = "A"
	TeamB Team = "B"
)

// Participant is one roster entry. Roster order is authoritative for
// tile order; SlotIndex is the backend-assigned seat.
type Participant struct {
	ProfileID   ProfileID `json:"profile_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	Team        Team      `json:"team,omitempty"`
	SlotIndex   int       `json:"slot_index"`
	IsHost      bool      `json:"is_host"`
}

// Session is the authoritative record for a paired session. The engine
// treats it as read-mostly input; all mutation happens on the backend.
type Session struct {
	ID          SessionID          `json:"id"`
	Kind        SessionKind        `json:"kind"`
	Phase       Phase              `json:"phase"`
	Roster      []Participant      `json:"roster"`
	ReadyStates map[ProfileID]bool `json:"ready_states,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	PhaseEndsAt time.Time          `json:"phase_ends_at,omitempty"`
}

// InRoster reports whether id is a roster member.
func (s *Session) InRoster(id ProfileID) bool {
	for i := range s.Roster {
		if s.Roster[i].ProfileID == id {
			return true
		}
	}
	return false
}

// ParticipantByID returns the roster entry for id, if any.
func (s *Session) ParticipantByID(id ProfileID) (Participant, bool) {
	for i := range s.Roster {
		if s.Roster[i].ProfileID == id {
			return s.Roster[i], true
		}
	}
	return Participant{}, false
}

// PrimaryHost returns the first roster entry flagged as host, falling
// back to participant 0 when no entry carries the flag.
func (s *Session) PrimaryHost() (Participant, bool) {
	for i := range s.Roster {
		if s.Roster[i].IsHost {
			return s.Roster[i], true
		}
	}
	if len(s.Roster) > 0 {
		return s.Roster[0], true
	}
	return Participant{}, false
}

// InviteStatus tracks the invite sub-record lifecycle.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
)

// Invite is the battle/rematch invite sub-record. It never changes
// Session.Phase by itself; the backend does that on accept.
type Invite struct {
	ID        string       `json:"id"`
	SessionID SessionID    `json:"session_id"`
	From      ProfileID    `json:"from"`
	To        ProfileID    `json:"to"`
	Status    InviteStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// ValidateDisplayName keeps adapter input in bounds before it reaches
// roster data.
func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
