// Package phase models the session lifecycle as an explicit state
// machine: cohost, battle ready-check, active contest, cooldown, and
// the invite sub-protocol that drives transitions between them.
//
// The backend is authoritative for every phase change; the machine
// validates local intents (guards) and folds observed updates into a
// consistent local state. It never advances a phase speculatively.
package phase

import (
	"errors"

	"github.com/stagelink/stagelink/internal/domain"
)

var (
	ErrSessionEnded    = errors.New("session ended")
	ErrNotInCohost     = errors.New("battle invite requires cohost phase")
	ErrNotInCooldown   = errors.New("requires cooldown phase")
	ErrNoPendingInvite = errors.New("no pending invite")
	ErrInvitePending   = errors.New("invite already pending")
	ErrNotInvited      = errors.New("invite addressed to another host")
	ErrNotInReadyCheck = errors.New("ready-up requires battle_ready phase")
	ErrNotInRoster     = errors.New("participant not in roster")
	ErrUnknownPhase    = errors.New("unknown session phase")
)

type EventType string

const (
	EvtPhaseChanged   EventType = "PhaseChanged"
	EvtInviteCreated  EventType = "InviteCreated"
	EvtInviteResolved EventType = "InviteResolved"
	EvtReadyChanged   EventType = "ReadyChanged"
	EvtRosterChanged  EventType = "RosterChanged"
	EvtEnded          EventType = "Ended"
)

// Event records one observed state change, for logging and for the
// engine to decide what downstream work a feed message caused.
type Event struct {
	Type    EventType
	Phase   domain.Phase
	Invite  *domain.Invite
	Profile domain.ProfileID
	Ready   bool
}

// Machine holds the locally-observed session lifecycle state.
type Machine struct {
	phase  domain.Phase
	invite *domain.Invite
	roster []domain.Participant
	ready  map[domain.ProfileID]bool
}

// New starts in cohost, the initial phase for any paired session.
func New() *Machine {
	return &Machine{
		phase: domain.PhaseCohost,
		ready: map[domain.ProfileID]bool{},
	}
}

func (m *Machine) Phase() domain.Phase { return m.phase }

// PendingInvite returns the open invite sub-record, if any.
func (m *Machine) PendingInvite() *domain.Invite {
	if m.invite != nil && m.invite.Status == domain.InvitePending {
		return m.invite
	}
	return nil
}

// Roster returns the last observed authoritative roster.
func (m *Machine) Roster() []domain.Participant { return m.roster }

// ReadyStates returns a copy of the observed ready map.
func (m *Machine) ReadyStates() map[domain.ProfileID]bool {
	out := make(map[domain.ProfileID]bool, len(m.ready))
	for k, v := range m.ready {
		out[k] = v
	}
	return out
}

// AllReady reports whether every roster member is flagged ready.
// Informational only: the backend performs the battle_ready to
// battle_active advance, the client merely observes it.
func (m *Machine) AllReady() bool {
	if len(m.roster) == 0 {
		return false
	}
	for _, p := range m.roster {
		if !m.ready[p.ProfileID] {
			return false
		}
	}
	return true
}

// ObserveSession folds a session record from the change feed into the
// machine. During battle_ready the ready map is rebuilt from the record
// on every observation; ready keys for non-roster ids are dropped.
func (m *Machine) ObserveSession(s *domain.Session) ([]Event, error) {
	if m.phase == domain.PhaseEnded {
		return nil, ErrSessionEnded
	}
	switch s.Phase {
	case domain.PhaseCohost, domain.PhaseBattleReady, domain.PhaseBattleActive, domain.PhaseCooldown, domain.PhaseEnded:
	default:
		return nil, ErrUnknownPhase
	}

	var events []Event
	entered := s.Phase != m.phase

	if rosterChanged(m.roster, s.Roster) {
		events = append(events, Event{Type: EvtRosterChanged})
	}
	m.roster = s.Roster

	if entered {
		m.phase = s.Phase
		events = append(events, Event{Type: EvtPhaseChanged, Phase: s.Phase})
		if s.Phase == domain.PhaseBattleReady {
			m.ready = map[domain.ProfileID]bool{}
		}
		if s.Phase == domain.PhaseEnded {
			events = append(events, Event{Type: EvtEnded})
			return events, nil
		}
	}

	if m.phase == domain.PhaseBattleReady {
		// The record is authoritative: rebuild rather than diff-merge,
		// so a key the backend dropped reads as not ready.
		next := make(map[domain.ProfileID]bool, len(s.ReadyStates))
		for id, v := range s.ReadyStates {
			if s.InRoster(id) {
				next[id] = v
			}
		}
		for id, v := range next {
			if m.ready[id] != v {
				events = append(events, Event{Type: EvtReadyChanged, Profile: id, Ready: v})
			}
		}
		for id, v := range m.ready {
			if _, ok := next[id]; !ok && v {
				events = append(events, Event{Type: EvtReadyChanged, Profile: id, Ready: false})
			}
		}
		m.ready = next
	}
	return events, nil
}

// ObserveInvite folds an invite sub-record update into the machine.
// A pending invite does not change the phase by itself.
func (m *Machine) ObserveInvite(inv domain.Invite) []Event {
	switch inv.Status {
	case domain.InvitePending:
		cp := inv
		m.invite = &cp
		return []Event{{Type: EvtInviteCreated, Invite: &cp}}
	case domain.InviteAccepted, domain.InviteDeclined:
		if m.invite == nil || m.invite.ID != inv.ID {
			return nil
		}
		m.invite = nil
		cp := inv
		return []Event{{Type: EvtInviteResolved, Invite: &cp}}
	default:
		return nil
	}
}

// EnsureCanInvite guards the "request battle" intent: cohost phase,
// no invite already in flight, requester in roster.
func (m *Machine) EnsureCanInvite(local domain.ProfileID) error {
	if m.phase == domain.PhaseEnded {
		return ErrSessionEnded
	}
	if m.phase != domain.PhaseCohost {
		return ErrNotInCohost
	}
	if m.PendingInvite() != nil {
		return ErrInvitePending
	}
	if !m.inRoster(local) {
		return ErrNotInRoster
	}
	return nil
}

// EnsureCanRespond guards invite accept/decline: a pending invite must
// exist and be addressed to the local host.
func (m *Machine) EnsureCanRespond(local domain.ProfileID) error {
	if m.phase == domain.PhaseEnded {
		return ErrSessionEnded
	}
	inv := m.PendingInvite()
	if inv == nil {
		return ErrNoPendingInvite
	}
	if inv.To != local {
		return ErrNotInvited
	}
	return nil
}

// EnsureCanReady guards the ready-up intent.
func (m *Machine) EnsureCanReady(local domain.ProfileID) error {
	if m.phase == domain.PhaseEnded {
		return ErrSessionEnded
	}
	if m.phase != domain.PhaseBattleReady {
		return ErrNotInReadyCheck
	}
	if !m.inRoster(local) {
		return ErrNotInRoster
	}
	return nil
}

// EnsureCanRematch guards the cooldown rematch intent, which reuses the
// invite sub-protocol.
func (m *Machine) EnsureCanRematch(local domain.ProfileID) error {
	if m.phase == domain.PhaseEnded {
		return ErrSessionEnded
	}
	if m.phase != domain.PhaseCooldown {
		return ErrNotInCooldown
	}
	if m.PendingInvite() != nil {
		return ErrInvitePending
	}
	if !m.inRoster(local) {
		return ErrNotInRoster
	}
	return nil
}

// EnsureCanStay guards the "stay paired" intent.
func (m *Machine) EnsureCanStay() error {
	if m.phase == domain.PhaseEnded {
		return ErrSessionEnded
	}
	if m.phase != domain.PhaseCooldown {
		return ErrNotInCooldown
	}
	return nil
}

// MarkEnded transitions the machine to the terminal state. Leave is
// unconditional and always available, so there is no guard.
func (m *Machine) MarkEnded() []Event {
	if m.phase == domain.PhaseEnded {
		return nil
	}
	m.phase = domain.PhaseEnded
	m.invite = nil
	return []Event{
		{Type: EvtPhaseChanged, Phase: domain.PhaseEnded},
		{Type: EvtEnded},
	}
}

func (m *Machine) inRoster(id domain.ProfileID) bool {
	for _, p := range m.roster {
		if p.ProfileID == id {
			return true
		}
	}
	return false
}

func rosterChanged(a, b []domain.Participant) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i].ProfileID != b[i].ProfileID || a[i].Team != b[i].Team {
			return true
		}
	}
	return false
}
