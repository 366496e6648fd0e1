package core

import (
	"context"

	"github.com/stagelink/stagelink/internal/domain"
)

// SessionService is the backend RPC surface the engine mutates sessions
// through. Every call can fail transiently; callers surface the failure
// and stay in their pre-request state.
type SessionService interface {
	// FetchSession re-reads the authoritative record. Used both for
	// initial load and the unknown-participant roster refresh.
	FetchSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	// CreateInvite starts the battle (or rematch) invite sub-protocol.
	CreateInvite(ctx context.Context, id domain.SessionID, from domain.ProfileID) (domain.Invite, error)
	// RespondInvite accepts or declines a pending invite.
	RespondInvite(ctx context.Context, inviteID string, accept bool) error
	// MarkReady flags the local participant ready during battle_ready.
	MarkReady(ctx context.Context, id domain.SessionID, profile domain.ProfileID) error
	// StayPaired returns a cooled-down session to plain cohost.
	StayPaired(ctx context.Context, id domain.SessionID) error
	// Leave permanently exits the pairing.
	Leave(ctx context.Context, id domain.SessionID, profile domain.ProfileID) error
}

type FeedEventType int

const (
	FeedSession FeedEventType = iota
	FeedInvite
	FeedScore
	FeedDown
	FeedRestored
)

// FeedEvent is one message from the backend change feed. Exactly one of
// Session/Invite/Score is set for the data-bearing types.
type FeedEvent struct {
	Type    FeedEventType
	Session *domain.Session
	Invite  *domain.Invite
	Score   *domain.ScoreState
}

// SessionFeed is the live change feed for one session: phase, roster,
// ready states and the independent scoring feed.
type SessionFeed interface {
	Events() <-chan FeedEvent
	Close() error
}
