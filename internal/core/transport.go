package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// ConnStatus is the enumerated connectivity state surfaced to the
// reconciler. Reconnecting suppresses participant removal; absence
// while Connected means the peer actually left.
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

// TrackHandle is an opaque reference to a subscribed remote track.
// Layout and reconciliation code never look inside it.
type TrackHandle interface {
	ID() string
	Kind() TrackKind
}

// TransportParticipant is a live join record as the transport sees it.
// Identity is an encoded string embedding a profile id, not equal to it
// verbatim. Video/Audio are nil while negotiation is still settling.
type TransportParticipant struct {
	Identity string
	Video    TrackHandle
	Audio    TrackHandle
}

type RoomEventType int

const (
	EvtParticipantJoined RoomEventType = iota
	EvtParticipantLeft
	EvtTrackUp
	EvtTrackDown
	EvtStatusChanged
)

// RoomEvent is one discrete transport callback, delivered in arrival
// order on the room's event channel.
type RoomEvent struct {
	Type     RoomEventType
	Identity string
	Track    TrackHandle
	Status   ConnStatus
}

// RoomConnection is one live transport connection to a session room.
// Owned exclusively by the connection lifecycle manager; nothing else
// may publish or disconnect.
type RoomConnection interface {
	// Connect establishes the transport session. A late success for a
	// superseded room is the caller's problem; the connection itself
	// only reports what happened.
	Connect(ctx context.Context) error
	// Publish attaches local tracks to the room.
	Publish(tracks []*webrtc.TrackLocalStaticRTP) error
	// Unpublish detaches all local tracks without disconnecting.
	Unpublish() error
	// Disconnect tears the transport down. Safe to call twice.
	Disconnect() error
	// Participants returns the current remote presence snapshot.
	Participants() []TransportParticipant
	// Status returns the current connectivity state.
	Status() ConnStatus
	// Events is the ordered stream of room callbacks. Closed on
	// disconnect.
	Events() <-chan RoomEvent
}

// RoomDialer builds a connection for one named room. roomName changes
// between sessions; identity is the local peer's encoded identity.
type RoomDialer interface {
	Dial(roomName, identity string) (RoomConnection, error)
}

// MediaDevice is the acquired local camera/microphone. The one
// exclusive OS resource in the system: Stop must release the underlying
// device even when the transport side has already failed.
type MediaDevice interface {
	Tracks() []*webrtc.TrackLocalStaticRTP
	Stop() error
}

// DeviceOpener acquires the local device. Acquisition must not be
// attempted while a prior release is still pending.
type DeviceOpener interface {
	Open(ctx context.Context) (MediaDevice, error)
}
