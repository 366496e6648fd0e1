// Package rtc is the pion-backed transport adapter: one PeerConnection
// per session room, remote presence derived from track stream ids, and
// the locally-published device tracks.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/core"
)

var ErrConnClosed = errors.New("room connection closed")

// Signaler exchanges the local offer for the remote answer. The wire
// format of the signaling channel is owned by the transport service,
// not this engine.
type Signaler interface {
	Exchange(ctx context.Context, roomName, identity string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Dialer builds room connections against one signaling endpoint.
type Dialer struct {
	Config   webrtc.Configuration
	Signaler Signaler
}

func NewDialer(cfg webrtc.Configuration, sig Signaler) *Dialer {
	return &Dialer{Config: cfg, Signaler: sig}
}

func (d *Dialer) Dial(roomName, identity string) (core.RoomConnection, error) {
	pc, err := webrtc.NewPeerConnection(d.Config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &Room{
		pc:       pc,
		sig:      d.Signaler,
		roomName: roomName,
		identity: identity,
		remote:   make(map[string]*remotePeer),
		events:   make(chan core.RoomEvent, 64),
		status:   core.StatusDisconnected,
	}, nil
}

type remotePeer struct {
	video core.TrackHandle
	audio core.TrackHandle
}

// Room implements core.RoomConnection over one PeerConnection.
type Room struct {
	pc       *webrtc.PeerConnection
	sig      Signaler
	roomName string
	identity string

	mu      sync.Mutex
	remote  map[string]*remotePeer
	senders []*webrtc.RTPSender
	status  core.ConnStatus
	closed  bool

	events chan core.RoomEvent
}

func (r *Room) Connect(ctx context.Context) error {
	r.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		r.onRemoteTrack(track)
	})
	r.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("room", r.roomName).Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected:
			r.setStatus(core.StatusConnected)
		case webrtc.ICEConnectionStateDisconnected:
			r.setStatus(core.StatusReconnecting)
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			r.setStatus(core.StatusDisconnected)
		}
	})

	r.setStatus(core.StatusConnecting)

	// Recvonly transceivers so remote hosts' media flows before we
	// publish anything ourselves.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := r.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := r.sig.Exchange(ctx, r.roomName, r.identity, *r.pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("signal exchange: %w", err)
	}
	if err := r.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	log.Info().Str("module", "rtc").Str("room", r.roomName).Msg("transport negotiated")
	return nil
}

// onRemoteTrack files the track under its stream id, which carries the
// remote participant's encoded identity.
func (r *Room) onRemoteTrack(track *webrtc.TrackRemote) {
	identity := track.StreamID()
	handle := remoteHandle{track: track}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	peer, ok := r.remote[identity]
	if !ok {
		peer = &remotePeer{}
		r.remote[identity] = peer
	}
	if handle.Kind() == core.TrackVideo {
		peer.video = handle
	} else {
		peer.audio = handle
	}
	r.mu.Unlock()

	log.Info().Str("module", "rtc").Str("identity", identity).Str("kind", track.Kind().String()).Msg("remote track up")
	if !ok {
		r.emit(core.RoomEvent{Type: core.EvtParticipantJoined, Identity: identity})
	}
	r.emit(core.RoomEvent{Type: core.EvtTrackUp, Identity: identity, Track: handle})

	go r.drainTrack(identity, track, handle)
}

// drainTrack keeps the track's RTP flowing until it ends, then retires
// it from the presence map.
func (r *Room) drainTrack(identity string, track *webrtc.TrackRemote, handle core.TrackHandle) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			break
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	peer, ok := r.remote[identity]
	gone := false
	if ok {
		if handle.Kind() == core.TrackVideo {
			peer.video = nil
		} else {
			peer.audio = nil
		}
		if peer.video == nil && peer.audio == nil {
			delete(r.remote, identity)
			gone = true
		}
	}
	r.mu.Unlock()

	r.emit(core.RoomEvent{Type: core.EvtTrackDown, Identity: identity, Track: handle})
	if gone {
		log.Info().Str("module", "rtc").Str("identity", identity).Msg("remote participant left")
		r.emit(core.RoomEvent{Type: core.EvtParticipantLeft, Identity: identity})
	}
}

func (r *Room) Publish(tracks []*webrtc.TrackLocalStaticRTP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrConnClosed
	}
	for _, track := range tracks {
		sender, err := r.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add local track %s: %w", track.ID(), err)
		}
		r.senders = append(r.senders, sender)
		// Drain RTCP so interceptors keep running.
		go func(s *webrtc.RTPSender) {
			buf := make([]byte, 1500)
			for {
				if _, _, err := s.Read(buf); err != nil {
					return
				}
			}
		}(sender)
	}
	return nil
}

func (r *Room) Unpublish() error {
	r.mu.Lock()
	senders := r.senders
	r.senders = nil
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil
	}
	var errs []error
	for _, s := range senders {
		if err := r.pc.RemoveTrack(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Room) Disconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.status = core.StatusDisconnected
	close(r.events)
	r.mu.Unlock()

	err := r.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("room", r.roomName).Msg("peer connection close")
		return err
	}
	log.Info().Str("module", "rtc").Str("room", r.roomName).Msg("disconnected")
	return nil
}

func (r *Room) Participants() []core.TransportParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.TransportParticipant, 0, len(r.remote))
	for identity, peer := range r.remote {
		out = append(out, core.TransportParticipant{
			Identity: identity,
			Video:    peer.video,
			Audio:    peer.audio,
		})
	}
	return out
}

func (r *Room) Status() core.ConnStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Room) Events() <-chan core.RoomEvent { return r.events }

func (r *Room) setStatus(s core.ConnStatus) {
	r.mu.Lock()
	if r.closed || r.status == s {
		r.mu.Unlock()
		return
	}
	r.status = s
	r.mu.Unlock()
	r.emit(core.RoomEvent{Type: core.EvtStatusChanged, Status: s})
}

// emit never blocks pion callbacks. The reconciler recomputes from
// snapshots, so a dropped event only delays convergence until the next
// one.
func (r *Room) emit(ev core.RoomEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		log.Warn().Str("module", "rtc").Int("type", int(ev.Type)).Msg("event buffer full, dropping")
	}
}

type remoteHandle struct {
	track *webrtc.TrackRemote
}

func (h remoteHandle) ID() string { return h.track.ID() }

func (h remoteHandle) Kind() core.TrackKind {
	if h.track.Kind() == webrtc.RTPCodecTypeAudio {
		return core.TrackAudio
	}
	return core.TrackVideo
}
