// Package lifecycle owns the one live transport connection per session
// room and the locally-published media device. Nothing else in the
// process may acquire or release the camera/microphone.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/core"
)

// DefaultReleaseWait is the grace period between stopping device tracks
// and reacquiring them on reset. Device release is not always
// synchronous with track stop; this is a tunable delay, not a
// correctness guarantee.
const DefaultReleaseWait = time.Second

var (
	ErrSuperseded    = errors.New("connection superseded")
	ErrNotConnected  = errors.New("not connected")
	ErrConnectFailed = errors.New("transport connect failed")
	ErrDeviceAcquire = errors.New("device acquisition failed")
)

// Manager owns connect/publish/teardown for exactly one room at a time.
// A room name change tears the old connection down fully before the new
// one is established.
type Manager struct {
	dialer      core.RoomDialer
	opener      core.DeviceOpener
	releaseWait time.Duration
	sleep       func(time.Duration)

	mu         sync.Mutex
	roomName   string
	identity   string
	canPublish bool
	conn       core.RoomConnection
	device     core.MediaDevice
	generation uint64
	status     core.ConnStatus
}

// NewManager wires the transport dialer and the device opener.
// releaseWait <= 0 selects the default.
func NewManager(dialer core.RoomDialer, opener core.DeviceOpener, releaseWait time.Duration) *Manager {
	if releaseWait <= 0 {
		releaseWait = DefaultReleaseWait
	}
	return &Manager{
		dialer:      dialer,
		opener:      opener,
		releaseWait: releaseWait,
		sleep:       time.Sleep,
		status:      core.StatusDisconnected,
	}
}

// Connect establishes the transport session for roomName. Idempotent
// per room: connecting to the current room while a connection exists is
// a no-op. A different room tears the old connection down first.
// Returns the generation stamping this attempt; callbacks captured
// before an await must re-check it via Alive.
func (m *Manager) Connect(ctx context.Context, roomName, identity string, canPublish bool) (uint64, error) {
	return m.connect(ctx, roomName, identity, canPublish, 0, false)
}

// connect optionally requires the generation to still equal afterGen,
// so a reconnect scheduled before a wait cannot override a Connect that
// landed during it.
func (m *Manager) connect(ctx context.Context, roomName, identity string, canPublish bool, afterGen uint64, enforce bool) (uint64, error) {
	m.mu.Lock()
	if enforce && m.generation != afterGen {
		gen := m.generation
		m.mu.Unlock()
		return gen, ErrSuperseded
	}
	if m.conn != nil && m.roomName == roomName {
		gen := m.generation
		m.mu.Unlock()
		return gen, nil
	}
	if m.conn != nil {
		m.teardownLocked()
	}
	m.generation++
	gen := m.generation
	m.roomName = roomName
	m.identity = identity
	m.canPublish = canPublish
	m.status = core.StatusConnecting

	conn, err := m.dialer.Dial(roomName, identity)
	if err != nil {
		m.status = core.StatusDisconnected
		m.mu.Unlock()
		return gen, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	m.conn = conn
	m.mu.Unlock()

	// The connect itself runs unlocked: a new event arriving mid-call
	// must not deadlock against the event loop.
	if err := conn.Connect(ctx); err != nil {
		m.dropIfCurrent(gen, conn)
		return gen, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	m.mu.Lock()
	if m.generation != gen || m.conn != conn {
		// A teardown or room change won the race; this connect result
		// is for a superseded room and must be dropped.
		m.mu.Unlock()
		_ = conn.Disconnect()
		return gen, ErrSuperseded
	}
	m.status = core.StatusConnected
	m.mu.Unlock()

	if canPublish {
		if err := m.acquireAndPublish(ctx, gen, conn); err != nil {
			return gen, err
		}
	}
	log.Info().Str("module", "lifecycle").Str("room", roomName).Uint64("generation", gen).Msg("connected")
	return gen, nil
}

func (m *Manager) acquireAndPublish(ctx context.Context, gen uint64, conn core.RoomConnection) error {
	dev, err := m.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceAcquire, err)
	}

	m.mu.Lock()
	if m.generation != gen || m.conn != conn {
		m.mu.Unlock()
		_ = dev.Stop()
		return ErrSuperseded
	}
	m.device = dev
	m.mu.Unlock()

	if err := conn.Publish(dev.Tracks()); err != nil {
		// Publish failed: the device must not stay held.
		m.mu.Lock()
		if m.device == dev {
			m.device = nil
		}
		m.mu.Unlock()
		if stopErr := dev.Stop(); stopErr != nil {
			log.Error().Err(stopErr).Str("module", "lifecycle").Msg("device stop after failed publish")
		}
		return fmt.Errorf("publish local tracks: %w", err)
	}
	return nil
}

// dropIfCurrent clears a failed connection if it is still the active
// one.
func (m *Manager) dropIfCurrent(gen uint64, conn core.RoomConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation == gen && m.conn == conn {
		m.conn = nil
		m.status = core.StatusDisconnected
	}
}

// Teardown releases everything: unpublish, stop the device, then
// disconnect. The device is released on every path, even when
// disconnect fails.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked()
}

func (m *Manager) teardownLocked() error {
	m.generation++ // invalidate in-flight callbacks for the old room
	conn := m.conn
	dev := m.device
	m.conn = nil
	m.device = nil
	m.roomName = ""
	m.status = core.StatusDisconnected

	var errs []error
	if conn != nil {
		if err := conn.Unpublish(); err != nil {
			errs = append(errs, fmt.Errorf("unpublish: %w", err))
		}
	}
	if dev != nil {
		if err := dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("device stop: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
	}
	if len(errs) > 0 {
		log.Warn().Errs("errors", errs).Str("module", "lifecycle").Msg("teardown finished with errors")
		return errors.Join(errs...)
	}
	return nil
}

// Reset is the manual recovery path for stuck local media: unpublish,
// stop device tracks, force-disconnect, wait out the device release,
// then reconnect with the same parameters. The wait serializes
// release-then-reacquire; acquisition never overlaps a pending release.
// A Connect that lands during the wait owns the room; the reset
// reconnect then returns ErrSuperseded instead of overriding it.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	roomName, identity, canPublish := m.roomName, m.identity, m.canPublish
	if roomName == "" {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if err := m.teardownLocked(); err != nil {
		log.Warn().Err(err).Str("module", "lifecycle").Msg("reset teardown errors, continuing")
	}
	gen := m.generation
	m.mu.Unlock()

	m.sleep(m.releaseWait)

	_, err := m.connect(ctx, roomName, identity, canPublish, gen, true)
	return err
}

// Status returns the current connectivity state.
func (m *Manager) Status() core.ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// UpdateStatus records a transport-reported connectivity change.
// Stale-generation reports are dropped.
func (m *Manager) UpdateStatus(gen uint64, s core.ConnStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.status = s
	return true
}

// Alive reports whether gen still names the active connection. Async
// callbacks captured before an await use this as their liveness flag.
func (m *Manager) Alive(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation && m.conn != nil
}

// Conn returns the active room connection, if any.
func (m *Manager) Conn() (core.RoomConnection, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn, m.generation, m.conn != nil
}

// DeviceHeld reports whether local device tracks are currently held.
func (m *Manager) DeviceHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device != nil
}

// localTrack adapts a published device track to the handle type the
// grid carries for remote media.
type localTrack struct {
	t *webrtc.TrackLocalStaticRTP
}

func (l localTrack) ID() string { return l.t.ID() }

func (l localTrack) Kind() core.TrackKind {
	if l.t.Kind() == webrtc.RTPCodecTypeAudio {
		return core.TrackAudio
	}
	return core.TrackVideo
}

// LocalTracks returns handles for the held device's tracks, nil when no
// device is held. First track per kind wins.
func (m *Manager) LocalTracks() (video, audio core.TrackHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil, nil
	}
	for _, t := range m.device.Tracks() {
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			if video == nil {
				video = localTrack{t}
			}
		case webrtc.RTPCodecTypeAudio:
			if audio == nil {
				audio = localTrack{t}
			}
		}
	}
	return video, audio
}
