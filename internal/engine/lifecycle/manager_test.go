package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/stagelink/stagelink/internal/core"
)

type fakeConn struct {
	mu            sync.Mutex
	connected     bool
	published     bool
	disconnected  bool
	connectErr    error
	publishErr    error
	disconnectErr error
	connectHook   func()
	log           *[]string
}

func (c *fakeConn) Connect(ctx context.Context) error {
	if c.connectHook != nil {
		c.connectHook()
	}
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Publish(tracks []*webrtc.TrackLocalStaticRTP) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = true
	return nil
}

func (c *fakeConn) Unpublish() error {
	c.published = false
	if c.log != nil {
		*c.log = append(*c.log, "unpublish")
	}
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	if c.log != nil {
		*c.log = append(*c.log, "disconnect")
	}
	return c.disconnectErr
}

func (c *fakeConn) Participants() []core.TransportParticipant { return nil }
func (c *fakeConn) Status() core.ConnStatus                   { return core.StatusConnected }
func (c *fakeConn) Events() <-chan core.RoomEvent             { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  *fakeConn
	log   *[]string
}

func (d *fakeDialer) Dial(roomName, identity string) (core.RoomConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.next
	if c == nil {
		c = &fakeConn{}
	}
	c.log = d.log
	d.next = nil
	d.conns = append(d.conns, c)
	return c, nil
}

type fakeDevice struct {
	stopped bool
	stopErr error
	tracks  []*webrtc.TrackLocalStaticRTP
	log     *[]string
}

func (d *fakeDevice) Tracks() []*webrtc.TrackLocalStaticRTP { return d.tracks }

func (d *fakeDevice) Stop() error {
	d.stopped = true
	if d.log != nil {
		*d.log = append(*d.log, "device-stop")
	}
	return d.stopErr
}

type fakeOpener struct {
	mu      sync.Mutex
	devices []*fakeDevice
	tracks  []*webrtc.TrackLocalStaticRTP
	err     error
	log     *[]string
}

func (o *fakeOpener) Open(ctx context.Context) (core.MediaDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	if o.log != nil {
		*o.log = append(*o.log, "device-open")
	}
	d := &fakeDevice{tracks: o.tracks, log: o.log}
	o.devices = append(o.devices, d)
	return d, nil
}

func newTestManager() (*Manager, *fakeDialer, *fakeOpener, *[]string) {
	log := &[]string{}
	dialer := &fakeDialer{log: log}
	opener := &fakeOpener{log: log}
	m := NewManager(dialer, opener, 10*time.Millisecond)
	m.sleep = func(d time.Duration) { *log = append(*log, "sleep") }
	return m, dialer, opener, log
}

func TestConnectPublishesWhenHost(t *testing.T) {
	m, dialer, opener, _ := newTestManager()
	if _, err := m.Connect(context.Background(), "room-1", "u_hostA", true); err != nil {
		t.Fatal(err)
	}
	if len(dialer.conns) != 1 || !dialer.conns[0].published {
		t.Fatalf("expected one published connection, got %+v", dialer.conns)
	}
	if len(opener.devices) != 1 || !m.DeviceHeld() {
		t.Fatal("device should be acquired and held")
	}
	if m.Status() != core.StatusConnected {
		t.Fatalf("status = %v, want connected", m.Status())
	}
}

func TestConnectSameRoomIsIdempotent(t *testing.T) {
	m, dialer, _, _ := newTestManager()
	gen1, err := m.Connect(context.Background(), "room-1", "u_hostA", false)
	if err != nil {
		t.Fatal(err)
	}
	gen2, err := m.Connect(context.Background(), "room-1", "u_hostA", false)
	if err != nil {
		t.Fatal(err)
	}
	if gen1 != gen2 {
		t.Fatalf("generations differ across idempotent connects: %d vs %d", gen1, gen2)
	}
	if len(dialer.conns) != 1 {
		t.Fatalf("dialed %d times, want 1", len(dialer.conns))
	}
}

func TestRoomChangeTearsDownOldConnection(t *testing.T) {
	m, dialer, opener, _ := newTestManager()
	if _, err := m.Connect(context.Background(), "room-1", "u_hostA", true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), "room-2", "u_hostA", true); err != nil {
		t.Fatal(err)
	}
	old := dialer.conns[0]
	if !old.disconnected {
		t.Fatal("old room connection not disconnected")
	}
	if !opener.devices[0].stopped {
		t.Fatal("old device not released on room change")
	}
	if len(dialer.conns) != 2 || !dialer.conns[1].published {
		t.Fatal("new room connection missing or unpublished")
	}
}

func TestTeardownReleasesDeviceEvenWhenDisconnectFails(t *testing.T) {
	m, dialer, opener, _ := newTestManager()
	boom := errors.New("transport wedged")
	dialer.next = &fakeConn{disconnectErr: boom}

	if _, err := m.Connect(context.Background(), "room-1", "u_hostA", true); err != nil {
		t.Fatal(err)
	}
	err := m.Teardown()
	if !errors.Is(err, boom) {
		t.Fatalf("teardown error = %v, want wrapped disconnect failure", err)
	}
	if !opener.devices[0].stopped {
		t.Fatal("device must be released even when disconnect fails")
	}
	if m.DeviceHeld() {
		t.Fatal("manager still holds device after teardown")
	}
	if m.Status() != core.StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", m.Status())
	}
}

func TestPublishFailureReleasesDevice(t *testing.T) {
	m, dialer, opener, _ := newTestManager()
	dialer.next = &fakeConn{publishErr: errors.New("sdp rejected")}

	_, err := m.Connect(context.Background(), "room-1", "u_hostA", true)
	if err == nil {
		t.Fatal("expected publish error")
	}
	if !opener.devices[0].stopped || m.DeviceHeld() {
		t.Fatal("device must be released after failed publish")
	}
}

func TestDeviceAcquireFailureIsRecoverable(t *testing.T) {
	m, _, opener, _ := newTestManager()
	opener.err = errors.New("camera busy")
	_, err := m.Connect(context.Background(), "room-1", "u_hostA", true)
	if !errors.Is(err, ErrDeviceAcquire) {
		t.Fatalf("err = %v, want ErrDeviceAcquire", err)
	}
	// The transport connection survives; the caller may retry or reset.
	if _, _, ok := m.Conn(); !ok {
		t.Fatal("connection should remain after device failure")
	}
}

func TestResetSerializesReleaseThenReacquire(t *testing.T) {
	m, _, opener, log := newTestManager()
	if _, err := m.Connect(context.Background(), "room-1", "u_hostA", true); err != nil {
		t.Fatal(err)
	}
	*log = nil

	if err := m.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"unpublish", "device-stop", "disconnect", "sleep", "device-open"}
	if len(*log) != len(want) {
		t.Fatalf("reset sequence = %v, want %v", *log, want)
	}
	for i, w := range want {
		if (*log)[i] != w {
			t.Fatalf("reset step %d = %q, want %q (full: %v)", i, (*log)[i], w, *log)
		}
	}
	if len(opener.devices) != 2 || !m.DeviceHeld() {
		t.Fatal("reset should reacquire a fresh device")
	}
}

func TestResetWithoutConnection(t *testing.T) {
	m, _, _, _ := newTestManager()
	if err := m.Reset(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestLateConnectForSupersededRoomIsDropped(t *testing.T) {
	m, dialer, _, _ := newTestManager()

	slow := &fakeConn{}
	release := make(chan struct{})
	slow.connectHook = func() { <-release }
	dialer.next = slow

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), "room-1", "u_hostA", false)
		done <- err
	}()

	// Wait until the slow dial is registered, then supersede it.
	for {
		dialer.mu.Lock()
		n := len(dialer.conns)
		dialer.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := m.Teardown(); err != nil {
		t.Fatal(err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("late connect err = %v, want ErrSuperseded", err)
	}
	slow.mu.Lock()
	disconnected := slow.disconnected
	slow.mu.Unlock()
	if !disconnected {
		t.Fatal("superseded connection must be disconnected")
	}
	if _, _, ok := m.Conn(); ok {
		t.Fatal("no connection should be active after supersede")
	}
}

func TestConnectDuringResetWaitWins(t *testing.T) {
	m, dialer, _, _ := newTestManager()
	if _, err := m.Connect(context.Background(), "room-1", "u_hostA", false); err != nil {
		t.Fatal(err)
	}

	// A room change arrives while reset waits out the device release.
	m.sleep = func(time.Duration) {
		if _, err := m.Connect(context.Background(), "room-2", "u_hostA", false); err != nil {
			t.Errorf("concurrent connect: %v", err)
		}
	}

	if err := m.Reset(context.Background()); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("reset err = %v, want ErrSuperseded", err)
	}
	if len(dialer.conns) != 2 {
		t.Fatalf("dialed %d rooms, want 2 (reset must not redial the old room)", len(dialer.conns))
	}
	conn, _, ok := m.Conn()
	if !ok || conn != core.RoomConnection(dialer.conns[1]) {
		t.Fatal("new room connection must stay current after reset")
	}
	if dialer.conns[1].disconnected {
		t.Fatal("reset tore down the connection that superseded it")
	}
}

func TestLocalTracksReflectHeldDevice(t *testing.T) {
	m, _, opener, _ := newTestManager()
	v, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "cam", "u_hostA")
	if err != nil {
		t.Fatal(err)
	}
	a, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "u_hostA")
	if err != nil {
		t.Fatal(err)
	}
	opener.tracks = []*webrtc.TrackLocalStaticRTP{v, a}

	if _, err := m.Connect(context.Background(), "room-1", "u_hostA", true); err != nil {
		t.Fatal(err)
	}
	video, audio := m.LocalTracks()
	if video == nil || video.ID() != "cam" || video.Kind() != core.TrackVideo {
		t.Fatalf("video handle = %v", video)
	}
	if audio == nil || audio.ID() != "mic" || audio.Kind() != core.TrackAudio {
		t.Fatalf("audio handle = %v", audio)
	}

	if err := m.Teardown(); err != nil {
		t.Fatal(err)
	}
	if video, audio := m.LocalTracks(); video != nil || audio != nil {
		t.Fatal("released device must not surface track handles")
	}
}

func TestUpdateStatusDropsStaleGeneration(t *testing.T) {
	m, _, _, _ := newTestManager()
	gen, err := m.Connect(context.Background(), "room-1", "u_hostA", false)
	if err != nil {
		t.Fatal(err)
	}
	if !m.UpdateStatus(gen, core.StatusReconnecting) {
		t.Fatal("current-generation status update rejected")
	}
	if m.Status() != core.StatusReconnecting {
		t.Fatalf("status = %v, want reconnecting", m.Status())
	}
	if err := m.Teardown(); err != nil {
		t.Fatal(err)
	}
	if m.UpdateStatus(gen, core.StatusConnected) {
		t.Fatal("stale-generation status update accepted")
	}
}
