package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/core"
)

// RTPDeviceOpener acquires the local capture pipeline: the camera and
// microphone encoders push RTP to the loopback ports below. The bound
// sockets are the exclusive device resource; Stop must release them on
// every exit path or the next acquire fails with "address in use",
// the same failure mode as a stuck camera lock.
type RTPDeviceOpener struct {
	VideoAddr string
	AudioAddr string
	// StreamID tags published tracks with the local encoded identity so
	// remote peers can attribute them.
	StreamID string
}

func NewRTPDeviceOpener(videoAddr, audioAddr, streamID string) *RTPDeviceOpener {
	return &RTPDeviceOpener{VideoAddr: videoAddr, AudioAddr: audioAddr, StreamID: streamID}
}

func (o *RTPDeviceOpener) Open(ctx context.Context) (core.MediaDevice, error) {
	dev := &rtpDevice{}

	video, err := dev.addTrack(o.VideoAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", o.StreamID)
	if err != nil {
		_ = dev.Stop()
		return nil, fmt.Errorf("acquire video: %w", err)
	}
	audio, err := dev.addTrack(o.AudioAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", o.StreamID)
	if err != nil {
		_ = dev.Stop()
		return nil, fmt.Errorf("acquire audio: %w", err)
	}

	log.Info().Str("module", "rtc.device").Str("video", o.VideoAddr).Str("audio", o.AudioAddr).Msg("local device acquired")
	dev.tracks = []*webrtc.TrackLocalStaticRTP{video, audio}
	return dev, nil
}

type rtpDevice struct {
	mu      sync.Mutex
	tracks  []*webrtc.TrackLocalStaticRTP
	conns   []*net.UDPConn
	wg      sync.WaitGroup
	stopped bool
}

func (d *rtpDevice) addTrack(addr string, codec webrtc.RTPCodecCapability, id, streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		conn.Close()
		return nil, err
	}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	d.wg.Add(1)
	go d.forward(conn, track)
	return track, nil
}

// forward pumps capture RTP into the published track until the socket
// closes.
func (d *rtpDevice) forward(conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP) {
	defer d.wg.Done()
	buf := make([]byte, 1600)
	pkt := &rtp.Packet{}
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "rtc.device").Msg("malformed capture packet")
			continue
		}
		if err := track.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				// Not attached to a connection right now; keep
				// draining so the capture side never blocks.
				continue
			}
			return
		}
	}
}

func (d *rtpDevice) Tracks() []*webrtc.TrackLocalStaticRTP {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracks
}

// Stop closes the capture sockets and waits for the forward loops, so
// the ports are genuinely free when it returns. Safe to call twice.
func (d *rtpDevice) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.wg.Wait()
	log.Info().Str("module", "rtc.device").Msg("local device released")
	return errors.Join(errs...)
}
