package rtc

import (
	"context"
	"testing"
)

func TestDeviceStopReleasesPorts(t *testing.T) {
	opener := NewRTPDeviceOpener("127.0.0.1:0", "127.0.0.1:0", "u_hostA")
	dev, err := opener.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rd := dev.(*rtpDevice)
	videoAddr := rd.conns[0].LocalAddr().String()
	audioAddr := rd.conns[1].LocalAddr().String()

	if len(dev.Tracks()) != 2 {
		t.Fatalf("tracks = %d, want video+audio", len(dev.Tracks()))
	}
	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}

	// The ports must be genuinely free after Stop, or the next acquire
	// in the reset path would fail.
	reopener := NewRTPDeviceOpener(videoAddr, audioAddr, "u_hostA")
	dev2, err := reopener.Open(context.Background())
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	defer dev2.Stop()
}

func TestDeviceStopIsIdempotent(t *testing.T) {
	opener := NewRTPDeviceOpener("127.0.0.1:0", "127.0.0.1:0", "u_hostA")
	dev, err := opener.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
