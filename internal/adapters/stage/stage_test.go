package stage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/domain"
)

func TestTrySendBackpressure(t *testing.T) {
	c := &WsStageConn{send: make(chan []byte, 1)}

	if err := c.TrySend([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.TrySend([]byte("b")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("err = %v, want ErrBackpressure", err)
	}
}

func TestTrySendAfterClose(t *testing.T) {
	c := &WsStageConn{send: make(chan []byte, 1)}
	c.closed = true

	if err := c.TrySend([]byte("a")); err == nil {
		t.Fatal("expected error on closed conn")
	}
}

func TestPublishFansOut(t *testing.T) {
	ctl := &StageWSController{conns: make(map[string]*WsStageConn)}
	a := &WsStageConn{send: make(chan []byte, 4)}
	b := &WsStageConn{send: make(chan []byte, 4)}
	ctl.conns["a"] = a
	ctl.conns["b"] = b

	ctl.Publish(core.TileUpdate{
		Phase: domain.PhaseBattleActive,
		Rows:  1,
		Cols:  2,
	})

	for name, c := range map[string]*WsStageConn{"a": a, "b": b} {
		select {
		case data := <-c.send:
			var got struct {
				Type  string       `json:"type"`
				Phase domain.Phase `json:"phase"`
				Cols  int          `json:"cols"`
			}
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if got.Type != "tile_update" || got.Phase != domain.PhaseBattleActive || got.Cols != 2 {
				t.Errorf("%s: payload = %+v", name, got)
			}
		default:
			t.Errorf("%s: no update delivered", name)
		}
	}
}

func TestInviteRateLimit(t *testing.T) {
	rl := NewCommandRateLimiter(2, time.Minute)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two attempts should pass")
	}
	if rl.Allow("a") {
		t.Error("third attempt within window should be blocked")
	}
	if !rl.Allow("b") {
		t.Error("other clients are limited independently")
	}
}

func TestPublishSkipsSlowConsumer(t *testing.T) {
	ctl := &StageWSController{conns: make(map[string]*WsStageConn)}
	slow := &WsStageConn{send: make(chan []byte)}
	fast := &WsStageConn{send: make(chan []byte, 4)}
	ctl.conns["slow"] = slow
	ctl.conns["fast"] = fast

	ctl.Publish(core.TileUpdate{Phase: domain.PhaseCohost})

	select {
	case <-fast.send:
	default:
		t.Error("fast consumer should still get the update")
	}
}
