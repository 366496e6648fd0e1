package stage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/engine"
)

var ErrBackpressure = errors.New("backpressure")

// StageWSController pushes tile updates to connected viewers and relays
// their commands into the session engine. It is the engine's TileSink.
type StageWSController struct {
	Eng      *engine.Engine
	validate *validator.Validate
	invites  *CommandRateLimiter

	mu    sync.RWMutex
	conns map[string]*WsStageConn
}

func NewStageWSController(eng *engine.Engine) *StageWSController {
	return &StageWSController{
		Eng:      eng,
		validate: validator.New(),
		invites:  NewCommandRateLimiter(5, time.Minute),
		conns:    make(map[string]*WsStageConn),
	}
}

var _ core.TileSink = (*StageWSController)(nil)

type WsStageConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsStageConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsStageConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Publish fans the latest tile update out to every viewer connection.
// Slow consumers are skipped, the next update supersedes this one anyway.
func (ctl *StageWSController) Publish(u core.TileUpdate) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		core.TileUpdate
	}{Type: "tile_update", TileUpdate: u})
	if err != nil {
		log.Error().Err(err).Str("module", "stage").Msg("publish marshal")
		return
	}

	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	for token, c := range ctl.conns {
		if err := c.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "stage").Str("sid", token).Msg("drop update")
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *StageWSController) HandleStage(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "stage").Str("sid", sid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsStageConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctl.mu.Lock()
	if prev, ok := ctl.conns[sid]; ok {
		prev.Close()
	}
	ctl.conns[sid] = conn
	ctl.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sid, conn)
		ctl.mu.Lock()
		if ctl.conns[sid] == conn {
			delete(ctl.conns, sid)
		}
		ctl.mu.Unlock()
	}()

	// New viewers get the current grid right away instead of waiting
	// for the next reconcile.
	ctl.sendJSON(conn, struct {
		Type string `json:"type"`
		core.TileUpdate
	}{Type: "tile_update", TileUpdate: ctl.Eng.Snapshot()})
}
