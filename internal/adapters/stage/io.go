package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *StageWSController) writePump(ctx context.Context, c *WsStageConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "stage").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "stage").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "stage").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "stage").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *StageWSController) readPump(ctx context.Context, sid string, c *WsStageConn) {
	defer func() {
		log.Info().Str("module", "stage").Str("sid", sid).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "stage").Str("sid", sid).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "stage").Str("sid", sid).Msg("readPump read error")
				return
			}
			ctl.handleCommand(ctx, sid, c, data)
		}
	}
}

func (ctl *StageWSController) handleCommand(ctx context.Context, sid string, c *WsStageConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "stage").Msg("bad json")
		return
	}

	switch env.Type {
	case "ping":
		ctl.handlePing(c)
	case "invite":
		ctl.handleInvite(ctx, sid, c)
	case "respond":
		ctl.handleRespond(ctx, sid, c, data)
	case "ready":
		ctl.handleReady(ctx, sid, c)
	case "rematch":
		ctl.handleRematch(ctx, sid, c)
	case "stay":
		ctl.handleStay(ctx, sid, c)
	case "leave":
		ctl.handleLeave(ctx, sid, c)
	case "volume":
		ctl.handleVolume(sid, c, data)
	case "mute":
		ctl.handleMute(sid, c, data)
	case "reset":
		ctl.handleReset(ctx, sid, c)
	default:
		log.Warn().Str("module", "stage").Str("type", env.Type).Msg("unknown command")
	}
}

func (ctl *StageWSController) sendJSON(c *WsStageConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "stage").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *StageWSController) sendError(c *WsStageConn, msg string) {
	ctl.sendJSON(c, map[string]any{
		"type":  "error",
		"error": msg,
	})
}
