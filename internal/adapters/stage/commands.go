package stage

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/domain"
)

func (ctl *StageWSController) handlePing(
	conn *WsStageConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *StageWSController) handleInvite(
	ctx context.Context,
	sid string,
	conn *WsStageConn,
) {
	if !ctl.invites.Allow(sid) {
		ctl.sendError(conn, "too_many_invites")
		return
	}
	log.Info().Str("module", "stage").Str("sid", sid).Msg("invite")
	if err := ctl.Eng.RequestBattle(ctx); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "invite_sent",
	})
}

func (ctl *StageWSController) handleRespond(
	ctx context.Context,
	sid string,
	conn *WsStageConn,
	data []byte,
) {
	type respondPayload struct {
		Type   string `json:"type"`
		Accept bool   `json:"accept"`
	}
	var p respondPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "stage").Msg("bad respond payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	log.Info().Str("module", "stage").Str("sid", sid).Bool("accept", p.Accept).Msg("respond")
	if err := ctl.Eng.RespondInvite(ctx, p.Accept); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "invite_answered",
	})
}

func (ctl *StageWSController) handleReady(
	ctx context.Context,
	sid string,
	conn *WsStageConn,
) {
	log.Info().Str("module", "stage").Str("sid", sid).Msg("ready")
	if err := ctl.Eng.Ready(ctx); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "ready_marked",
	})
}

func (ctl *StageWSController) handleRematch(
	ctx context.Context,
	sid string,
	conn *WsStageConn,
) {
	log.Info().Str("module", "stage").Str("sid", sid).Msg("rematch")
	if err := ctl.Eng.Rematch(ctx); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "rematch_requested",
	})
}

func (ctl *StageWSController) handleStay(
	ctx context.Context,
	sid string,
	conn *WsStageConn,
) {
	log.Info().Str("module", "stage").Str("sid", sid).Msg("stay")
	if err := ctl.Eng.Stay(ctx); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "staying_paired",
	})
}

func (ctl *StageWSController) handleLeave(
	ctx context.Context,
	sid string,
	conn *WsStageConn,
) {
	log.Info().Str("module", "stage").Str("sid", sid).Msg("leave")
	if err := ctl.Eng.Leave(ctx); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "left",
	})
}

func (ctl *StageWSController) handleVolume(
	sid string,
	conn *WsStageConn,
	data []byte,
) {
	type volumePayload struct {
		Type    string  `json:"type"`
		Profile string  `json:"profile" validate:"required"`
		Volume  float64 `json:"volume" validate:"gte=0,lte=1"`
	}
	var p volumePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "stage").Msg("bad volume payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if err := ctl.validate.Struct(p); err != nil {
		ctl.sendError(conn, "invalid_volume")
		return
	}

	log.Info().Str("module", "stage").Str("sid", sid).Str("profile", p.Profile).Float64("volume", p.Volume).Msg("volume")
	ctl.Eng.SetVolume(domain.ProfileID(p.Profile), p.Volume)
}

func (ctl *StageWSController) handleMute(
	sid string,
	conn *WsStageConn,
	data []byte,
) {
	type mutePayload struct {
		Type    string `json:"type"`
		Profile string `json:"profile" validate:"required"`
		Muted   bool   `json:"muted"`
	}
	var p mutePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "stage").Msg("bad mute payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if err := ctl.validate.Struct(p); err != nil {
		ctl.sendError(conn, "invalid_mute")
		return
	}

	log.Info().Str("module", "stage").Str("sid", sid).Str("profile", p.Profile).Bool("muted", p.Muted).Msg("mute")
	ctl.Eng.SetMuted(domain.ProfileID(p.Profile), p.Muted)
}

func (ctl *StageWSController) handleReset(
	ctx context.Context,
	sid string,
	conn *WsStageConn,
) {
	log.Info().Str("module", "stage").Str("sid", sid).Msg("reset")
	if err := ctl.Eng.Reset(ctx); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type": "reset_done",
	})
}
