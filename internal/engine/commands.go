package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/domain"
)

// Command methods are the state-mutating intents presentation can
// issue. Each one checks the machine's guard, makes the remote call,
// and leaves local state exactly where it was when the call fails.
// Phase transitions are observed from the feed, never assumed.

// RequestBattle starts the invite sub-protocol from cohost.
func (e *Engine) RequestBattle(ctx context.Context) error {
	e.mu.Lock()
	err := e.machine.EnsureCanInvite(e.cfg.Profile)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	inv, err := e.svc.CreateInvite(ctx, e.cfg.SessionID, e.cfg.Profile)
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	// The backend created the record; mirroring it locally is not
	// speculative. The feed echo is a no-op.
	e.mu.Lock()
	e.machine.ObserveInvite(inv)
	e.mu.Unlock()
	e.publish()
	return nil
}

// RespondInvite accepts or declines the pending invite. The resulting
// phase change (accept leads to battle_ready) arrives via the feed.
func (e *Engine) RespondInvite(ctx context.Context, accept bool) error {
	e.mu.Lock()
	err := e.machine.EnsureCanRespond(e.cfg.Profile)
	var inviteID string
	if err == nil {
		inviteID = e.machine.PendingInvite().ID
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if err := e.svc.RespondInvite(ctx, inviteID, accept); err != nil {
		return fmt.Errorf("respond invite: %w", err)
	}
	return nil
}

// Ready flags the local participant ready during the ready-check. The
// battle_ready to battle_active advance is backend-driven and observed.
func (e *Engine) Ready(ctx context.Context) error {
	e.mu.Lock()
	err := e.machine.EnsureCanReady(e.cfg.Profile)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if err := e.svc.MarkReady(ctx, e.cfg.SessionID, e.cfg.Profile); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

// Rematch reuses the invite sub-protocol from cooldown.
func (e *Engine) Rematch(ctx context.Context) error {
	e.mu.Lock()
	err := e.machine.EnsureCanRematch(e.cfg.Profile)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	inv, err := e.svc.CreateInvite(ctx, e.cfg.SessionID, e.cfg.Profile)
	if err != nil {
		return fmt.Errorf("rematch invite: %w", err)
	}
	e.mu.Lock()
	e.machine.ObserveInvite(inv)
	e.mu.Unlock()
	e.publish()
	return nil
}

// Stay returns a cooled-down session to plain cohost.
func (e *Engine) Stay(ctx context.Context) error {
	e.mu.Lock()
	err := e.machine.EnsureCanStay()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if err := e.svc.StayPaired(ctx, e.cfg.SessionID); err != nil {
		return fmt.Errorf("stay paired: %w", err)
	}
	return nil
}

// Leave exits the pairing. Unconditional and always available: the
// transport is torn down even when the backend call fails.
func (e *Engine) Leave(ctx context.Context) error {
	if err := e.svc.Leave(ctx, e.cfg.SessionID, e.cfg.Profile); err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("leave RPC failed, tearing down anyway")
	}
	e.mu.Lock()
	e.machine.MarkEnded()
	e.lastGrid = nil
	e.roomName = ""
	e.mu.Unlock()
	err := e.mgr.Teardown()
	e.publish()
	return err
}

// Reset runs the manual stuck-camera recovery and rebinds the event
// loop to the fresh connection generation.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.mgr.Reset(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.connectedAt = e.now()
	e.lastGrid = nil
	e.mu.Unlock()
	if _, gen, ok := e.mgr.Conn(); ok {
		go e.roomLoop(ctx, gen)
	}
	e.publish()
	return nil
}

// SetVolume adjusts playback volume for one tile, clamped to [0,1].
func (e *Engine) SetVolume(id domain.ProfileID, volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	e.mu.Lock()
	e.volumes[id] = volume
	e.mu.Unlock()
	e.publish()
}

// SetMuted toggles playback mute for one tile.
func (e *Engine) SetMuted(id domain.ProfileID, muted bool) {
	e.mu.Lock()
	if muted {
		e.muted[id] = true
	} else {
		delete(e.muted, id)
	}
	e.mu.Unlock()
	e.publish()
}

// Snapshot returns the current render contract, for subscribers that
// attach between updates.
func (e *Engine) Snapshot() core.TileUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildUpdateLocked()
}
