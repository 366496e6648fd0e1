// Package engine drives the live session: it folds the backend change
// feed and the transport event stream into the phase machine and the
// reconciler, and publishes the resulting render contract.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/domain"
	"github.com/stagelink/stagelink/internal/engine/layout"
	"github.com/stagelink/stagelink/internal/engine/lifecycle"
	"github.com/stagelink/stagelink/internal/engine/phase"
	"github.com/stagelink/stagelink/internal/engine/reconcile"
	"github.com/stagelink/stagelink/internal/engine/score"
)

// DefaultInviteTTL bounds how long a pending invite is shown before the
// local UI treats it as declined. The backend record remains
// authoritative; this only stops a dead invite from blocking the UI.
const DefaultInviteTTL = 45 * time.Second

// LocalIdentity encodes a profile id the way the transport expects it.
func LocalIdentity(profile domain.ProfileID) string {
	return "u_" + string(profile)
}

// RoomName derives the transport room from the session record. A
// session id or kind change therefore forces a full reconnect.
func RoomName(s *domain.Session) string {
	return fmt.Sprintf("%s-%s", s.Kind, s.ID)
}

// Config carries the local peer's own display data and role.
type Config struct {
	SessionID  domain.SessionID
	Profile    domain.ProfileID
	Name       string
	Avatar     string
	CanPublish bool
	InviteTTL  time.Duration
}

// Engine owns all mutable session state. All state transitions run
// under one mutex; handlers never block while holding it. Outbound
// RPCs happen on the caller's goroutine and results fold back in as
// fresh observations.
type Engine struct {
	cfg  Config
	svc  core.SessionService
	feed core.SessionFeed
	mgr  *lifecycle.Manager
	sink core.TileSink
	now  func() time.Time

	mu          sync.Mutex
	machine     *phase.Machine
	session     *domain.Session
	summary     score.Summary
	haveScores  bool
	gate        *reconcile.RefreshGate
	lastGrid    []core.GridParticipant
	roomName    string
	connectedAt time.Time
	volumes     map[domain.ProfileID]float64
	muted       map[domain.ProfileID]bool
	closed      bool
}

// New wires the engine. sink receives every recomputed render contract.
func New(cfg Config, svc core.SessionService, feed core.SessionFeed, mgr *lifecycle.Manager, sink core.TileSink) *Engine {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = DefaultInviteTTL
	}
	return &Engine{
		cfg:     cfg,
		svc:     svc,
		feed:    feed,
		mgr:     mgr,
		sink:    sink,
		now:     time.Now,
		machine: phase.New(),
		gate:    reconcile.NewRefreshGate(nil),
		volumes: map[domain.ProfileID]float64{},
		muted:   map[domain.ProfileID]bool{},
	}
}

// Start loads the session record, connects the transport room and
// begins consuming both feeds. Blocks only for the initial load.
func (e *Engine) Start(ctx context.Context) error {
	sess, err := e.svc.FetchSession(ctx, e.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("initial session load: %w", err)
	}
	ended, err := e.applySession(sess)
	if err != nil {
		return err
	}
	if ended {
		// Already over; render the terminal state, never connect.
		e.publish()
		return nil
	}
	if err := e.ensureRoom(ctx, sess); err != nil {
		// Transport trouble is recoverable; the session state is
		// already live and the user gets a reconnect affordance.
		log.Warn().Err(err).Str("module", "engine").Msg("initial transport connect failed")
	}
	go e.feedLoop(ctx)
	e.publish()
	return nil
}

// Close tears down the transport and stops feed consumption.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	err := e.mgr.Teardown()
	if e.feed != nil {
		if cerr := e.feed.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (e *Engine) feedLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.feed.Events():
			if !ok {
				return
			}
			e.handleFeedEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleFeedEvent(ctx context.Context, ev core.FeedEvent) {
	switch ev.Type {
	case core.FeedSession:
		if ev.Session == nil {
			return
		}
		ended, err := e.applySession(ev.Session)
		if err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("session update rejected")
			return
		}
		if ended {
			e.endSession()
			e.publish()
			return
		}
		if err := e.ensureRoom(ctx, ev.Session); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("transport reconnect failed")
		}
		e.publish()
	case core.FeedInvite:
		if ev.Invite == nil {
			return
		}
		e.mu.Lock()
		events := e.machine.ObserveInvite(*ev.Invite)
		e.mu.Unlock()
		for _, pe := range events {
			log.Info().Str("module", "engine").Str("event", string(pe.Type)).Msg("invite observed")
		}
		e.publish()
	case core.FeedScore:
		if ev.Score == nil || ev.Score.SessionID != e.cfg.SessionID {
			return
		}
		e.mu.Lock()
		e.summary = score.Aggregate(*ev.Score)
		e.haveScores = true
		e.mu.Unlock()
		e.publish()
	case core.FeedDown:
		log.Warn().Str("module", "engine").Msg("backend feed down")
	case core.FeedRestored:
		// The feed may have skipped updates while down; re-read the
		// record rather than trusting the next delta.
		go e.refreshRoster(ctx, true)
	}
}

// applySession folds a session record into the machine. The returned
// flag reports an observed transition into the terminal phase; the
// caller owns the teardown that must follow.
func (e *Engine) applySession(s *domain.Session) (ended bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	events, err := e.machine.ObserveSession(s)
	if err != nil {
		return false, err
	}
	e.session = s
	for _, pe := range events {
		if pe.Type == phase.EvtEnded {
			ended = true
		}
		log.Info().Str("module", "engine").Str("event", string(pe.Type)).Str("phase", string(e.machine.Phase())).Msg("session observed")
	}
	return ended, nil
}

// endSession releases the transport and the device after a
// backend-observed end, the same release path Leave takes. The other
// host leaving permanently must not keep the camera held.
func (e *Engine) endSession() {
	e.mu.Lock()
	e.lastGrid = nil
	e.roomName = ""
	e.mu.Unlock()
	if err := e.mgr.Teardown(); err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("teardown after observed end")
	}
}

// ensureRoom connects (or reconnects) the transport when the derived
// room name changed. The lifecycle manager handles the full teardown of
// a previous room.
func (e *Engine) ensureRoom(ctx context.Context, s *domain.Session) error {
	room := RoomName(s)
	e.mu.Lock()
	if e.roomName == room || e.machine.Phase() == domain.PhaseEnded {
		e.mu.Unlock()
		return nil
	}
	e.roomName = room
	e.mu.Unlock()

	gen, err := e.mgr.Connect(ctx, room, LocalIdentity(e.cfg.Profile), e.cfg.CanPublish)
	if err != nil {
		e.mu.Lock()
		e.roomName = ""
		e.mu.Unlock()
		return err
	}
	e.mu.Lock()
	e.connectedAt = e.now()
	e.mu.Unlock()
	go e.roomLoop(ctx, gen)
	return nil
}

// roomLoop forwards transport events into reconciliation. The captured
// generation is the liveness flag: once the connection is superseded,
// late events are dropped on the floor.
func (e *Engine) roomLoop(ctx context.Context, gen uint64) {
	conn, connGen, ok := e.mgr.Conn()
	if !ok || connGen != gen {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-conn.Events():
			if !open {
				return
			}
			if !e.mgr.Alive(gen) {
				log.Debug().Str("module", "engine").Uint64("generation", gen).Msg("dropping stale room event")
				return
			}
			if ev.Type == core.EvtStatusChanged {
				e.mgr.UpdateStatus(gen, ev.Status)
			}
			e.reconcileFrom(ctx, conn)
		}
	}
}

// reconcileFrom recomputes the grid from the current snapshots and
// requests a debounced roster refresh for unknown peers.
func (e *Engine) reconcileFrom(ctx context.Context, conn core.RoomConnection) {
	remote := conn.Participants()

	e.mu.Lock()
	out := reconcile.Run(reconcile.Input{
		Roster:   e.rosterLocked(),
		Remote:   remote,
		Local:    e.localPeerLocked(),
		Status:   e.mgr.Status(),
		Previous: e.lastGrid,
	})
	e.lastGrid = out.Grid
	needRefresh := len(out.Unknown) > 0 && e.gate.Allow()
	if needRefresh {
		log.Info().Str("module", "engine").Int("unknown", len(out.Unknown)).Msg("unknown transport peers, requesting roster refresh")
	}
	e.mu.Unlock()

	if needRefresh {
		go e.refreshRoster(ctx, false)
	}
	e.publish()
}

// refreshRoster re-reads the authoritative record. The debounce was
// already consulted by the caller; force only marks feed-restore
// refreshes that skip the unknown-peer logging.
func (e *Engine) refreshRoster(ctx context.Context, force bool) {
	sess, err := e.svc.FetchSession(ctx, e.cfg.SessionID)
	if err != nil {
		log.Warn().Err(err).Bool("feed_restore", force).Str("module", "engine").Msg("roster refresh failed")
		return
	}
	ended, err := e.applySession(sess)
	if err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("refreshed session rejected")
		return
	}
	if ended {
		e.endSession()
		e.publish()
		return
	}
	if conn, _, ok := e.mgr.Conn(); ok {
		e.reconcileFrom(ctx, conn)
	} else {
		e.publish()
	}
}

func (e *Engine) rosterLocked() []domain.Participant {
	if e.session == nil {
		return nil
	}
	return e.session.Roster
}

func (e *Engine) localPeerLocked() *reconcile.LocalPeer {
	if !e.cfg.CanPublish {
		return nil
	}
	video, audio := e.mgr.LocalTracks()
	return &reconcile.LocalPeer{
		Profile: e.cfg.Profile,
		Name:    e.cfg.Name,
		Avatar:  e.cfg.Avatar,
		Video:   video,
		Audio:   audio,
	}
}

func (e *Engine) viewerTeamLocked() domain.Team {
	if e.session == nil {
		return domain.TeamA
	}
	if p, ok := e.session.ParticipantByID(e.cfg.Profile); ok && p.Team != "" {
		return p.Team
	}
	return domain.TeamA
}

// publish assembles and emits the render contract from current state.
func (e *Engine) publish() {
	e.mu.Lock()
	update := e.buildUpdateLocked()
	e.mu.Unlock()
	if e.sink != nil {
		e.sink.Publish(update)
	}
}

func (e *Engine) buildUpdateLocked() core.TileUpdate {
	e.expireInviteLocked()

	grid := e.lastGrid
	placement := layout.Arrange(len(grid), reconcile.HostIndex(grid))
	tiles := make([]core.Tile, 0, len(grid))
	for i, gp := range grid {
		c := placement.Cells[i]
		tiles = append(tiles, core.Tile{
			Participant: gp,
			Row:         c.Row,
			Col:         c.Col,
			RowSpan:     c.RowSpan,
			ColSpan:     c.ColSpan,
		})
	}

	status := e.mgr.Status()
	settling := reconcile.SettlingGrace(e.connectedAt, e.now())
	update := core.TileUpdate{
		Phase:           e.machine.Phase(),
		Tiles:           tiles,
		Rows:            placement.Rows,
		Cols:            placement.Cols,
		Status:          status,
		StatusLabel:     status.String(),
		WaitingForPeers: len(grid) == 0 && settling,
		EmptyRoom:       len(grid) == 0 && !settling && status == core.StatusConnected,
		Invite:          e.machine.PendingInvite(),
		Volumes:         copyMap(e.volumes),
		Muted:           copyMap(e.muted),
	}

	if e.session != nil && !e.session.PhaseEndsAt.IsZero() {
		update.PhaseEndsAtUnix = e.session.PhaseEndsAt.Unix()
	}
	if e.machine.Phase() == domain.PhaseBattleReady {
		update.Ready = e.machine.ReadyStates()
	}
	if e.haveScores && (e.machine.Phase() == domain.PhaseBattleActive || e.machine.Phase() == domain.PhaseCooldown) {
		viewer := e.viewerTeamLocked()
		update.Battle = make(map[domain.ProfileID]core.BattleOverlay, len(grid))
		for _, gp := range grid {
			if gp.Team == "" {
				continue
			}
			update.Battle[gp.ID] = core.BattleOverlay{
				Team:          gp.Team,
				Score:         e.summary.Total(gp.Team),
				Leading:       e.summary.Leader == gp.Team,
				AccentSelf:    score.AccentFor(gp.Team, viewer) == score.AccentSelf,
				TopSupporters: e.summary.Top[gp.Team],
			}
		}
	}
	return update
}

// expireInviteLocked locally treats an unanswered invite as declined
// once it outlives the TTL, so a dead invite never blocks the UI.
func (e *Engine) expireInviteLocked() {
	inv := e.machine.PendingInvite()
	if inv == nil {
		return
	}
	if e.now().Sub(inv.CreatedAt) <= e.cfg.InviteTTL {
		return
	}
	expired := *inv
	expired.Status = domain.InviteDeclined
	e.machine.ObserveInvite(expired)
	log.Info().Str("module", "engine").Str("invite", inv.ID).Msg("pending invite expired locally")
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if len(m) == 0 {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
