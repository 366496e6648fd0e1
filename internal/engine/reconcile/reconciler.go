// Package reconcile merges the two independently-updating sources of
// truth, the backend roster and live transport presence, into the
// canonical grid participant list.
//
// Reconciliation is a pure recompute over current snapshots, never an
// incremental patch: either feed may arrive first and a re-run on the
// next event converges. Running it twice on the same snapshots yields
// an identical result.
package reconcile

import (
	"strings"
	"time"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/domain"
)

const (
	// RefreshCooldown is the minimum spacing between roster refresh
	// requests for unknown transport participants. A burst of track
	// events for the same unknown peer must not trigger a refresh
	// storm.
	RefreshCooldown = 3 * time.Second

	// EmptyGridGrace is how long after connecting an empty remote set
	// reads as "subscriptions still settling" rather than a genuine
	// empty room.
	EmptyGridGrace = 5 * time.Second

	identityPrefix = "u_"
)

// NormalizeIdentity maps a transport identity onto a profile id by
// stripping the known prefix and the device qualifier suffix. Multiple
// identities may normalize to one profile id (same user on two
// devices); an unrecognized format passes through raw and will fail the
// roster lookup.
func NormalizeIdentity(identity string) domain.ProfileID {
	id := strings.TrimPrefix(identity, identityPrefix)
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return domain.ProfileID(id)
}

// LocalPeer describes this process's own participant. A peer always
// knows itself, so the local tile never depends on the roster.
type LocalPeer struct {
	Profile domain.ProfileID
	Name    string
	Avatar  string
	Video   core.TrackHandle
	Audio   core.TrackHandle
}

// Input is one reconciliation snapshot.
type Input struct {
	Roster []domain.Participant
	Remote []core.TransportParticipant
	// Local is nil when this peer is a pure viewer.
	Local *LocalPeer
	// Status gates removal: while reconnecting, absence from Remote is
	// a transient blip, not a leave, and Previous entries are kept.
	Status core.ConnStatus
	// Previous is the last published grid, consulted only while
	// reconnecting.
	Previous []core.GridParticipant
}

// Output is the reconciled grid plus the identities that were withheld
// because the roster does not (yet) know them.
type Output struct {
	Grid []core.GridParticipant
	// Unknown holds normalized ids reported by the transport but absent
	// from the roster. Never rendered; the caller requests a debounced
	// roster refresh instead.
	Unknown []domain.ProfileID
}

// Run computes the canonical grid: at most one entry per profile id, in
// roster order, with transport-less roster peers excluded (unless
// reconnecting) and roster-less transport peers withheld.
func Run(in Input) Output {
	// Collapse transport identities onto profile ids. First non-nil
	// track per kind wins, in arrival order.
	type presence struct {
		video core.TrackHandle
		audio core.TrackHandle
	}
	live := make(map[domain.ProfileID]*presence, len(in.Remote))
	var unknown []domain.ProfileID
	seenUnknown := make(map[domain.ProfileID]bool)

	rosterIdx := make(map[domain.ProfileID]int, len(in.Roster))
	for i, p := range in.Roster {
		rosterIdx[p.ProfileID] = i
	}

	for _, tp := range in.Remote {
		id := NormalizeIdentity(tp.Identity)
		if in.Local != nil && id == in.Local.Profile {
			// Our own echo from another device collapses into the
			// local tile.
			continue
		}
		if _, ok := rosterIdx[id]; !ok {
			if !seenUnknown[id] {
				seenUnknown[id] = true
				unknown = append(unknown, id)
			}
			continue
		}
		p, ok := live[id]
		if !ok {
			p = &presence{}
			live[id] = p
		}
		if p.video == nil {
			p.video = tp.Video
		}
		if p.audio == nil {
			p.audio = tp.Audio
		}
	}

	// While reconnecting, a previously-rendered roster peer that fell
	// out of the transport set stays on the grid as a placeholder.
	if in.Status == core.StatusReconnecting {
		for _, prev := range in.Previous {
			if prev.IsLocal {
				continue
			}
			if _, ok := rosterIdx[prev.ID]; !ok {
				continue
			}
			if _, ok := live[prev.ID]; !ok {
				live[prev.ID] = &presence{}
			}
		}
	}

	var grid []core.GridParticipant
	for _, p := range in.Roster {
		if in.Local != nil && p.ProfileID == in.Local.Profile {
			grid = append(grid, localTile(in.Local, p))
			continue
		}
		pr, ok := live[p.ProfileID]
		if !ok {
			continue
		}
		grid = append(grid, core.GridParticipant{
			ID:          p.ProfileID,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			Team:        p.Team,
			IsHost:      p.IsHost,
			Video:       pr.video,
			Audio:       pr.audio,
		})
	}

	// A publishing local peer missing from the roster still renders:
	// it does not depend on roster data at all.
	if in.Local != nil {
		if _, ok := rosterIdx[in.Local.Profile]; !ok {
			grid = append([]core.GridParticipant{localTile(in.Local, domain.Participant{})}, grid...)
		}
	}

	return Output{Grid: grid, Unknown: unknown}
}

func localTile(l *LocalPeer, roster domain.Participant) core.GridParticipant {
	gp := core.GridParticipant{
		ID:          l.Profile,
		DisplayName: l.Name,
		AvatarURL:   l.Avatar,
		Team:        roster.Team,
		IsHost:      roster.IsHost,
		IsLocal:     true,
		Video:       l.Video,
		Audio:       l.Audio,
	}
	if gp.DisplayName == "" {
		gp.DisplayName = roster.DisplayName
	}
	return gp
}

// HostIndex finds the primary host position inside a reconciled grid:
// the first entry flagged as host, falling back to 0.
func HostIndex(grid []core.GridParticipant) int {
	for i := range grid {
		if grid[i].IsHost {
			return i
		}
	}
	return 0
}

// RefreshGate debounces roster refresh requests. Not safe for
// concurrent use; the engine's event loop is the only caller.
type RefreshGate struct {
	cooldown time.Duration
	last     time.Time
	now      func() time.Time
}

// NewRefreshGate builds a gate with the fixed cooldown. now is
// injectable for tests; nil means time.Now.
func NewRefreshGate(now func() time.Time) *RefreshGate {
	if now == nil {
		now = time.Now
	}
	return &RefreshGate{cooldown: RefreshCooldown, now: now}
}

// Allow reports whether a refresh may be issued now, and if so starts a
// new cooldown window.
func (g *RefreshGate) Allow() bool {
	t := g.now()
	if !g.last.IsZero() && t.Sub(g.last) < g.cooldown {
		return false
	}
	g.last = t
	return true
}

// SettlingGrace reports whether an empty remote set should still read
// as "waiting for peers" because the connection is too fresh for
// subscriptions to have settled.
func SettlingGrace(connectedAt, now time.Time) bool {
	if connectedAt.IsZero() {
		return false
	}
	return now.Sub(connectedAt) < EmptyGridGrace
}
