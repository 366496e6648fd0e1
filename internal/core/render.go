package core

import "github.com/stagelink/stagelink/internal/domain"

// GridParticipant is the reconciled per-tile entity. Derived on every
// roster or transport change; never stored.
type GridParticipant struct {
	ID          domain.ProfileID `json:"id"`
	DisplayName string           `json:"display_name"`
	AvatarURL   string           `json:"avatar_url"`
	Team        domain.Team      `json:"team,omitempty"`
	IsLocal     bool             `json:"is_local"`
	IsHost      bool             `json:"is_host"`
	Video       TrackHandle      `json:"-"`
	Audio       TrackHandle      `json:"-"`
}

// Tile is one placed cell in grid units, produced by the layout engine.
type Tile struct {
	Participant GridParticipant `json:"participant"`
	Row         int             `json:"row"`
	Col         int             `json:"col"`
	RowSpan     int             `json:"row_span"`
	ColSpan     int             `json:"col_span"`
}

// BattleOverlay is the per-tile scoring annotation for battle phases.
type BattleOverlay struct {
	Team          domain.Team `json:"team"`
	Score         int64       `json:"score"`
	Leading       bool        `json:"leading"`
	AccentSelf    bool        `json:"accent_self"`
	TopSupporters []Supporter `json:"top_supporters,omitempty"`
}

// Supporter is one ranked entry in a side's top-supporters list.
type Supporter struct {
	ID          domain.ProfileID `json:"id"`
	DisplayName string           `json:"display_name"`
	AvatarURL   string           `json:"avatar_url"`
	Points      int64            `json:"points"`
	Rank        int              `json:"rank"`
}

// TileUpdate is the full render contract handed to presentation: the
// placed grid, phase, battle overlays and connection status.
type TileUpdate struct {
	Phase           domain.Phase                         `json:"phase"`
	Tiles           []Tile                               `json:"tiles"`
	Rows            int                                  `json:"rows"`
	Cols            int                                  `json:"cols"`
	Battle          map[domain.ProfileID]BattleOverlay   `json:"battle,omitempty"`
	Ready           map[domain.ProfileID]bool            `json:"ready,omitempty"`
	Status          ConnStatus                           `json:"-"`
	StatusLabel     string                               `json:"status"`
	WaitingForPeers bool                                 `json:"waiting_for_peers"`
	EmptyRoom       bool                                 `json:"empty_room"`
	PhaseEndsAtUnix int64                                `json:"phase_ends_at,omitempty"`
	Volumes         map[domain.ProfileID]float64         `json:"volumes,omitempty"`
	Muted           map[domain.ProfileID]bool            `json:"muted,omitempty"`
	Invite          *domain.Invite                       `json:"invite,omitempty"`
}

// TileSink receives render contract updates. Implementations must not
// block; a slow consumer drops frames, it never stalls reconciliation.
type TileSink interface {
	Publish(TileUpdate)
}
