// Package score derives battle overlay data from the raw scoring feed.
// Display-only: nothing here influences phase transitions.
package score

import (
	"sort"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/domain"
)

// TopSupporters is how many ranked supporters each side surfaces.
const TopSupporters = 3

// Accent is a team-relative color slot. The viewer's own side always
// renders in the self accent regardless of which side (A/B) they
// technically are.
type Accent string

const (
	AccentSelf     Accent = "self"
	AccentOpponent Accent = "opponent"
)

// AccentFor maps an absolute side to the viewer-relative accent slot.
func AccentFor(team, viewer domain.Team) Accent {
	if team == viewer {
		return AccentSelf
	}
	return AccentOpponent
}

// Summary is the derived battle scoring state for one session.
type Summary struct {
	TotalA int64
	TotalB int64
	// Leader ties toward A so the banner never flickers on equal
	// scores.
	Leader domain.Team
	Top    map[domain.Team][]core.Supporter
}

// Total returns the cumulative score for one side.
func (s Summary) Total(team domain.Team) int64 {
	if team == domain.TeamB {
		return s.TotalB
	}
	return s.TotalA
}

// Aggregate folds the raw contribution feed into per-side totals, the
// leader, and each side's ranked top supporters. Contributions
// accumulate per supporter per side, so a supporter backing both sides
// appears in each side's ranking with only that side's points. Ties
// between supporters keep feed order (stable sort).
func Aggregate(state domain.ScoreState) Summary {
	type acc struct {
		sup   core.Supporter
		team  domain.Team
		order int
	}
	type sideKey struct {
		id   domain.ProfileID
		team domain.Team
	}
	bySide := make(map[sideKey]*acc)
	ordered := make([]*acc, 0, len(state.Contributions))

	sum := Summary{Leader: domain.TeamA, Top: map[domain.Team][]core.Supporter{}}
	for _, c := range state.Contributions {
		switch c.Team {
		case domain.TeamA:
			sum.TotalA += c.Points
		case domain.TeamB:
			sum.TotalB += c.Points
		default:
			continue
		}
		k := sideKey{c.SupporterID, c.Team}
		a, ok := bySide[k]
		if !ok {
			a = &acc{
				sup: core.Supporter{
					ID:          c.SupporterID,
					DisplayName: c.SupporterName,
					AvatarURL:   c.AvatarURL,
				},
				team:  c.Team,
				order: len(ordered),
			}
			bySide[k] = a
			ordered = append(ordered, a)
		}
		a.sup.Points += c.Points
	}

	if sum.TotalB > sum.TotalA {
		sum.Leader = domain.TeamB
	}

	for _, team := range []domain.Team{domain.TeamA, domain.TeamB} {
		side := make([]*acc, 0, len(ordered))
		for _, a := range ordered {
			if a.team == team {
				side = append(side, a)
			}
		}
		sort.SliceStable(side, func(i, j int) bool {
			return side[i].sup.Points > side[j].sup.Points
		})
		if len(side) > TopSupporters {
			side = side[:TopSupporters]
		}
		top := make([]core.Supporter, 0, len(side))
		for i, a := range side {
			s := a.sup
			s.Rank = i + 1
			top = append(top, s)
		}
		sum.Top[team] = top
	}
	return sum
}
