package reconcile

import (
	"reflect"
	"testing"
	"time"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/domain"
)

type fakeTrack struct {
	id   string
	kind core.TrackKind
}

func (f fakeTrack) ID() string           { return f.id }
func (f fakeTrack) Kind() core.TrackKind { return f.kind }

func roster(ids ...string) []domain.Participant {
	out := make([]domain.Participant, 0, len(ids))
	for i, id := range ids {
		out = append(out, domain.Participant{
			ProfileID:   domain.ProfileID(id),
			DisplayName: "name-" + id,
			SlotIndex:   i,
			IsHost:      i == 0,
		})
	}
	return out
}

func gridIDs(out Output) []domain.ProfileID {
	ids := make([]domain.ProfileID, 0, len(out.Grid))
	for _, g := range out.Grid {
		ids = append(ids, g.ID)
	}
	return ids
}

func TestNormalizeIdentity(t *testing.T) {
	cases := []struct {
		identity string
		want     domain.ProfileID
	}{
		{"u_hostA", "hostA"},
		{"u_hostB:dev1", "hostB"},
		{"u_hostB:dev2", "hostB"},
		{"plain", "plain"},
		{"u_x:a:b", "x"},
	}
	for _, c := range cases {
		if got := NormalizeIdentity(c.identity); got != c.want {
			t.Errorf("NormalizeIdentity(%q) = %q, want %q", c.identity, got, c.want)
		}
	}
}

func TestRosterAuthorityExcludesUnknownPeers(t *testing.T) {
	out := Run(Input{
		Roster: roster("hostA"),
		Remote: []core.TransportParticipant{
			{Identity: "u_hostA", Video: fakeTrack{"v1", core.TrackVideo}},
			{Identity: "u_hostB:dev1"},
		},
		Status: core.StatusConnected,
	})
	if got := gridIDs(out); !reflect.DeepEqual(got, []domain.ProfileID{"hostA"}) {
		t.Fatalf("grid = %v, want [hostA]", got)
	}
	if !reflect.DeepEqual(out.Unknown, []domain.ProfileID{"hostB"}) {
		t.Fatalf("unknown = %v, want [hostB]", out.Unknown)
	}
}

func TestUnknownPeerRecoversAfterRosterUpdate(t *testing.T) {
	remote := []core.TransportParticipant{
		{Identity: "u_hostA"},
		{Identity: "u_hostB:dev1", Video: fakeTrack{"v2", core.TrackVideo}},
	}
	before := Run(Input{Roster: roster("hostA"), Remote: remote, Status: core.StatusConnected})
	if got := gridIDs(before); !reflect.DeepEqual(got, []domain.ProfileID{"hostA"}) {
		t.Fatalf("grid before refresh = %v, want [hostA]", got)
	}

	after := Run(Input{Roster: roster("hostA", "hostB"), Remote: remote, Status: core.StatusConnected})
	if got := gridIDs(after); !reflect.DeepEqual(got, []domain.ProfileID{"hostA", "hostB"}) {
		t.Fatalf("grid after refresh = %v, want [hostA hostB]", got)
	}
	if len(after.Unknown) != 0 {
		t.Fatalf("unknown after refresh = %v, want empty", after.Unknown)
	}
	if after.Grid[1].Video == nil {
		t.Fatal("recovered peer lost its subscribed track")
	}
}

func TestIdentityCollapseTwoDevicesOneTile(t *testing.T) {
	out := Run(Input{
		Roster: roster("hostA", "hostB"),
		Remote: []core.TransportParticipant{
			{Identity: "u_hostB:dev1", Audio: fakeTrack{"a1", core.TrackAudio}},
			{Identity: "u_hostB:dev2", Video: fakeTrack{"v1", core.TrackVideo}},
		},
		Status: core.StatusConnected,
	})
	if got := gridIDs(out); !reflect.DeepEqual(got, []domain.ProfileID{"hostB"}) {
		t.Fatalf("grid = %v, want single hostB tile", got)
	}
	tile := out.Grid[0]
	if tile.Audio == nil || tile.Video == nil {
		t.Fatalf("collapsed tile should merge tracks across devices: %+v", tile)
	}
}

func TestReconciliationIsIdempotent(t *testing.T) {
	in := Input{
		Roster: roster("hostA", "hostB", "guest1"),
		Remote: []core.TransportParticipant{
			{Identity: "u_hostB", Video: fakeTrack{"v", core.TrackVideo}},
			{Identity: "u_guest1"},
			{Identity: "u_stranger"},
		},
		Local:  &LocalPeer{Profile: "hostA", Name: "me"},
		Status: core.StatusConnected,
	}
	first := Run(in)
	second := Run(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reconciliation not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestLocalPeerNeverDependsOnRoster(t *testing.T) {
	out := Run(Input{
		Roster: roster("hostB"),
		Local:  &LocalPeer{Profile: "hostA", Name: "me", Video: fakeTrack{"lv", core.TrackVideo}},
		Status: core.StatusConnecting,
	})
	if len(out.Grid) != 1 || !out.Grid[0].IsLocal {
		t.Fatalf("grid = %+v, want only the local tile", out.Grid)
	}
	if out.Grid[0].DisplayName != "me" {
		t.Fatalf("local tile uses %q, want local display data", out.Grid[0].DisplayName)
	}
}

func TestLocalEchoFromSecondDeviceCollapses(t *testing.T) {
	out := Run(Input{
		Roster: roster("hostA", "hostB"),
		Remote: []core.TransportParticipant{
			{Identity: "u_hostA:dev2", Video: fakeTrack{"echo", core.TrackVideo}},
			{Identity: "u_hostB"},
		},
		Local:  &LocalPeer{Profile: "hostA", Name: "me"},
		Status: core.StatusConnected,
	})
	if got := gridIDs(out); !reflect.DeepEqual(got, []domain.ProfileID{"hostA", "hostB"}) {
		t.Fatalf("grid = %v, want [hostA hostB]", got)
	}
	if !out.Grid[0].IsLocal {
		t.Fatal("hostA tile must stay the local tile, not the device echo")
	}
}

func TestGridKeepsRosterOrder(t *testing.T) {
	out := Run(Input{
		Roster: roster("hostA", "hostB", "guest1"),
		Remote: []core.TransportParticipant{
			{Identity: "u_guest1"},
			{Identity: "u_hostA"},
			{Identity: "u_hostB"},
		},
		Status: core.StatusConnected,
	})
	if got := gridIDs(out); !reflect.DeepEqual(got, []domain.ProfileID{"hostA", "hostB", "guest1"}) {
		t.Fatalf("grid order = %v, want roster order", got)
	}
}

func TestReconnectingSuppressesRemoval(t *testing.T) {
	prev := Run(Input{
		Roster: roster("hostA", "hostB"),
		Remote: []core.TransportParticipant{{Identity: "u_hostA"}, {Identity: "u_hostB"}},
		Status: core.StatusConnected,
	})

	during := Run(Input{
		Roster:   roster("hostA", "hostB"),
		Remote:   []core.TransportParticipant{{Identity: "u_hostA"}},
		Status:   core.StatusReconnecting,
		Previous: prev.Grid,
	})
	if got := gridIDs(during); !reflect.DeepEqual(got, []domain.ProfileID{"hostA", "hostB"}) {
		t.Fatalf("grid while reconnecting = %v, want both peers kept", got)
	}

	after := Run(Input{
		Roster:   roster("hostA", "hostB"),
		Remote:   []core.TransportParticipant{{Identity: "u_hostA"}},
		Status:   core.StatusConnected,
		Previous: prev.Grid,
	})
	if got := gridIDs(after); !reflect.DeepEqual(got, []domain.ProfileID{"hostA"}) {
		t.Fatalf("grid once connected = %v, want genuine absence honored", got)
	}
}

func TestRefreshGateDebouncesBursts(t *testing.T) {
	now := time.Unix(1000, 0)
	gate := NewRefreshGate(func() time.Time { return now })

	if !gate.Allow() {
		t.Fatal("first request must pass")
	}
	// Five track events for the same unknown peer inside the window.
	for i := 0; i < 5; i++ {
		now = now.Add(400 * time.Millisecond)
		if gate.Allow() {
			t.Fatalf("request %d inside cooldown passed", i+1)
		}
	}
	now = now.Add(RefreshCooldown)
	if !gate.Allow() {
		t.Fatal("request after cooldown must pass")
	}
}

func TestSettlingGrace(t *testing.T) {
	connected := time.Unix(2000, 0)
	if !SettlingGrace(connected, connected.Add(2*time.Second)) {
		t.Fatal("2s after connect should still be settling")
	}
	if SettlingGrace(connected, connected.Add(EmptyGridGrace+time.Second)) {
		t.Fatal("past the grace window an empty room is genuine")
	}
	if SettlingGrace(time.Time{}, time.Unix(2000, 0)) {
		t.Fatal("zero connect time means not connected, no grace")
	}
}

func TestHostIndex(t *testing.T) {
	grid := []core.GridParticipant{{ID: "a"}, {ID: "b", IsHost: true}}
	if got := HostIndex(grid); got != 1 {
		t.Fatalf("HostIndex = %d, want 1", got)
	}
	if got := HostIndex([]core.GridParticipant{{ID: "a"}}); got != 0 {
		t.Fatalf("HostIndex fallback = %d, want 0", got)
	}
}
