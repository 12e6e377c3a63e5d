package stateres

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

const resRoom = "!resolution:one.example"

var (
	resAlice = id.UserID("@alice:one.example")
	resBob   = id.UserID("@bob:one.example")
	resEve   = id.UserID("@eve:two.example")
)

// testStore is an in-memory EventProvider.
type testStore map[id.EventID]*pdu.PDU

func (s testStore) EventsByID(_ context.Context, eventIDs []id.EventID) (map[id.EventID]*pdu.PDU, error) {
	out := make(map[id.EventID]*pdu.PDU, len(eventIDs))
	for _, eid := range eventIDs {
		if evt, ok := s[eid]; ok {
			out[eid] = evt
		}
	}
	return out, nil
}

// add builds an event whose auth_events reference the given parents,
// stores it and returns it.
func (s testStore) add(t *testing.T, ver *roomversion.Version, fields map[string]any, authParents ...*pdu.PDU) *pdu.PDU {
	t.Helper()
	authIDs := make([]id.EventID, len(authParents))
	for i, parent := range authParents {
		eid, err := parent.GetEventID(ver)
		require.NoError(t, err)
		authIDs[i] = eid
	}
	base := map[string]any{
		"room_id":     resRoom,
		"prev_events": []string{},
		"auth_events": authIDs,
		"content":     map[string]any{},
	}
	maps.Copy(base, fields)
	raw, err := json.Marshal(base)
	require.NoError(t, err)
	evt, err := pdu.Parse(raw)
	require.NoError(t, err)
	eid, err := evt.GetEventID(ver)
	require.NoError(t, err)
	s[eid] = evt
	return evt
}

type fixtureRoom struct {
	store testStore
	base  StateMap

	create, aliceJoin, bobJoin, eveJoin, powerLevels, joinRules *pdu.PDU
}

// buildRoom lays down the uncontested skeleton of a v10 room: alice created
// it and holds 100, bob holds 50, eve is a powerless remote member, the
// join rule is public.
func buildRoom(t *testing.T) *fixtureRoom {
	t.Helper()
	f := &fixtureRoom{store: make(testStore)}
	f.create = f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypeCreate, "state_key": "", "sender": resAlice,
		"depth": 1, "origin_server_ts": 1000,
		"content": map[string]any{"creator": resAlice, "room_version": "10"},
	})
	f.aliceJoin = f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypeMember, "state_key": string(resAlice), "sender": resAlice,
		"depth": 2, "origin_server_ts": 2000,
		"content": map[string]any{"membership": "join"},
	}, f.create)
	f.powerLevels = f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypePowerLevels, "state_key": "", "sender": resAlice,
		"depth": 3, "origin_server_ts": 3000,
		"content": map[string]any{"users": map[string]any{string(resAlice): 100, string(resBob): 50}},
	}, f.create, f.aliceJoin)
	f.joinRules = f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypeJoinRules, "state_key": "", "sender": resAlice,
		"depth": 4, "origin_server_ts": 4000,
		"content": map[string]any{"join_rule": "public"},
	}, f.create, f.aliceJoin, f.powerLevels)
	f.bobJoin = f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypeMember, "state_key": string(resBob), "sender": resBob,
		"depth": 5, "origin_server_ts": 5000,
		"content": map[string]any{"membership": "join"},
	}, f.create, f.powerLevels, f.joinRules)
	f.eveJoin = f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypeMember, "state_key": string(resEve), "sender": resEve,
		"depth": 6, "origin_server_ts": 6000,
		"content": map[string]any{"membership": "join"},
	}, f.create, f.powerLevels, f.joinRules)

	f.base = StateMap{}
	for _, evt := range []*pdu.PDU{f.create, f.aliceJoin, f.bobJoin, f.eveJoin, f.powerLevels, f.joinRules} {
		tuple, ok := evt.StateTuple()
		require.True(t, ok)
		f.base[tuple] = evt
	}
	return f
}

// branch clones the base state with some positions replaced.
func (f *fixtureRoom) branch(t *testing.T, replacements ...*pdu.PDU) StateMap {
	t.Helper()
	branch := maps.Clone(f.base)
	for _, evt := range replacements {
		tuple, ok := evt.StateTuple()
		require.True(t, ok)
		branch[tuple] = evt
	}
	return branch
}

// fingerprint renders a state map into a canonical text form so two
// resolutions can be compared byte for byte.
func fingerprint(t *testing.T, ver *roomversion.Version, state StateMap) string {
	t.Helper()
	lines := make([]string, 0, len(state))
	for tuple, evt := range state {
		eid, err := evt.GetEventID(ver)
		require.NoError(t, err)
		lines = append(lines, fmt.Sprintf("%s=%s", tuple, eid))
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n")
}

func mustResolve(t *testing.T, ver *roomversion.Version, branches []StateMap, store testStore) StateMap {
	t.Helper()
	resolved, err := Resolve(context.Background(), ver, branches, store)
	require.NoError(t, err)
	return resolved
}

func TestResolve_TrivialBranches(t *testing.T) {
	f := buildRoom(t)

	resolved := mustResolve(t, roomversion.V10, nil, f.store)
	assert.Empty(t, resolved)

	resolved = mustResolve(t, roomversion.V10, []StateMap{f.base}, f.store)
	assert.Equal(t, f.base, resolved)

	// Identical branches have nothing to resolve.
	resolved = mustResolve(t, roomversion.V10, []StateMap{f.base, maps.Clone(f.base)}, f.store)
	assert.Equal(t, fingerprint(t, roomversion.V10, f.base), fingerprint(t, roomversion.V10, resolved))
}

func TestResolveV2_NameConflict_MainlineOrder(t *testing.T) {
	f := buildRoom(t)

	// Branch B carries a newer power levels event; its name event anchors
	// further up the mainline and must win even with an older timestamp.
	pl2 := f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypePowerLevels, "state_key": "", "sender": resAlice,
		"depth": 7, "origin_server_ts": 7000,
		"content": map[string]any{
			"users": map[string]any{string(resAlice): 100, string(resBob): 50},
			"ban":   60,
		},
	}, f.create, f.aliceJoin, f.powerLevels)
	nameA := f.store.add(t, roomversion.V10, map[string]any{
		"type": "m.room.name", "state_key": "", "sender": resAlice,
		"depth": 7, "origin_server_ts": 9000,
		"content": map[string]any{"name": "old lineage, newer clock"},
	}, f.create, f.powerLevels, f.aliceJoin)
	nameB := f.store.add(t, roomversion.V10, map[string]any{
		"type": "m.room.name", "state_key": "", "sender": resBob,
		"depth": 8, "origin_server_ts": 8000,
		"content": map[string]any{"name": "new lineage, older clock"},
	}, f.create, pl2, f.bobJoin)

	branchA := f.branch(t, nameA)
	branchB := f.branch(t, pl2, nameB)

	resolved := mustResolve(t, roomversion.V10, []StateMap{branchA, branchB}, f.store)
	nameTuple := pdu.StateTuple{Type: "m.room.name"}
	assert.Same(t, nameB, resolved[nameTuple])
	assert.Same(t, pl2, resolved[pdu.StateTuple{Type: pdu.TypePowerLevels}])
	assert.Same(t, f.joinRules, resolved[pdu.StateTuple{Type: pdu.TypeJoinRules}], "unconflicted entries survive")

	// Branch order must not matter, and repeated runs must agree byte for
	// byte.
	flipped := mustResolve(t, roomversion.V10, []StateMap{branchB, branchA}, f.store)
	assert.Equal(t, fingerprint(t, roomversion.V10, resolved), fingerprint(t, roomversion.V10, flipped))
	again := mustResolve(t, roomversion.V10, []StateMap{branchA, branchB}, f.store)
	assert.Equal(t, fingerprint(t, roomversion.V10, resolved), fingerprint(t, roomversion.V10, again))
}

func TestResolveV2_TimestampBreaksMainlineTies(t *testing.T) {
	f := buildRoom(t)

	// Same mainline anchor on both sides: the newer timestamp wins the
	// replay because it lands last.
	nameA := f.store.add(t, roomversion.V10, map[string]any{
		"type": "m.room.name", "state_key": "", "sender": resAlice,
		"depth": 7, "origin_server_ts": 7000,
		"content": map[string]any{"name": "first"},
	}, f.create, f.powerLevels, f.aliceJoin)
	nameB := f.store.add(t, roomversion.V10, map[string]any{
		"type": "m.room.name", "state_key": "", "sender": resBob,
		"depth": 7, "origin_server_ts": 7500,
		"content": map[string]any{"name": "second"},
	}, f.create, f.powerLevels, f.bobJoin)

	resolved := mustResolve(t, roomversion.V10, []StateMap{f.branch(t, nameA), f.branch(t, nameB)}, f.store)
	assert.Same(t, nameB, resolved[pdu.StateTuple{Type: "m.room.name"}])
}

func TestResolveV2_BanBeatsLaterJoin(t *testing.T) {
	f := buildRoom(t)

	banEve := f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypeMember, "state_key": string(resEve), "sender": resAlice,
		"depth": 7, "origin_server_ts": 7000,
		"content": map[string]any{"membership": "ban"},
	}, f.create, f.powerLevels, f.aliceJoin, f.eveJoin)
	eveRejoin := f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypeMember, "state_key": string(resEve), "sender": resEve,
		"depth": 7, "origin_server_ts": 9000,
		"content": map[string]any{"membership": "join", "displayname": "evil eve"},
	}, f.create, f.powerLevels, f.joinRules, f.eveJoin)

	branchA := f.branch(t, banEve)
	branchB := f.branch(t, eveRejoin)

	// The ban is a power event and replays first; the rejoin then fails
	// auth against the banned membership no matter how new it is.
	eveTuple := pdu.StateTuple{Type: pdu.TypeMember, StateKey: string(resEve)}
	resolved := mustResolve(t, roomversion.V10, []StateMap{branchA, branchB}, f.store)
	assert.Same(t, banEve, resolved[eveTuple])

	flipped := mustResolve(t, roomversion.V10, []StateMap{branchB, branchA}, f.store)
	assert.Same(t, banEve, flipped[eveTuple])
}

func TestResolveV2_PowerEventOrdering(t *testing.T) {
	f := buildRoom(t)

	// plA raises the ban level. plB carries that raise forward and tweaks
	// the kick level: legal on top of plA, illegal straight after the
	// original power levels. Only the reverse topological power ordering
	// (alice's event first) lets plB through.
	plA := f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypePowerLevels, "state_key": "", "sender": resAlice,
		"depth": 7, "origin_server_ts": 7000,
		"content": map[string]any{
			"users": map[string]any{string(resAlice): 100, string(resBob): 50},
			"ban":   75,
		},
	}, f.create, f.aliceJoin, f.powerLevels)
	plB := f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypePowerLevels, "state_key": "", "sender": resBob,
		"depth": 7, "origin_server_ts": 6500,
		"content": map[string]any{
			"users": map[string]any{string(resAlice): 100, string(resBob): 50},
			"ban":   75,
			"kick":  25,
		},
	}, f.create, f.bobJoin, f.powerLevels)

	plTuple := pdu.StateTuple{Type: pdu.TypePowerLevels}
	resolved := mustResolve(t, roomversion.V10, []StateMap{f.branch(t, plA), f.branch(t, plB)}, f.store)
	assert.Same(t, plB, resolved[plTuple])

	flipped := mustResolve(t, roomversion.V10, []StateMap{f.branch(t, plB), f.branch(t, plA)}, f.store)
	assert.Same(t, plB, flipped[plTuple])
}

func TestResolveV2_DemotionDropped(t *testing.T) {
	f := buildRoom(t)

	// bob tries to demote alice on one branch. The competing event is
	// alice's own; bob's must be dropped during replay.
	plAlice := f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypePowerLevels, "state_key": "", "sender": resAlice,
		"depth": 7, "origin_server_ts": 7000,
		"content": map[string]any{
			"users":  map[string]any{string(resAlice): 100, string(resBob): 50},
			"invite": 10,
		},
	}, f.create, f.aliceJoin, f.powerLevels)
	plCoup := f.store.add(t, roomversion.V10, map[string]any{
		"type": pdu.TypePowerLevels, "state_key": "", "sender": resBob,
		"depth": 7, "origin_server_ts": 9000,
		"content": map[string]any{
			"users": map[string]any{string(resAlice): 0, string(resBob): 50},
		},
	}, f.create, f.bobJoin, f.powerLevels)

	resolved := mustResolve(t, roomversion.V10, []StateMap{f.branch(t, plAlice), f.branch(t, plCoup)}, f.store)
	assert.Same(t, plAlice, resolved[pdu.StateTuple{Type: pdu.TypePowerLevels}])
}

func TestAuthChain(t *testing.T) {
	f := buildRoom(t)

	chain, err := AuthChain(context.Background(), roomversion.V10, f.store, []*pdu.PDU{f.eveJoin})
	require.NoError(t, err)

	var got []id.EventID
	for _, evt := range chain {
		eid, err := evt.GetEventID(roomversion.V10)
		require.NoError(t, err)
		got = append(got, eid)
	}
	want := make([]id.EventID, 0, 4)
	for _, evt := range []*pdu.PDU{f.create, f.aliceJoin, f.powerLevels, f.joinRules} {
		eid, err := evt.GetEventID(roomversion.V10)
		require.NoError(t, err)
		want = append(want, eid)
	}
	slices.Sort(want)
	assert.Equal(t, want, got, "closure of eve's join, sorted by event ID, without the seed itself")
}

func TestAuthChain_MissingEvent(t *testing.T) {
	f := buildRoom(t)
	aliceJoinID, err := f.aliceJoin.GetEventID(roomversion.V10)
	require.NoError(t, err)
	delete(f.store, aliceJoinID)

	_, err = AuthChain(context.Background(), roomversion.V10, f.store, []*pdu.PDU{f.eveJoin})
	assert.ErrorIs(t, err, ErrMissingEvent)
}

func TestAuthDifference(t *testing.T) {
	set := func(ids ...id.EventID) map[id.EventID]struct{} {
		out := make(map[id.EventID]struct{}, len(ids))
		for _, eid := range ids {
			out[eid] = struct{}{}
		}
		return out
	}
	diff := authDifference([]map[id.EventID]struct{}{
		set("$a", "$b", "$c"),
		set("$a", "$c", "$d"),
	})
	assert.Equal(t, set("$b", "$d"), diff)

	assert.Empty(t, authDifference([]map[id.EventID]struct{}{
		set("$a", "$b"),
		set("$a", "$b"),
	}))
}
