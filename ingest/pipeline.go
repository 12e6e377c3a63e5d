package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/eventauth"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
	"go.mau.fi/meowserv/stateres"
)

type processOpts struct {
	// local events were built by this server: a create event may establish
	// a new room, and failed gates return errors instead of storing a
	// rejected event.
	local bool
	// noFetch disables missing-event fetching, used while processing the
	// results of a fetch to bound the recursion.
	noFetch bool
}

// HandlePDU runs one federation event through the validation pipeline.
// origin is the authenticated server that delivered it. A nil error with a
// Result means the event got a stored verdict; an error means the event was
// dropped without one (malformed, bad signature, unknown room) or could not
// be processed yet (missing dependencies).
func (e *Engine) HandlePDU(ctx context.Context, origin string, raw json.RawMessage) (*Result, error) {
	return e.process(ctx, origin, raw, processOpts{})
}

func (e *Engine) process(ctx context.Context, origin string, raw json.RawMessage, opts processOpts) (*Result, error) {
	evt, err := pdu.Parse(raw)
	if err != nil {
		return nil, err
	}

	var room *RoomMeta
	if opts.local && evt.Type == pdu.TypeCreate {
		ver, ok := roomversion.Get(pdu.RoomVersionOf(evt.Content))
		if !ok {
			return nil, fmt.Errorf("%w: unsupported room version", pdu.ErrBadFormat)
		}
		room = &RoomMeta{ID: evt.RoomID, Version: ver}
	} else {
		room, err = e.roomMeta(ctx, evt.RoomID)
		if err != nil {
			return nil, err
		} else if room == nil {
			return nil, fmt.Errorf("%w: %s", ErrRoomUnknown, evt.RoomID)
		}
	}
	ver := room.Version

	if err = evt.ValidateFormat(ver); err != nil {
		return nil, err
	}
	eventID, err := evt.GetEventID(ver)
	if err != nil {
		return nil, err
	}

	// Idempotence gate: one verdict per event ID, ever.
	if res, ok := e.results.Get(eventID); ok {
		return res, nil
	}
	if stored, err := e.Store.Event(ctx, eventID); err != nil {
		return nil, err
	} else if stored != nil {
		res := &Result{EventID: eventID, Status: stored.Status, Reason: stored.Reason}
		e.results.Add(eventID, res)
		return res, nil
	}

	if err = evt.VerifySignatures(ctx, ver, e.Keys.GetKey); err != nil {
		return nil, err
	}

	// A bad content hash means the event was tampered with in transit, but
	// the redacted core is still covered by the signature. Continue on the
	// redacted copy; the event ID is unaffected since it hashes the
	// redacted form anyway.
	if err = pdu.VerifyContentHash(evt.Raw()); err != nil {
		if !errors.Is(err, pdu.ErrHashMismatch) {
			return nil, err
		}
		zerolog.Ctx(ctx).Warn().
			Stringer("event_id", eventID).
			Str("room_id", string(evt.RoomID)).
			Msg("Content hash mismatch, continuing with redacted event")
		redacted, err := pdu.Redact(evt.Raw(), ver)
		if err != nil {
			return nil, err
		}
		if evt, err = pdu.Parse(redacted); err != nil {
			return nil, err
		}
	}

	deps, err := e.loadDependencies(ctx, origin, room, evt, opts)
	if err != nil {
		return nil, err
	}

	stateBefore, err := e.stateBefore(ctx, room, evt, deps)
	if err != nil {
		return nil, err
	}

	rejectReason := e.checkAuthGates(evt, ver, deps, stateBefore)
	return e.commit(ctx, room, evt, eventID, stateBefore, rejectReason, opts)
}

// loadDependencies ensures every event referenced in auth_events and
// prev_events is stored, fetching gaps from the origin when possible.
func (e *Engine) loadDependencies(ctx context.Context, origin string, room *RoomMeta, evt *pdu.PDU, opts processOpts) (map[id.EventID]*StoredEvent, error) {
	wanted := make([]id.EventID, 0, len(evt.AuthEvents)+len(evt.PrevEvents))
	wanted = append(wanted, evt.AuthEvents...)
	for _, eid := range evt.PrevEvents {
		if !slices.Contains(wanted, eid) {
			wanted = append(wanted, eid)
		}
	}
	if len(wanted) == 0 {
		return map[id.EventID]*StoredEvent{}, nil
	}
	deps, err := e.Store.Events(ctx, wanted)
	if err != nil {
		return nil, err
	}
	missing := missingFrom(wanted, deps)
	if len(missing) > 0 && e.Fetcher != nil && !opts.noFetch && !opts.local {
		if err = e.fetchMissing(ctx, origin, room, missing); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("room_id", string(evt.RoomID)).
				Msg("Failed to fetch missing dependencies")
		}
		if deps, err = e.Store.Events(ctx, wanted); err != nil {
			return nil, err
		}
		missing = missingFrom(wanted, deps)
	}
	if len(missing) > 0 {
		return nil, &MissingEventsError{RoomID: evt.RoomID, EventIDs: missing}
	}
	return deps, nil
}

func missingFrom(wanted []id.EventID, got map[id.EventID]*StoredEvent) []id.EventID {
	var missing []id.EventID
	for _, eid := range wanted {
		if _, ok := got[eid]; !ok {
			missing = append(missing, eid)
		}
	}
	return missing
}

// stateBefore resolves the state immediately preceding evt: the state after
// each prev event, merged through state resolution when they diverge.
func (e *Engine) stateBefore(ctx context.Context, room *RoomMeta, evt *pdu.PDU, deps map[id.EventID]*StoredEvent) (stateres.StateMap, error) {
	if len(evt.PrevEvents) == 0 {
		return stateres.StateMap{}, nil
	}
	branches := make([]stateres.StateMap, 0, len(evt.PrevEvents))
	for _, prevID := range evt.PrevEvents {
		branch, err := e.stateAfter(ctx, deps[prevID])
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return e.resolve(ctx, room.Version, branches)
}

// stateAfter is the state snapshot an event's successors see: the state
// before it, plus the event itself if it is an accepted state event.
func (e *Engine) stateAfter(ctx context.Context, se *StoredEvent) (stateres.StateMap, error) {
	ids, err := e.Store.StateBeforeIDs(ctx, se.EventID)
	if err != nil {
		return nil, err
	}
	state, err := e.loadStateMap(ctx, ids)
	if err != nil {
		return nil, err
	}
	if se.Status == StatusAccepted {
		if tuple, ok := se.PDU.StateTuple(); ok {
			state[tuple] = se.PDU
		}
	}
	return state, nil
}

func (e *Engine) resolve(ctx context.Context, ver *roomversion.Version, branches []stateres.StateMap) (stateres.StateMap, error) {
	if len(branches) > 1 {
		stateResolutions.Inc()
	}
	return stateres.Resolve(ctx, ver, branches, e)
}

// checkAuthGates runs the AuthEventsValid and StateBeforeValid gates. A
// non-empty return is the rejection reason.
func (e *Engine) checkAuthGates(evt *pdu.PDU, ver *roomversion.Version, deps map[id.EventID]*StoredEvent, stateBefore stateres.StateMap) string {
	authPDUs := make([]*pdu.PDU, 0, len(evt.AuthEvents))
	for _, authID := range evt.AuthEvents {
		dep := deps[authID]
		if dep.Status == StatusRejected {
			return fmt.Sprintf("auth event %s was rejected", authID)
		}
		authPDUs = append(authPDUs, dep.PDU)
	}
	authState, err := eventauth.CheckAuthEventSelection(evt, authPDUs, ver)
	if err == nil {
		err = eventauth.Check(evt, authState, ver)
	}
	if err != nil {
		return fmt.Sprintf("against declared auth events: %v", err)
	}

	sbState, err := authStateFromSnapshot(evt, stateBefore, ver)
	if err == nil {
		err = eventauth.Check(evt, sbState, ver)
	}
	if err != nil {
		return fmt.Sprintf("against state before event: %v", err)
	}
	return ""
}

// authStateFromSnapshot picks the auth-relevant entries for evt out of a
// full state snapshot.
func authStateFromSnapshot(evt *pdu.PDU, state stateres.StateMap, ver *roomversion.Version) (*eventauth.AuthState, error) {
	var events []*pdu.PDU
	for _, tuple := range eventauth.ExpectedAuthTuples(evt, ver) {
		if se, ok := state[tuple]; ok {
			events = append(events, se)
		}
	}
	return eventauth.NewAuthState(events...)
}

// commit is the serialized tail of the pipeline: the CurrentStateChecked
// gate and the atomic state commit, under the room's lock.
func (e *Engine) commit(ctx context.Context, room *RoomMeta, evt *pdu.PDU, eventID id.EventID, stateBefore stateres.StateMap, rejectReason string, opts processOpts) (*Result, error) {
	lock := e.roomLock(evt.RoomID)
	lock.Lock()
	defer lock.Unlock()

	// Somebody else may have won the race for this event ID.
	if res, ok := e.results.Get(eventID); ok {
		return res, nil
	}

	status := StatusAccepted
	reason := rejectReason
	if reason != "" {
		status = StatusRejected
	}

	isCreate := room.CurrentState == nil && evt.Type == pdu.TypeCreate
	var currentState stateres.StateMap
	var err error
	if !isCreate {
		// Reload under the lock: the snapshot used for the pure gates may
		// be stale by now.
		room, err = e.roomMeta(ctx, evt.RoomID)
		if err != nil {
			return nil, err
		} else if room == nil {
			return nil, fmt.Errorf("%w: %s", ErrRoomUnknown, evt.RoomID)
		}
		currentState, err = e.loadStateMap(ctx, room.CurrentState)
		if err != nil {
			return nil, err
		}
	}

	if status == StatusAccepted && !isCreate {
		// The room's current state may come from branches the event never
		// saw; merge before the final gate.
		gateState, err := e.resolve(ctx, room.Version, []stateres.StateMap{currentState, stateBefore})
		if err != nil {
			return nil, err
		}
		curAuth, err := authStateFromSnapshot(evt, gateState, room.Version)
		if err == nil {
			err = eventauth.Check(evt, curAuth, room.Version)
		}
		if err != nil {
			status = StatusSoftFailed
			reason = fmt.Sprintf("against current state: %v", err)
		}
	}

	if opts.local && status != StatusAccepted {
		// Locally built events that fail their own gates are not worth
		// keeping; the caller gets the failure instead.
		return nil, fmt.Errorf("%w: %s", errLocalEventFailed, reason)
	}

	stateBeforeIDs, err := snapshotIDs(room.Version, stateBefore)
	if err != nil {
		return nil, err
	}
	commit := &Commit{
		RoomID:      evt.RoomID,
		EventID:     eventID,
		Event:       evt,
		Status:      status,
		Reason:      reason,
		StateBefore: stateBeforeIDs,
	}
	if isCreate {
		commit.NewRoomVersion = room.Version.ID
	}

	if status != StatusRejected {
		// Accepted and soft-failed events extend the graph; the new
		// current state is resolved over the updated extremity set.
		extremities := slices.Clone(room.ForwardExtremities)
		extremities = slices.DeleteFunc(extremities, func(eid id.EventID) bool {
			return slices.Contains(evt.PrevEvents, eid)
		})
		extremities = append(extremities, eventID)
		slices.Sort(extremities)
		commit.ForwardExtremities = extremities

		newCurrent, err := e.currentStateOf(ctx, room.Version, extremities, eventID, evt, status, stateBefore)
		if err != nil {
			return nil, err
		}
		if commit.CurrentState, err = snapshotIDs(room.Version, newCurrent); err != nil {
			return nil, err
		}
	}

	if err = e.Store.Commit(ctx, commit); err != nil {
		return nil, fmt.Errorf("failed to commit event %s: %w", eventID, err)
	}
	e.states.invalidate(evt.RoomID)

	res := &Result{EventID: eventID, Status: status, Reason: reason}
	e.results.Add(eventID, res)
	eventsProcessed.WithLabelValues(string(status)).Inc()
	logEvt := zerolog.Ctx(ctx).Debug().
		Stringer("event_id", eventID).
		Str("room_id", string(evt.RoomID)).
		Str("type", evt.Type).
		Str("status", string(status))
	if reason != "" {
		logEvt = logEvt.Str("reason", reason)
	}
	logEvt.Msg("Processed event")
	return res, nil
}

var errLocalEventFailed = errors.New("local event failed authorization")

// currentStateOf resolves the room's current state across the state after
// each forward extremity. The event being committed isn't stored yet, so
// its own branch is assembled from the in-memory data.
func (e *Engine) currentStateOf(ctx context.Context, ver *roomversion.Version, extremities []id.EventID, newID id.EventID, newEvt *pdu.PDU, newStatus Status, newStateBefore stateres.StateMap) (stateres.StateMap, error) {
	branches := make([]stateres.StateMap, 0, len(extremities))
	for _, eid := range extremities {
		if eid == newID {
			branch := newStateBefore
			if newStatus == StatusAccepted {
				if tuple, ok := newEvt.StateTuple(); ok {
					branch = make(stateres.StateMap, len(newStateBefore)+1)
					for t, se := range newStateBefore {
						branch[t] = se
					}
					branch[tuple] = newEvt
				}
			}
			branches = append(branches, branch)
			continue
		}
		se, err := e.Store.Event(ctx, eid)
		if err != nil {
			return nil, err
		} else if se == nil {
			return nil, fmt.Errorf("%w: forward extremity %s", stateres.ErrMissingEvent, eid)
		}
		branch, err := e.stateAfter(ctx, se)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return e.resolve(ctx, ver, branches)
}

// snapshotIDs flattens a state map of events into a snapshot of IDs.
func snapshotIDs(ver *roomversion.Version, state stateres.StateMap) (map[pdu.StateTuple]id.EventID, error) {
	if state == nil {
		return nil, nil
	}
	out := make(map[pdu.StateTuple]id.EventID, len(state))
	for tuple, evt := range state {
		eid, err := evt.GetEventID(ver)
		if err != nil {
			return nil, err
		}
		out[tuple] = eid
	}
	return out, nil
}
