package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
)

// Limits on the missing-event walk. A malicious peer can reference
// arbitrarily deep or bushy graphs; the walk gives up rather than follow
// them indefinitely.
const (
	maxFetchDepth    = 10
	maxFetchCount    = 100
	fetchConcurrency = 4
	fetchAttempts    = 3
	fetchBackoffBase = 500 * time.Millisecond
)

// fetchMissing fills gaps in the event graph from the origin server: a
// breadth-first walk over the missing events' own references, bounded in
// depth and count, followed by validating everything fetched in dependency
// order. Fetched events go through the normal pipeline; this only changes
// where the bytes come from, never what is accepted.
func (e *Engine) fetchMissing(ctx context.Context, origin string, room *RoomMeta, missing []id.EventID) error {
	log := zerolog.Ctx(ctx)
	fetched := make(map[id.EventID]json.RawMessage)
	frontier := missing
	for depth := 0; depth < maxFetchDepth && len(frontier) > 0; depth++ {
		// The workers only write into the locked results slice; the fetched
		// map stays single-writer and is folded after the wait.
		type fetchResult struct {
			eid  id.EventID
			raw  json.RawMessage
			refs []id.EventID
		}
		var results []fetchResult
		var resultsLock sync.Mutex
		var wg sync.WaitGroup
		for _, eid := range frontier {
			if _, ok := fetched[eid]; ok || len(fetched) >= maxFetchCount {
				continue
			}
			fetched[eid] = nil
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.fetchSema.Acquire(ctx, 1); err != nil {
					return
				}
				defer e.fetchSema.Release(1)
				raw, err := e.fetchOne(ctx, origin, eid)
				if err != nil {
					log.Warn().Err(err).
						Stringer("event_id", eid).
						Str("origin", origin).
						Msg("Failed to fetch missing event")
					return
				}
				refs, err := eventRefs(raw)
				if err != nil {
					log.Warn().Err(err).
						Stringer("event_id", eid).
						Str("origin", origin).
						Msg("Fetched event is malformed")
					return
				}
				resultsLock.Lock()
				results = append(results, fetchResult{eid: eid, raw: raw, refs: refs})
				resultsLock.Unlock()
			}()
		}
		wg.Wait()

		var next []id.EventID
		for _, res := range results {
			fetched[res.eid] = res.raw
			next = append(next, res.refs...)
		}

		// Only walk into references we hold neither stored nor fetched.
		var unknown []id.EventID
		for _, eid := range next {
			if _, ok := fetched[eid]; !ok {
				unknown = append(unknown, eid)
			}
		}
		if len(unknown) > 0 {
			stored, err := e.Store.Events(ctx, unknown)
			if err != nil {
				return err
			}
			unknown = missingFrom(unknown, stored)
		}
		frontier = unknown
	}

	// Validate in passes: an event can only be processed once its
	// dependencies are in the store, so each pass handles the events whose
	// gaps the previous pass filled.
	pending := make(map[id.EventID]json.RawMessage, len(fetched))
	for eid, raw := range fetched {
		if raw != nil {
			pending[eid] = raw
		}
	}
	eventsFetched.Add(float64(len(pending)))
	for len(pending) > 0 {
		progress := false
		for eid, raw := range pending {
			_, err := e.process(ctx, origin, raw, processOpts{noFetch: true})
			if err == nil {
				delete(pending, eid)
				progress = true
				continue
			}
			var mee *MissingEventsError
			if !errors.As(err, &mee) {
				log.Warn().Err(err).
					Stringer("event_id", eid).
					Msg("Dropping fetched event")
				delete(pending, eid)
				progress = true
			}
		}
		if !progress {
			return fmt.Errorf("could not order %d fetched events for validation", len(pending))
		}
	}
	return nil
}

// fetchOne pulls one event with bounded exponential backoff.
func (e *Engine) fetchOne(ctx context.Context, origin string, eventID id.EventID) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(fetchBackoffBase << (attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		raw, err := e.Fetcher.FetchEvent(ctx, origin, eventID)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// eventRefs extracts the auth and prev references of a raw event without
// full validation.
func eventRefs(raw json.RawMessage) ([]id.EventID, error) {
	evt, err := pdu.Parse(raw)
	if err != nil {
		return nil, err
	}
	refs := make([]id.EventID, 0, len(evt.AuthEvents)+len(evt.PrevEvents))
	refs = append(refs, evt.AuthEvents...)
	refs = append(refs, evt.PrevEvents...)
	return refs, nil
}
