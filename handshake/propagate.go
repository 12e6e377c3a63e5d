package handshake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/fedclient"
	"go.mau.fi/meowserv/ingest"
)

const (
	propagateConcurrency = 4
	propagateAttempts    = 3
	propagateBackoff     = 3 * time.Second
)

// TransactionSender delivers PDUs to another server. Implemented by
// fedclient.Client.
type TransactionSender interface {
	SendTransaction(ctx context.Context, destination, txnID string, pdus []json.RawMessage) (*fedclient.RespSendTransaction, error)
}

// propagate fans an accepted handshake event out to the room's other
// resident servers. Best effort and asynchronous: the handshake response
// never waits for it.
func (o *Orchestrator) propagate(ctx context.Context, roomID id.RoomID, raw json.RawMessage, exclude ...string) {
	if o.Sender == nil {
		return
	}
	_, state, err := o.Engine.CurrentState(ctx, roomID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("room_id", string(roomID)).
			Msg("Failed to load state for event propagation")
		return
	}
	servers := ingest.JoinedServers(state, append(exclude, o.Engine.ServerName)...)
	if len(servers) == 0 {
		return
	}
	log := zerolog.Ctx(ctx).With().Str("room_id", string(roomID)).Logger()
	bgCtx := log.WithContext(context.WithoutCancel(ctx))
	for _, server := range servers {
		go o.sendWithRetry(bgCtx, server, raw)
	}
}

func (o *Orchestrator) sendWithRetry(ctx context.Context, destination string, raw json.RawMessage) {
	if err := o.sema.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sema.Release(1)
	log := zerolog.Ctx(ctx).With().Str("destination", destination).Logger()
	// The transaction ID stays the same across retries so the receiver can
	// deduplicate a delivery that made it through before the error did.
	txnID := uuid.NewString()
	var lastErr error
	for attempt := 0; attempt < propagateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(propagateBackoff << (attempt - 1)):
			case <-ctx.Done():
				return
			}
		}
		resp, err := o.Sender.SendTransaction(ctx, destination, txnID, []json.RawMessage{raw})
		if err != nil {
			lastErr = err
			continue
		}
		for eventID, result := range resp.PDUs {
			if result.Error != "" {
				log.Debug().
					Stringer("event_id", eventID).
					Str("remote_error", result.Error).
					Msg("Remote server did not accept propagated event")
			}
		}
		return
	}
	log.Warn().Err(lastErr).Msg("Failed to propagate event")
}
