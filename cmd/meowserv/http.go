package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"
)

// bodySizeLimit bounds request bodies: a transaction of 50 maximum-size
// PDUs plus framing fits comfortably.
const bodySizeLimit = 4 * 1024 * 1024

func (m *Meowserv) PrepareHTTP() {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /_matrix/federation/v1/version", m.GetVersion)
	mux.HandleFunc("GET /_matrix/key/v2/server", m.GetServerKeys)
	mux.HandleFunc("GET /_matrix/key/v2/server/{keyID}", m.GetServerKeys)
	mux.HandleFunc("GET /_meowserv/v1/health", m.GetHealth)

	// Everything under the federation prefix requires an X-Matrix
	// request signature.
	auth := m.XMatrixAuth

	mux.Handle("GET /_matrix/federation/v1/make_join/{roomID}/{userID}", auth(m.GetMakeJoin))
	mux.Handle("PUT /_matrix/federation/v1/send_join/{roomID}/{eventID}", auth(m.PutSendJoinV1))
	mux.Handle("PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}", auth(m.PutSendJoinV2))
	mux.Handle("GET /_matrix/federation/v1/make_leave/{roomID}/{userID}", auth(m.GetMakeLeave))
	mux.Handle("PUT /_matrix/federation/v1/send_leave/{roomID}/{eventID}", auth(m.PutSendLeaveV1))
	mux.Handle("PUT /_matrix/federation/v2/send_leave/{roomID}/{eventID}", auth(m.PutSendLeaveV2))
	mux.Handle("GET /_matrix/federation/v1/make_knock/{roomID}/{userID}", auth(m.GetMakeKnock))
	mux.Handle("PUT /_matrix/federation/v1/send_knock/{roomID}/{eventID}", auth(m.PutSendKnock))
	mux.Handle("PUT /_matrix/federation/v2/invite/{roomID}/{eventID}", auth(m.PutInvite))

	mux.Handle("PUT /_matrix/federation/v1/send/{txnID}", auth(m.PutTransaction))

	mux.Handle("GET /_matrix/federation/v1/event/{eventID}", auth(m.GetEvent))
	mux.Handle("GET /_matrix/federation/v1/state/{roomID}", auth(m.GetState))
	mux.Handle("GET /_matrix/federation/v1/state_ids/{roomID}", auth(m.GetStateIDs))
	mux.Handle("GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}", auth(m.GetEventAuth))
	mux.Handle("POST /_matrix/federation/v1/get_missing_events/{roomID}", auth(m.PostGetMissingEvents))
	mux.Handle("GET /_matrix/federation/v1/backfill/{roomID}", auth(m.GetBackfill))

	var handler http.Handler = mux
	handler = requestlog.AccessLogger(requestlog.Options{})(handler)
	handler = exhttp.CORSMiddleware(handler)
	handler = hlog.NewHandler(m.Log.With().Str("component", "federation api").Logger())(handler)
	m.Server = &http.Server{
		Addr:    m.Config.Federation.Address,
		Handler: handler,
	}

	if m.Config.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		m.MetricsServer = &http.Server{
			Addr:    m.Config.Metrics.Listen,
			Handler: metricsMux,
		}
	}
}
