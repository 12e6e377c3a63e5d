package main

import (
	"net/http"

	"github.com/rs/zerolog/hlog"
	"maunium.net/go/mautrix"
)

// GetServerKeys - GET /_matrix/key/v2/server
//
// The key ID path variant is served identically: the response always
// carries every key the server publishes.
func (m *Meowserv) GetServerKeys(w http.ResponseWriter, r *http.Request) {
	resp, err := m.Keys.LocalKeyResponse()
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to build server key response")
		mautrix.MUnknown.WithMessage("Failed to build key response").Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
