package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/keyring"
)

type contextKey int

const contextKeyOrigin contextKey = iota

var errUnauthorized = mautrix.RespError{
	ErrCode:    "M_UNAUTHORIZED",
	Err:        "Invalid request signature",
	StatusCode: http.StatusUnauthorized,
}

// origin returns the authenticated server name of a federation request.
func origin(r *http.Request) string {
	name, _ := r.Context().Value(contextKeyOrigin).(string)
	return name
}

type xMatrixAuth struct {
	Origin      string
	Destination string
	KeyID       id.KeyID
	Signature   string
}

// parseXMatrixHeader splits an `X-Matrix key="value",...` Authorization
// header. Unknown parameters are ignored.
func parseXMatrixHeader(header string) *xMatrixAuth {
	params, ok := strings.CutPrefix(header, "X-Matrix ")
	if !ok {
		return nil
	}
	var auth xMatrixAuth
	for _, part := range strings.Split(params, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return nil
		}
		value = strings.Trim(value, `"`)
		switch name {
		case "origin":
			auth.Origin = value
		case "destination":
			auth.Destination = value
		case "key":
			auth.KeyID = id.KeyID(value)
		case "sig":
			auth.Signature = value
		}
	}
	if auth.Origin == "" || auth.KeyID == "" || auth.Signature == "" {
		return nil
	}
	return &auth
}

type requestAuthObject struct {
	Method      string          `json:"method"`
	URI         string          `json:"uri"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// XMatrixAuth verifies the federation request signature and stashes the
// origin server name in the request context.
func (m *Meowserv) XMatrixAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := parseXMatrixHeader(r.Header.Get("Authorization"))
		if auth == nil {
			errUnauthorized.WithMessage("Missing or invalid X-Matrix Authorization header").Write(w)
			return
		}
		if auth.Destination != "" && auth.Destination != m.Engine.ServerName {
			errUnauthorized.WithMessage("Request signature is for a different destination").Write(w)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, bodySizeLimit))
		if err != nil {
			mautrix.MUnknown.WithMessage("Failed to read request body").Write(w)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err = m.verifyRequestSignature(r, auth, body); err != nil {
			hlog.FromRequest(r).Debug().Err(err).
				Str("claimed_origin", auth.Origin).
				Msg("Rejecting request with bad signature")
			errUnauthorized.WithMessage("Invalid request signature").Write(w)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyOrigin, auth.Origin)
		log := hlog.FromRequest(r).With().Str("request_origin", auth.Origin).Logger()
		next.ServeHTTP(w, r.WithContext(log.WithContext(ctx)))
	})
}

func (m *Meowserv) verifyRequestSignature(r *http.Request, auth *xMatrixAuth, body []byte) error {
	obj, err := json.Marshal(&requestAuthObject{
		Method:      r.Method,
		URI:         r.URL.RequestURI(),
		Origin:      auth.Origin,
		Destination: m.Engine.ServerName,
		Content:     body,
	})
	if err != nil {
		return err
	}
	sigPath := "signatures." + escapeSJSON(auth.Origin) + "." + escapeSJSON(string(auth.KeyID))
	signed, err := sjson.SetBytes(obj, sigPath, auth.Signature)
	if err != nil {
		return err
	}
	key, _, err := m.Keys.GetKey(r.Context(), auth.Origin, auth.KeyID, time.Now())
	if err != nil {
		return err
	}
	return keyring.VerifyJSON(signed, auth.Origin, auth.KeyID, key)
}

func escapeSJSON(key string) string {
	return strings.ReplaceAll(key, ".", `\.`)
}
