package main

import (
	"context"
	"net/http"
	"time"

	"go.mau.fi/util/exhttp"
)

type RespHealth struct {
	Ok       bool `json:"ok"`
	Database bool `json:"database"`
}

// GetHealth - GET /_meowserv/v1/health
func (m *Meowserv) GetHealth(w http.ResponseWriter, r *http.Request) {
	pingDeadline, abort := context.WithTimeout(r.Context(), 5*time.Second)
	defer abort()
	var resp RespHealth
	resp.Database = m.DB.RawDB.PingContext(pingDeadline) == nil
	resp.Ok = resp.Database
	if resp.Ok {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusServiceUnavailable, resp)
	}
}
