package main

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.mau.fi/util/exhttp"
)

const (
	Name    = "Meowserv"
	URL     = "https://github.com/maunium/meowserv"
	Version = "0.1.0"
)

var (
	BuildTime string
	Commit    string
	Tag       string

	ParsedBuildTime    time.Time
	VersionWithCommit  string
	VersionDescription string
)

func initVersion() {
	Tag = strings.TrimPrefix(Tag, "v")
	if Tag != Version {
		suffix := ""
		if !strings.HasSuffix(Version, "+dev") {
			suffix = "+dev"
		}
		if len(Commit) > 8 {
			VersionWithCommit = fmt.Sprintf("%s%s.%s", Version, suffix, Commit[:8])
		} else {
			VersionWithCommit = fmt.Sprintf("%s%s.unknown", Version, suffix)
		}
	} else {
		VersionWithCommit = Version
	}
	if BuildTime != "" {
		ParsedBuildTime, _ = time.Parse(time.RFC3339, BuildTime)
	}
	var builtWith string
	if ParsedBuildTime.IsZero() {
		builtWith = runtime.Version()
	} else {
		builtWith = fmt.Sprintf("built at %s with %s", ParsedBuildTime.Format(time.RFC1123), runtime.Version())
	}
	VersionDescription = fmt.Sprintf("%s %s (%s)", Name, VersionWithCommit, builtWith)
}

type RespVersion struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
}

// GetVersion - GET /_matrix/federation/v1/version
func (m *Meowserv) GetVersion(w http.ResponseWriter, r *http.Request) {
	var resp RespVersion
	resp.Server.Name = Name
	resp.Server.Version = VersionWithCommit
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}
