package config

import (
	up "go.mau.fi/util/configupgrade"
)

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "homeserver", "signing_key_path")

	helper.Copy(up.Str, "federation", "address")
	helper.Copy(up.Str, "federation", "hostname")
	helper.Copy(up.Int, "federation", "port")

	helper.Copy(up.Str|up.Null, "engine", "room_version")

	helper.Copy(up.Bool, "metrics", "enabled")
	helper.Copy(up.Str, "metrics", "listen")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"federation"},
	{"engine"},
	{"metrics"},
	{"database"},
	{"logging"},
}
