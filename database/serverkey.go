package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

const (
	getServerKeyQuery = `
		SELECT server_name, key_id, key, valid_until, expires_at
		FROM server_key WHERE server_name=$1 AND key_id=$2
	`
	putServerKeyQuery = `
		INSERT INTO server_key (server_name, key_id, key, valid_until, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (server_name, key_id) DO UPDATE
			SET key=excluded.key, valid_until=excluded.valid_until, expires_at=excluded.expires_at
	`
)

type ServerKeyQuery struct {
	*dbutil.QueryHelper[*ServerKey]
}

func newServerKey(_ *dbutil.QueryHelper[*ServerKey]) *ServerKey {
	return &ServerKey{}
}

func (skq *ServerKeyQuery) Get(ctx context.Context, serverName string, keyID id.KeyID) (*ServerKey, error) {
	return skq.QueryOne(ctx, getServerKeyQuery, serverName, keyID)
}

func (skq *ServerKeyQuery) Put(ctx context.Context, key *ServerKey) error {
	return skq.Exec(ctx, putServerKeyQuery, key.sqlVariables()...)
}

// ServerKey is one cached remote signing key.
type ServerKey struct {
	ServerName string
	KeyID      id.KeyID
	Key        id.SigningKey
	ValidUntil jsontime.UnixMilli
	ExpiresAt  jsontime.UnixMilli
}

func (sk *ServerKey) Scan(row dbutil.Scannable) (*ServerKey, error) {
	return dbutil.ValueOrErr(sk, row.Scan(&sk.ServerName, &sk.KeyID, &sk.Key, &sk.ValidUntil, &sk.ExpiresAt))
}

func (sk *ServerKey) sqlVariables() []any {
	return []any{sk.ServerName, sk.KeyID, sk.Key, sk.ValidUntil, sk.ExpiresAt}
}
