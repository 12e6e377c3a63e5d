// Package fedclient is the outbound half of federation: HTTP requests to
// other homeservers, resolved through .well-known/SRV delegation and
// authenticated with X-Matrix request signatures.
package fedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/keyring"
)

const (
	requestTimeout = 30 * time.Second
	maxRespSize    = 50 * 1024 * 1024
)

// Client sends signed federation requests. All methods take the destination
// server name; resolution to an actual host happens in the transport.
type Client struct {
	ServerName string
	Key        *keyring.LocalKey
	UserAgent  string

	http *http.Client
}

// NewClient builds a client over a server-resolving transport with its own
// resolution cache.
func NewClient(serverName string, key *keyring.LocalKey) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	srt := federation.NewServerResolvingTransport(federation.NewInMemoryCache())
	srt.Dialer = dialer
	srt.Transport = &http.Transport{
		DialContext:           srt.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
		ForceAttemptHTTP2:     true,
	}
	return &Client{
		ServerName: serverName,
		Key:        key,
		http:       &http.Client{Timeout: 2 * time.Minute, Transport: srt},
	}
}

// authObject is the JSON object an X-Matrix request signature covers.
type authObject struct {
	Method      string          `json:"method"`
	URI         string          `json:"uri"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// SignRequest computes the X-Matrix Authorization header value for a
// request with the given body.
func (c *Client) SignRequest(method, destination, uri string, content []byte) (string, error) {
	obj, err := json.Marshal(&authObject{
		Method:      method,
		URI:         uri,
		Origin:      c.ServerName,
		Destination: destination,
		Content:     content,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request auth object: %w", err)
	}
	canonical, err := canonicaljson.CanonicalJSON(obj)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request auth object: %w", err)
	}
	signed, err := c.Key.SignJSON(canonical)
	if err != nil {
		return "", err
	}
	var parsed authSignatures
	if err = json.Unmarshal(signed, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse signed auth object: %w", err)
	}
	sig := parsed.Signatures[c.ServerName][c.Key.ID]
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		c.ServerName, destination, c.Key.ID, sig), nil
}

type authSignatures struct {
	Signatures map[string]map[id.KeyID]string `json:"signatures"`
}

// Do sends one signed request and decodes the response into out. Non-2xx
// responses are returned as mautrix.RespError when the body parses as one.
func (c *Client) Do(ctx context.Context, method, destination, uri string, body, out any) error {
	var bodyJSON []byte
	var err error
	if body != nil {
		bodyJSON, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, "matrix-federation://"+destination+uri, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	if c.Key != nil {
		auth, err := c.SignRequest(method, destination, uri, bodyJSON)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", auth)
	}
	if bodyJSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", destination, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRespSize))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", destination, err)
	}
	if resp.StatusCode >= 300 {
		var respErr mautrix.RespError
		if json.Unmarshal(respBody, &respErr) == nil && respErr.ErrCode != "" {
			respErr.StatusCode = resp.StatusCode
			return respErr
		}
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, destination)
	}
	if out != nil {
		if err = json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response from %s: %w", destination, err)
		}
	}
	return nil
}

// FetchServerKeys implements keyring.KeyFetcher. Key requests are the one
// unsigned federation request, as they bootstrap the trust for everything
// else.
func (c *Client) FetchServerKeys(ctx context.Context, serverName string) (*keyring.ServerKeysResponse, error) {
	var raw json.RawMessage
	unsigned := &Client{ServerName: c.ServerName, UserAgent: c.UserAgent, http: c.http}
	if err := unsigned.Do(ctx, http.MethodGet, serverName, "/_matrix/key/v2/server", nil, &raw); err != nil {
		return nil, err
	}
	return keyring.ParseServerKeysResponse(raw)
}

type respEventContainer struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// FetchEvent pulls a single event from the given server. Implements
// ingest.EventFetcher.
func (c *Client) FetchEvent(ctx context.Context, serverName string, eventID id.EventID) (json.RawMessage, error) {
	var resp respEventContainer
	uri := "/_matrix/federation/v1/event/" + string(eventID)
	if err := c.Do(ctx, http.MethodGet, serverName, uri, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.PDUs) != 1 {
		return nil, fmt.Errorf("event response from %s contains %d PDUs", serverName, len(resp.PDUs))
	}
	return resp.PDUs[0], nil
}

// Transaction is the body of PUT /_matrix/federation/v1/send/{txnId}.
type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

// RespSendTransaction is the per-PDU result map a transaction returns.
type RespSendTransaction struct {
	PDUs map[id.EventID]PDUResult `json:"pdus"`
}

type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// SendTransaction delivers a batch of PDUs to another server.
func (c *Client) SendTransaction(ctx context.Context, destination, txnID string, pdus []json.RawMessage) (*RespSendTransaction, error) {
	txn := &Transaction{
		Origin:         c.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           pdus,
	}
	var resp RespSendTransaction
	uri := "/_matrix/federation/v1/send/" + txnID
	if err := c.Do(ctx, http.MethodPut, destination, uri, txn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
