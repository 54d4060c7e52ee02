// Package wasocket is the seam between the fleet core and the upstream
// WhatsApp protocol library. The core only ever sees these types; the
// production implementation lives in meow.go and the tests drive the core
// with an in-memory factory that injects synthetic events.
package wasocket

import (
	"context"

	"github.com/pkg/errors"
)

// Version is the protocol version triple advertised during the handshake.
type Version [3]uint32

// Config carries the socket construction knobs the core cares about.
type Config struct {
	Version Version
	// Browser is the fixed identity triple presented to the upstream server.
	Browser [3]string
	// SyncFullHistory and HighQualityPreviews stay false for fleet sockets.
	SyncFullHistory     bool
	HighQualityPreviews bool
}

// ConnState mirrors the upstream connection.update states.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClose      ConnState = "close"
)

// Reason is the status code attached to a close event.
type Reason int

const (
	ReasonLoggedOut        Reason = 401
	ReasonConnectionLost   Reason = 408
	ReasonConnectionClosed Reason = 428
	ReasonRestartRequired  Reason = 515
)

// Event is one entry of a socket's event stream.
type Event interface{ isEvent() }

// QREvent carries a fresh pairing challenge string.
type QREvent struct {
	Code string
}

// ConnectionEvent signals a connection.update transition. Reason and Err are
// only meaningful when State is ConnClose.
type ConnectionEvent struct {
	State  ConnState
	Reason Reason
	Err    error
}

// CredsEvent carries the updated credential document after a rotation.
type CredsEvent struct {
	Creds map[string]interface{}
}

// KeysEvent carries a signal-key patch: type -> id -> value, nil value deletes.
type KeysEvent struct {
	Patch map[string]map[string]interface{}
}

func (QREvent) isEvent()         {}
func (ConnectionEvent) isEvent() {}
func (CredsEvent) isEvent()      {}
func (KeysEvent) isEvent()       {}

// Signal key categories used as the first half of the compound key.
const (
	KeyPreKey          = "pre-key"
	KeySession         = "session"
	KeySenderKey       = "sender-key"
	KeyAppStateSyncKey = "app-state-sync-key"
	KeyAppStateVersion = "app-state-sync-version"
)

// KeyStore is the rotating-key slice of an instance's auth state.
type KeyStore interface {
	// Get returns the decoded value for every requested id that exists.
	Get(keyType string, ids []string) (map[string]interface{}, error)
	// Set applies a patch; persistence is debounced and completes later.
	Set(patch map[string]map[string]interface{}) error
}

// AuthState is what a socket needs from the session state store.
type AuthState interface {
	Creds() map[string]interface{}
	SetCreds(creds map[string]interface{})
	Keys() KeyStore
}

// Socket is one live upstream connection.
type Socket interface {
	// Events returns the socket's event stream. The channel is closed when
	// the socket terminates; delivery order is the upstream order.
	Events() <-chan Event
	// User returns the socket's authenticated identity ("<phone>:<device>@server"),
	// empty before pairing completes.
	User() string
	SendText(ctx context.Context, jid string, text string) error
	Logout(ctx context.Context) error
	// End terminates the socket without protocol side effects.
	End()
}

// Factory builds sockets and answers version queries.
type Factory interface {
	Dial(ctx context.Context, cfg Config, auth AuthState) (Socket, error)
	FetchVersion(ctx context.Context) (Version, error)
	// NewCreds produces a fresh credential document for a brand new session.
	NewCreds() map[string]interface{}
}

// AppStateSyncKey is the structured form of an app-state-sync-key value.
type AppStateSyncKey struct {
	KeyData     []byte
	Fingerprint map[string]interface{}
	Timestamp   int64
}

// LiftAppStateSyncKey converts a decoded app-state-sync-key document into its
// structured form.
func LiftAppStateSyncKey(v interface{}) (*AppStateSyncKey, error) {
	doc, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("wasocket: app-state-sync-key value is %T, not an object", v)
	}
	key := &AppStateSyncKey{}
	if data, ok := doc["keyData"].([]byte); ok {
		key.KeyData = data
	}
	if fp, ok := doc["fingerprint"].(map[string]interface{}); ok {
		key.Fingerprint = fp
	}
	switch ts := doc["timestamp"].(type) {
	case float64:
		key.Timestamp = int64(ts)
	case int64:
		key.Timestamp = ts
	}
	return key, nil
}
