package wasocket

import (
	"context"
	"database/sql"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// deviceMarker prefixes the BusinessName field whatsmeow persists with each
// device, mapping a stored device back to its owning instance.
const deviceMarker = "instance:"

// MeowFactory is the production Factory backed by whatsmeow. Signal-protocol
// state lives in whatsmeow's own container on the application's database
// connection; the identity document is mirrored out through CredsEvent into
// the session store. Dial finds a stored device by its BusinessName marker and
// does not read the AuthState's creds or keys; no KeysEvent is emitted.
type MeowFactory struct {
	container *sqlstore.Container
}

// NewMeowFactory wraps the application's sql.DB so whatsmeow tables share
// the same database. Library-level logging stays silent; fleet logging goes
// through zap.
func NewMeowFactory(ctx context.Context, db *sql.DB) (*MeowFactory, error) {
	container := sqlstore.NewWithDB(db, "postgres", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrap(err, "wasocket: sqlstore upgrade")
	}
	return &MeowFactory{container: container}, nil
}

func (f *MeowFactory) FetchVersion(ctx context.Context) (Version, error) {
	ver := store.GetWAVersion()
	return Version{ver[0], ver[1], ver[2]}, nil
}

func (f *MeowFactory) NewCreds() map[string]interface{} {
	return map[string]interface{}{
		"registrationId": float64(rand.Uint32()),
		"registered":     false,
	}
}

func (f *MeowFactory) Dial(ctx context.Context, cfg Config, auth AuthState) (Socket, error) {
	named, ok := auth.(interface{ Name() string })
	if !ok {
		return nil, errors.New("wasocket: auth state carries no instance name")
	}
	marker := deviceMarker + named.Name()

	if cfg.Version != (Version{}) {
		store.SetWAVersion(store.WAVersionContainer{cfg.Version[0], cfg.Version[1], cfg.Version[2]})
	}
	if cfg.Browser[0] != "" {
		store.DeviceProps.Os = proto.String(cfg.Browser[0])
	}

	device, err := f.findDevice(ctx, marker)
	if err != nil {
		return nil, err
	}
	if device == nil {
		device = f.container.NewDevice()
		device.BusinessName = marker
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	sock := &meowSocket{
		client: client,
		name:   named.Name(),
		events: make(chan Event, 64),
	}
	client.AddEventHandler(sock.translate)

	if err := client.Connect(); err != nil {
		sock.closeEvents()
		return nil, errors.Wrap(err, "wasocket: connect")
	}
	sock.emit(ConnectionEvent{State: ConnConnecting})
	return sock, nil
}

func (f *MeowFactory) findDevice(ctx context.Context, marker string) (*store.Device, error) {
	devices, err := f.container.GetAllDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "wasocket: list stored devices")
	}
	for _, d := range devices {
		if d != nil && d.BusinessName == marker {
			return d, nil
		}
	}
	return nil, nil
}

// RemoveDevice deletes the stored whatsmeow device for an instance, if any.
func (f *MeowFactory) RemoveDevice(ctx context.Context, instanceName string) error {
	device, err := f.findDevice(ctx, deviceMarker+instanceName)
	if err != nil || device == nil {
		return err
	}
	return f.container.DeleteDevice(ctx, device)
}

type meowSocket struct {
	client *whatsmeow.Client
	name   string
	events chan Event

	closeOnce sync.Once
}

func (s *meowSocket) Events() <-chan Event { return s.events }

func (s *meowSocket) User() string {
	jid := s.client.Store.GetJID()
	if jid.IsEmpty() {
		return ""
	}
	return jid.String()
}

func (s *meowSocket) SendText(ctx context.Context, jid string, text string) error {
	parsed, err := waTypes.ParseJID(jid)
	if err != nil {
		return errors.Wrap(err, "wasocket: parse jid")
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	_, err = s.client.SendMessage(ctx, parsed, msg)
	return errors.Wrap(err, "wasocket: send message")
}

func (s *meowSocket) Logout(ctx context.Context) error {
	err := s.client.Logout(ctx)
	s.closeEvents()
	return errors.Wrap(err, "wasocket: logout")
}

func (s *meowSocket) End() {
	s.client.Disconnect()
	s.closeEvents()
}

// translate maps whatsmeow's event types onto the boundary's stream.
func (s *meowSocket) translate(evt interface{}) {
	switch e := evt.(type) {
	case *events.QR:
		if len(e.Codes) > 0 {
			s.emit(QREvent{Code: e.Codes[0]})
		}
	case *events.PairSuccess:
		s.emit(CredsEvent{Creds: s.credsSnapshot()})
	case *events.Connected:
		s.emit(CredsEvent{Creds: s.credsSnapshot()})
		s.emit(ConnectionEvent{State: ConnOpen})
	case *events.LoggedOut:
		s.emit(ConnectionEvent{State: ConnClose, Reason: ReasonLoggedOut})
		s.closeEvents()
	case *events.StreamReplaced:
		s.emit(ConnectionEvent{State: ConnClose, Reason: ReasonConnectionClosed})
		s.closeEvents()
	case *events.Disconnected:
		s.emit(ConnectionEvent{State: ConnClose, Reason: ReasonConnectionLost})
		s.closeEvents()
	case *events.ConnectFailure:
		reason := ReasonConnectionClosed
		if e.Reason == events.ConnectFailureLoggedOut {
			reason = ReasonLoggedOut
		}
		s.emit(ConnectionEvent{State: ConnClose, Reason: reason})
		s.closeEvents()
	}
}

// credsSnapshot mirrors the device identity document for the session store.
// Signal-protocol key material stays inside whatsmeow's container; after a
// restart the device is found again through its BusinessName marker, not
// through this document.
func (s *meowSocket) credsSnapshot() map[string]interface{} {
	dev := s.client.Store
	creds := map[string]interface{}{
		"registrationId": float64(dev.RegistrationID),
		"registered":     true,
		"platform":       dev.Platform,
		"pushName":       dev.PushName,
		"businessName":   dev.BusinessName,
	}
	if jid := dev.GetJID(); !jid.IsEmpty() {
		creds["jid"] = jid.String()
	}
	if dev.NoiseKey != nil {
		creds["noiseKey"] = map[string]interface{}{
			"public":  dev.NoiseKey.Pub[:],
			"private": dev.NoiseKey.Priv[:],
		}
	}
	if dev.IdentityKey != nil {
		creds["signedIdentityKey"] = map[string]interface{}{
			"public":  dev.IdentityKey.Pub[:],
			"private": dev.IdentityKey.Priv[:],
		}
	}
	if len(dev.AdvSecretKey) > 0 {
		creds["advSecretKey"] = dev.AdvSecretKey
	}
	return creds
}

// emit never blocks whatsmeow's dispatcher; if the supervisor falls far
// enough behind to fill the buffer, the event is dropped and logged.
func (s *meowSocket) emit(ev Event) {
	defer func() {
		// Sending on a channel closed by a concurrent teardown is not an
		// error worth crashing the dispatcher for.
		_ = recover()
	}()
	select {
	case s.events <- ev:
	default:
		zap.L().Warn("wasocket: event buffer full, dropping event",
			zap.String("instance", s.name))
	}
}

func (s *meowSocket) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}
