package fleet

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talkincode/wafleet/internal/domain"
	"github.com/talkincode/wafleet/internal/wasocket"
	"github.com/talkincode/wafleet/internal/wastore"
)

// browserIdent is the fixed browser triple presented on every socket.
var browserIdent = [3]string{"Mac OS", "Chrome", "121.0.0"}

// Supervisor owns one instance's live socket across its whole life,
// translating the upstream event stream into lifecycle transitions. Events
// are consumed by a single goroutine per instance, so row writes observe the
// state machine order.
type Supervisor struct {
	id    uuid.UUID
	name  string
	coord *Coordinator

	mu   sync.Mutex
	sock wasocket.Socket
	sess *wastore.Session

	reconnecting atomic.Bool
}

func newSupervisor(id uuid.UUID, name string, coord *Coordinator) *Supervisor {
	return &Supervisor{id: id, name: name, coord: coord}
}

// ID returns the supervised instance id.
func (s *Supervisor) ID() uuid.UUID { return s.id }

// Name returns the supervised instance name.
func (s *Supervisor) Name() string { return s.name }

// Connect tears down any pre-existing socket, marks the instance connecting,
// opens the session state and dials a fresh socket. A version-fetch or dial
// failure aborts and propagates.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.sock != nil {
		s.sock.End()
		s.sock = nil
	}
	s.mu.Unlock()

	s.updateRow(map[string]interface{}{
		"connection_status": domain.StatusConnecting,
		"is_connected":      false,
	})

	sess, err := s.coord.store.Open(ctx, s.name)
	if err != nil {
		return err
	}
	ver, err := s.coord.Version(ctx)
	if err != nil {
		return err
	}

	cfg := wasocket.Config{
		Version: ver,
		Browser: browserIdent,
	}
	sock, err := s.coord.factory.Dial(ctx, cfg, sess)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sock = sock
	s.sess = sess
	s.mu.Unlock()

	go s.eventLoop(sock, sess)
	return nil
}

// Restart tears the socket down and reconnects from scratch. The session
// blob is preserved.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.Connect(ctx)
}

// Close terminates the socket without status side effects. Used by shutdown
// and delete.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock != nil {
		s.sock.End()
		s.sock = nil
	}
}

// eventLoop drains one socket's event stream. It exits when the socket
// terminates; a panic in a handler is contained to this instance.
func (s *Supervisor) eventLoop(sock wasocket.Socket, sess *wastore.Session) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("supervisor: event loop panic",
				zap.String("instance", s.name), zap.Any("panic", r))
		}
	}()

	for ev := range sock.Events() {
		switch e := ev.(type) {
		case wasocket.QREvent:
			s.handleQR(e)
		case wasocket.ConnectionEvent:
			switch e.State {
			case wasocket.ConnOpen:
				s.handleOpen(sock)
			case wasocket.ConnClose:
				s.handleClose(e)
			}
		case wasocket.CredsEvent:
			s.handleCreds(e, sess)
		case wasocket.KeysEvent:
			if err := sess.Keys().Set(e.Patch); err != nil {
				zap.L().Error("supervisor: key patch failed",
					zap.String("instance", s.name), zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) handleQR(e wasocket.QREvent) {
	dataURL, err := renderQR(e.Code)
	if err != nil {
		zap.L().Error("supervisor: qr render failed",
			zap.String("instance", s.name), zap.Error(err))
		return
	}
	s.coord.publishQR(s.id, dataURL)
	expires := time.Now().UTC().Add(domain.QRCodeTTL)
	s.updateRow(map[string]interface{}{
		"connection_status":  domain.StatusQRPending,
		"is_connected":       false,
		"qr_code":            dataURL,
		"qr_code_expires_at": expires,
	})
	zap.L().Info("supervisor: qr pending", zap.String("instance", s.name))
}

func (s *Supervisor) handleOpen(sock wasocket.Socket) {
	s.coord.clearQR(s.id)
	s.coord.resetAttempts(s.id)
	s.reconnecting.Store(false)

	now := time.Now().UTC()
	fields := map[string]interface{}{
		"connection_status":  domain.StatusConnected,
		"is_connected":       true,
		"qr_code":            nil,
		"qr_code_expires_at": nil,
		"last_connected_at":  now,
	}
	if phone := phoneFromJID(sock.User()); phone != "" {
		fields["owner_phone_number"] = phone
	}
	s.updateRow(fields)
	zap.L().Info("supervisor: connected", zap.String("instance", s.name))
}

func (s *Supervisor) handleClose(e wasocket.ConnectionEvent) {
	if e.Reason == wasocket.ReasonLoggedOut {
		// The session is dead upstream; wipe it and stay down.
		s.coord.clearQR(s.id)
		s.updateRow(map[string]interface{}{
			"connection_status":  domain.StatusDisconnected,
			"is_connected":       false,
			"qr_code":            nil,
			"qr_code_expires_at": nil,
			"owner_phone_number": nil,
		})
		if err := s.coord.store.Remove(context.Background(), s.name); err != nil {
			zap.L().Error("supervisor: session wipe failed",
				zap.String("instance", s.name), zap.Error(err))
		}
		zap.L().Info("supervisor: logged out, session wiped",
			zap.String("instance", s.name))
		return
	}

	s.updateRow(map[string]interface{}{
		"connection_status": domain.StatusConnecting,
		"is_connected":      false,
	})
	zap.L().Warn("supervisor: connection closed",
		zap.String("instance", s.name),
		zap.Int("reason", int(e.Reason)),
		zap.Error(e.Err))
	s.coord.requestReconnect(s)
}

func (s *Supervisor) handleCreds(e wasocket.CredsEvent, sess *wastore.Session) {
	sess.SetCreds(e.Creds)
	go func() {
		if err := sess.SaveCreds(context.Background()); err != nil {
			zap.L().Error("supervisor: creds persist failed",
				zap.String("instance", s.name), zap.Error(err))
		}
	}()
}

// updateRow applies a registry field update from an event handler. Event
// handlers are a background path: store errors are logged, never propagated.
func (s *Supervisor) updateRow(fields map[string]interface{}) {
	if err := s.coord.repo.Update(context.Background(), s.id, fields); err != nil {
		zap.L().Error("supervisor: status write failed",
			zap.String("instance", s.name), zap.Error(err))
	}
}

// phoneFromJID extracts the phone number from a socket identity like
// "5511999999999:42@s.whatsapp.net".
func phoneFromJID(user string) string {
	if user == "" {
		return ""
	}
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}
