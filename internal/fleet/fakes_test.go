package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/talkincode/wafleet/internal/domain"
	"github.com/talkincode/wafleet/internal/registry"
	"github.com/talkincode/wafleet/internal/wasocket"
)

// memInstanceRepo is an in-memory InstanceRepository.
type memInstanceRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.WhatsAppInstance
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{rows: make(map[uuid.UUID]*domain.WhatsAppInstance)}
}

func (r *memInstanceRepo) Create(_ context.Context, inst *domain.WhatsAppInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.InstanceName == inst.InstanceName || row.UserID == inst.UserID {
			return registry.ErrConflict
		}
	}
	cp := *inst
	r.rows[inst.ID] = &cp
	return nil
}

func (r *memInstanceRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.WhatsAppInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memInstanceRepo) GetByName(_ context.Context, name string) (*domain.WhatsAppInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.InstanceName == name {
			cp := *row
			return &cp, nil
		}
	}
	return nil, registry.ErrNotFound
}

func (r *memInstanceRepo) GetByUser(_ context.Context, userID uuid.UUID) (*domain.WhatsAppInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UserID == userID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, registry.ErrNotFound
}

func (r *memInstanceRepo) List(_ context.Context) ([]domain.WhatsAppInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WhatsAppInstance, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memInstanceRepo) Update(_ context.Context, id uuid.UUID, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return errors.Wrap(registry.ErrNotFound, "update")
	}
	for k, v := range fields {
		switch k {
		case "connection_status":
			row.ConnectionStatus = v.(string)
		case "is_connected":
			row.IsConnected = v.(bool)
		case "qr_code":
			row.QRCode = optString(v)
		case "qr_code_expires_at":
			row.QRCodeExpiresAt = optTime(v)
		case "owner_phone_number":
			row.OwnerPhoneNumber = optString(v)
		case "last_connected_at":
			row.LastConnectedAt = optTime(v)
		case "updated_at":
			row.UpdatedAt = v.(time.Time)
		}
	}
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memInstanceRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return registry.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *memInstanceRepo) ListRecoverable(_ context.Context, limit int) ([]domain.WhatsAppInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WhatsAppInstance, 0)
	for _, row := range r.rows {
		switch row.ConnectionStatus {
		case domain.StatusConnected, domain.StatusConnecting, domain.StatusQRPending:
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastConnectedAt, out[j].LastConnectedAt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func optString(v interface{}) *string {
	if v == nil {
		return nil
	}
	s := v.(string)
	return &s
}

func optTime(v interface{}) *time.Time {
	if v == nil {
		return nil
	}
	ts := v.(time.Time)
	return &ts
}

// fakeSocket is an in-memory Socket the tests inject events into.
type fakeSocket struct {
	user   string
	events chan wasocket.Event
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan wasocket.Event, 64)}
}

func (s *fakeSocket) Events() <-chan wasocket.Event { return s.events }
func (s *fakeSocket) User() string                  { return s.user }

func (s *fakeSocket) SendText(context.Context, string, string) error { return nil }

func (s *fakeSocket) Logout(context.Context) error {
	s.close()
	return nil
}

func (s *fakeSocket) End() { s.close() }

func (s *fakeSocket) close() {
	s.once.Do(func() { close(s.events) })
}

func (s *fakeSocket) push(ev wasocket.Event) {
	s.events <- ev
}

// fakeFactory builds fakeSockets and records dial behavior.
type fakeFactory struct {
	mu           sync.Mutex
	sockets      map[string][]*fakeSocket
	dialTimes    []time.Time
	dialErrFor   map[string]bool
	dialLatency  time.Duration
	dialCur      int
	dialMax      int
	versionCalls int
	versionErr   error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		sockets:    make(map[string][]*fakeSocket),
		dialErrFor: make(map[string]bool),
	}
}

func (f *fakeFactory) Dial(_ context.Context, _ wasocket.Config, auth wasocket.AuthState) (wasocket.Socket, error) {
	name := auth.(interface{ Name() string }).Name()

	f.mu.Lock()
	f.dialTimes = append(f.dialTimes, time.Now())
	f.dialCur++
	if f.dialCur > f.dialMax {
		f.dialMax = f.dialCur
	}
	failing := f.dialErrFor[name]
	latency := f.dialLatency
	f.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	f.mu.Lock()
	f.dialCur--
	if failing {
		f.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	sock := newFakeSocket()
	f.sockets[name] = append(f.sockets[name], sock)
	f.mu.Unlock()
	return sock, nil
}

func (f *fakeFactory) FetchVersion(context.Context) (wasocket.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versionCalls++
	if f.versionErr != nil {
		return wasocket.Version{}, f.versionErr
	}
	return wasocket.Version{2, 3000, 1}, nil
}

func (f *fakeFactory) NewCreds() map[string]interface{} {
	return map[string]interface{}{"registered": false}
}

func (f *fakeFactory) lastSocket(name string) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	socks := f.sockets[name]
	if len(socks) == 0 {
		return nil
	}
	return socks[len(socks)-1]
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dialTimes)
}

func (f *fakeFactory) maxConcurrentDials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialMax
}
