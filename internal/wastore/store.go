// Package wastore persists per-instance WhatsApp session state: a
// slow-changing credential document and a fast-rotating signal-key map.
// The upstream protocol rotates keys on nearly every received message, so
// key writes are coalesced per instance into one durable update per
// debounce window instead of hitting the datastore on every rotation.
package wastore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/talkincode/wafleet/internal/registry"
	"github.com/talkincode/wafleet/internal/wacodec"
	"github.com/talkincode/wafleet/internal/wasocket"
	"github.com/talkincode/wafleet/pkg/metrics"
)

// keyWriteDebounce is the coalescing window for key-map persistence.
const keyWriteDebounce = 500 * time.Millisecond

// Store hands out Session handles and tracks their pending debounce timers
// so shutdown can flush everything that is still in flight.
type Store struct {
	repo     registry.SessionRepository
	newCreds func() map[string]interface{}

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore builds a Store. newCreds is the protocol library's credential
// initializer, used when no stored creds exist for an instance.
func NewStore(repo registry.SessionRepository, newCreds func() map[string]interface{}) *Store {
	return &Store{
		repo:     repo,
		newCreds: newCreds,
		sessions: make(map[string]*Session),
	}
}

// Open loads (or initializes) the session state for one instance. Repeated
// opens of the same name share a single Session so there is exactly one
// debounce timer per instance.
func (s *Store) Open(ctx context.Context, name string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[name]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	creds, keys, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[name]; ok {
		return sess, nil
	}
	sess := &Session{
		name:  name,
		repo:  s.repo,
		creds: creds,
		keys:  keys,
	}
	s.sessions[name] = sess
	return sess, nil
}

func (s *Store) load(ctx context.Context, name string) (map[string]interface{}, map[string]interface{}, error) {
	row, err := s.repo.Get(ctx, name)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return nil, nil, err
	}

	var creds, keys map[string]interface{}
	if row != nil {
		if creds, err = wacodec.UnmarshalMap([]byte(row.Creds)); err != nil {
			return nil, nil, err
		}
		if keys, err = wacodec.UnmarshalMap([]byte(row.Keys)); err != nil {
			return nil, nil, err
		}
	}
	if creds == nil {
		creds = s.newCreds()
	}
	if keys == nil {
		keys = make(map[string]interface{})
	}
	return creds, keys, nil
}

// Flush cancels every pending debounce timer and issues the outstanding key
// writes synchronously, in parallel. Used by shutdown.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			return sess.flushPending(ctx)
		})
	}
	return g.Wait()
}

// Remove cancels any pending writes for name and deletes the session row.
// Unknown names are not an error.
func (s *Store) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	if sess, ok := s.sessions[name]; ok {
		sess.cancelPending()
		delete(s.sessions, name)
	}
	s.mu.Unlock()
	return s.repo.Delete(ctx, name)
}

// Session is one instance's in-memory auth state. It implements
// wasocket.AuthState; the keys map is owned by the instance's supervisor
// event loop plus the debounce timer, guarded by mu.
type Session struct {
	name string
	repo registry.SessionRepository

	mu      sync.Mutex
	creds   map[string]interface{}
	keys    map[string]interface{}
	timer   *time.Timer
	pending bool
}

var _ wasocket.AuthState = (*Session)(nil)

// Name returns the owning instance name.
func (s *Session) Name() string { return s.name }

func (s *Session) Creds() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *Session) SetCreds(creds map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
}

func (s *Session) Keys() wasocket.KeyStore { return keyStore{s} }

// SaveCreds upserts creds and the current keys snapshot in a single row
// write. A pending key debounce is left alone; both writes converge on the
// same final snapshot.
func (s *Session) SaveCreds(ctx context.Context) error {
	s.mu.Lock()
	creds, err := wacodec.Marshal(s.creds)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	keys, err := wacodec.Marshal(s.keys)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.repo.Upsert(ctx, s.name, string(creds), string(keys))
}

// keyStore adapts a Session to the boundary's KeyStore contract.
type keyStore struct {
	s *Session
}

func (k keyStore) Get(keyType string, ids []string) (map[string]interface{}, error) {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	out := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		v, ok := k.s.keys[keyType+"-"+id]
		if !ok {
			continue
		}
		if keyType == wasocket.KeyAppStateSyncKey {
			lifted, err := wasocket.LiftAppStateSyncKey(v)
			if err != nil {
				return nil, err
			}
			out[id] = lifted
			continue
		}
		out[id] = v
	}
	return out, nil
}

func (k keyStore) Set(patch map[string]map[string]interface{}) error {
	k.s.mu.Lock()
	for keyType, entries := range patch {
		for id, v := range entries {
			compound := keyType + "-" + id
			if v == nil {
				delete(k.s.keys, compound)
				continue
			}
			k.s.keys[compound] = v
		}
	}
	k.s.scheduleFlushLocked()
	k.s.mu.Unlock()
	return nil
}

// scheduleFlushLocked (re)arms the debounce timer from now. Caller holds mu.
func (s *Session) scheduleFlushLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = true
	s.timer = time.AfterFunc(keyWriteDebounce, func() {
		if err := s.flushPending(context.Background()); err != nil {
			// The next rotation overwrites the same row, so a failed
			// debounced write is not propagated.
			zap.L().Error("wastore: debounced key write failed",
				zap.String("instance", s.name), zap.Error(err))
		}
	})
}

// flushPending writes the latest keys snapshot if one is outstanding.
func (s *Session) flushPending(ctx context.Context) error {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return nil
	}
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	keys, err := wacodec.Marshal(s.keys)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.repo.UpdateKeys(ctx, s.name, string(keys)); err != nil {
		return err
	}
	metrics.KeyFlushes.Inc()
	return nil
}

func (s *Session) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
