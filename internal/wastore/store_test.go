package wastore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wafleet/internal/domain"
	"github.com/talkincode/wafleet/internal/registry"
	"github.com/talkincode/wafleet/internal/wacodec"
	"github.com/talkincode/wafleet/internal/wasocket"
)

// memSessionRepo is an in-memory SessionRepository that counts writes.
type memSessionRepo struct {
	mu             sync.Mutex
	rows           map[string]*domain.WhatsAppSession
	upserts        int
	keyWrites      int
	failNextUpsert error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{rows: make(map[string]*domain.WhatsAppSession)}
}

func (r *memSessionRepo) Get(_ context.Context, name string) (*domain.WhatsAppSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[name]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memSessionRepo) Upsert(_ context.Context, name, creds, keys string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNextUpsert != nil {
		err := r.failNextUpsert
		r.failNextUpsert = nil
		return err
	}
	r.upserts++
	r.rows[name] = &domain.WhatsAppSession{ID: name, Creds: creds, Keys: keys}
	return nil
}

func (r *memSessionRepo) UpdateKeys(_ context.Context, name, keys string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyWrites++
	row, ok := r.rows[name]
	if !ok {
		row = &domain.WhatsAppSession{ID: name, Creds: "null"}
		r.rows[name] = row
	}
	row.Keys = keys
	return nil
}

func (r *memSessionRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, name)
	return nil
}

func (r *memSessionRepo) List(_ context.Context) ([]domain.WhatsAppSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WhatsAppSession, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (r *memSessionRepo) Exists(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[name]
	return ok, nil
}

func (r *memSessionRepo) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts, r.keyWrites
}

func freshCreds() map[string]interface{} {
	return map[string]interface{}{"registered": false}
}

func TestOpenInitializesFreshCreds(t *testing.T) {
	store := NewStore(newMemSessionRepo(), freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"registered": false}, sess.Creds())
}

func TestOpenIsSharedPerInstance(t *testing.T) {
	store := NewStore(newMemSessionRepo(), freshCreds)
	a, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)
	b, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestOpenDecodesStoredState(t *testing.T) {
	repo := newMemSessionRepo()
	creds, err := wacodec.Marshal(map[string]interface{}{
		"registered": true,
		"noiseKey":   []byte{1, 2, 3},
	})
	require.NoError(t, err)
	keys, err := wacodec.Marshal(map[string]interface{}{
		"pre-key-1": []byte{9},
	})
	require.NoError(t, err)
	repo.rows["vendas-01"] = &domain.WhatsAppSession{
		ID: "vendas-01", Creds: string(creds), Keys: string(keys),
	}

	store := NewStore(repo, freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3}, sess.Creds()["noiseKey"])
	got, err := sess.Keys().Get("pre-key", []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got["1"])
}

func TestKeyRoundTrip(t *testing.T) {
	store := NewStore(newMemSessionRepo(), freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)

	value := map[string]interface{}{"material": []byte{7, 7, 7}}
	require.NoError(t, sess.Keys().Set(map[string]map[string]interface{}{
		"session": {"abc": value},
	}))

	got, err := sess.Keys().Get("session", []string{"abc", "missing"})
	require.NoError(t, err)
	assert.Equal(t, value, got["abc"])
	_, present := got["missing"]
	assert.False(t, present)
}

func TestNilValueDeletesKey(t *testing.T) {
	store := NewStore(newMemSessionRepo(), freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)

	require.NoError(t, sess.Keys().Set(map[string]map[string]interface{}{
		"pre-key": {"5": []byte{5}},
	}))
	require.NoError(t, sess.Keys().Set(map[string]map[string]interface{}{
		"pre-key": {"5": nil},
	}))

	got, err := sess.Keys().Get("pre-key", []string{"5"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppStateSyncKeyIsLifted(t *testing.T) {
	store := NewStore(newMemSessionRepo(), freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)

	require.NoError(t, sess.Keys().Set(map[string]map[string]interface{}{
		wasocket.KeyAppStateSyncKey: {"k1": map[string]interface{}{
			"keyData":   []byte{1, 2},
			"timestamp": float64(1700000000),
		}},
	}))

	got, err := sess.Keys().Get(wasocket.KeyAppStateSyncKey, []string{"k1"})
	require.NoError(t, err)
	key, ok := got["k1"].(*wasocket.AppStateSyncKey)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, key.KeyData)
	assert.Equal(t, int64(1700000000), key.Timestamp)
}

func TestDebounceCoalescesKeyWrites(t *testing.T) {
	repo := newMemSessionRepo()
	store := NewStore(repo, freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, sess.Keys().Set(map[string]map[string]interface{}{
			"session": {"abc": []byte{byte(i)}},
		}))
	}
	_, writes := repo.counts()
	assert.Zero(t, writes, "set must complete before persistence")

	assert.Eventually(t, func() bool {
		_, writes := repo.counts()
		return writes == 1
	}, 3*time.Second, 20*time.Millisecond)

	// Store content equals the final snapshot.
	row, err := repo.Get(context.Background(), "vendas-01")
	require.NoError(t, err)
	keys, err := wacodec.UnmarshalMap([]byte(row.Keys))
	require.NoError(t, err)
	assert.Equal(t, []byte{99}, keys["session-abc"])

	// No further writes after the window fires.
	time.Sleep(2 * keyWriteDebounce)
	_, writes = repo.counts()
	assert.Equal(t, 1, writes)
}

func TestSaveCredsWritesBothFields(t *testing.T) {
	repo := newMemSessionRepo()
	store := NewStore(repo, freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)

	sess.SetCreds(map[string]interface{}{"registered": true, "me": []byte{1}})
	require.NoError(t, sess.Keys().Set(map[string]map[string]interface{}{
		"pre-key": {"1": []byte{2}},
	}))
	require.NoError(t, sess.SaveCreds(context.Background()))

	row, err := repo.Get(context.Background(), "vendas-01")
	require.NoError(t, err)
	creds, err := wacodec.UnmarshalMap([]byte(row.Creds))
	require.NoError(t, err)
	keys, err := wacodec.UnmarshalMap([]byte(row.Keys))
	require.NoError(t, err)
	assert.Equal(t, true, creds["registered"])
	assert.Equal(t, []byte{2}, keys["pre-key-1"])
}

func TestSaveCredsPropagatesStoreError(t *testing.T) {
	repo := newMemSessionRepo()
	repo.failNextUpsert = assert.AnError
	store := NewStore(repo, freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)

	assert.Error(t, sess.SaveCreds(context.Background()))
}

func TestFlushIssuesPendingWritesSynchronously(t *testing.T) {
	repo := newMemSessionRepo()
	store := NewStore(repo, freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)

	require.NoError(t, sess.Keys().Set(map[string]map[string]interface{}{
		"session": {"x": []byte{1}},
	}))
	require.NoError(t, store.Flush(context.Background()))

	_, writes := repo.counts()
	assert.Equal(t, 1, writes)

	// The debounce timer was cancelled; nothing fires later.
	time.Sleep(2 * keyWriteDebounce)
	_, writes = repo.counts()
	assert.Equal(t, 1, writes)
}

func TestRemoveCancelsPendingAndDeletesRow(t *testing.T) {
	repo := newMemSessionRepo()
	store := NewStore(repo, freshCreds)
	sess, err := store.Open(context.Background(), "vendas-01")
	require.NoError(t, err)
	require.NoError(t, sess.SaveCreds(context.Background()))
	require.NoError(t, sess.Keys().Set(map[string]map[string]interface{}{
		"session": {"x": []byte{1}},
	}))

	require.NoError(t, store.Remove(context.Background(), "vendas-01"))
	exists, err := repo.Exists(context.Background(), "vendas-01")
	require.NoError(t, err)
	assert.False(t, exists)

	time.Sleep(2 * keyWriteDebounce)
	_, writes := repo.counts()
	assert.Zero(t, writes)
}

func TestRemoveUnknownNameIsSilent(t *testing.T) {
	store := NewStore(newMemSessionRepo(), freshCreds)
	assert.NoError(t, store.Remove(context.Background(), "never-created"))
}
