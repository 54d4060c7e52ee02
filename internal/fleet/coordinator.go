package fleet

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/talkincode/wafleet/config"
	"github.com/talkincode/wafleet/internal/domain"
	"github.com/talkincode/wafleet/internal/registry"
	"github.com/talkincode/wafleet/internal/wasocket"
	"github.com/talkincode/wafleet/internal/wastore"
	"github.com/talkincode/wafleet/pkg/metrics"
)

const (
	// reconnectSlots caps simultaneous in-flight reconnect handshakes.
	reconnectSlots = 5
	// maxReconnectAttempts is the per-instance retry budget.
	maxReconnectAttempts = 5
	// bootBatchSize is how many supervisors start in parallel during recovery.
	bootBatchSize = 5
	// versionTTL is how long a fetched protocol version stays cached.
	versionTTL = time.Hour

	reconnectJitterMin = 1 * time.Second
	reconnectJitterMax = 5 * time.Second
)

// Coordinator owns the fleet: the supervisor map, the QR mirror, retry
// counters, the reconnection semaphore and the protocol version cache. All
// process-wide state lives here, not at package scope.
type Coordinator struct {
	cfg     config.FleetConfig
	repo    registry.InstanceRepository
	store   *wastore.Store
	factory wasocket.Factory

	mu       sync.Mutex
	sockets  map[uuid.UUID]*Supervisor
	qrCodes  map[uuid.UUID]string
	attempts map[uuid.UUID]int

	sem                 *semaphore.Weighted
	activeReconnections atomic.Int64
	jitterMin           time.Duration
	jitterMax           time.Duration

	verMu      sync.Mutex
	version    wasocket.Version
	versionExp time.Time

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewCoordinator(cfg config.FleetConfig, repo registry.InstanceRepository, store *wastore.Store, factory wasocket.Factory) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		repo:      repo,
		store:     store,
		factory:   factory,
		sockets:   make(map[uuid.UUID]*Supervisor),
		qrCodes:   make(map[uuid.UUID]string),
		attempts:  make(map[uuid.UUID]int),
		sem:       semaphore.NewWeighted(reconnectSlots),
		jitterMin: reconnectJitterMin,
		jitterMax: reconnectJitterMax,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// CreateInstance persists a new instance row and starts its connection in
// the background. The fleet cap is enforced before anything is written.
func (c *Coordinator) CreateInstance(ctx context.Context, userID uuid.UUID, name, webhookURL string) (*domain.WhatsAppInstance, error) {
	if c.closed.Load() {
		return nil, ErrShuttingDown
	}

	c.mu.Lock()
	if len(c.sockets) >= c.cfg.MaxInstances {
		c.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	c.mu.Unlock()

	if _, err := c.repo.GetByName(ctx, name); err == nil {
		return nil, ErrNameTaken
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}
	if _, err := c.repo.GetByUser(ctx, userID); err == nil {
		return nil, ErrUserHasInstance
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &domain.WhatsAppInstance{
		ID:               uuid.New(),
		UserID:           userID,
		InstanceName:     name,
		WebhookURL:       webhookURL,
		ConnectionStatus: domain.StatusConnecting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.repo.Create(ctx, inst); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			// Lost a race with a concurrent create.
			return nil, ErrNameTaken
		}
		return nil, err
	}

	sup := c.adoptSupervisor(inst.ID, inst.InstanceName)
	if sup == nil {
		// Capacity filled between the check and the insert.
		_ = c.repo.Delete(ctx, inst.ID)
		return nil, ErrCapacityExceeded
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := sup.Connect(c.ctx); err != nil {
			zap.L().Error("coordinator: initial connect failed",
				zap.String("instance", name), zap.Error(err))
		}
	}()

	zap.L().Info("coordinator: instance created",
		zap.String("instance", name), zap.String("id", inst.ID.String()))
	return inst, nil
}

// ListInstances returns all registry rows, newest first.
func (c *Coordinator) ListInstances(ctx context.Context) ([]domain.WhatsAppInstance, error) {
	return c.repo.List(ctx)
}

// GetInstance returns one registry row.
func (c *Coordinator) GetInstance(ctx context.Context, id uuid.UUID) (*domain.WhatsAppInstance, error) {
	return c.repo.GetByID(ctx, id)
}

// GetQR returns the pending QR data URL and current status for an instance.
// The in-memory mirror wins over the row copy.
func (c *Coordinator) GetQR(ctx context.Context, id uuid.UUID) (string, string, error) {
	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return "", "", err
	}
	c.mu.Lock()
	qr, ok := c.qrCodes[id]
	c.mu.Unlock()
	if !ok && inst.QRCode != nil {
		qr = *inst.QRCode
	}
	return qr, inst.ConnectionStatus, nil
}

// RestartInstance tears down and reconnects one instance. An instance with
// no registered supervisor (for example a row that boot recovery did not
// pick up) gets a fresh one.
func (c *Coordinator) RestartInstance(ctx context.Context, id uuid.UUID) error {
	if c.closed.Load() {
		return ErrShuttingDown
	}
	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sup, ok := c.sockets[id]
	c.mu.Unlock()
	if !ok {
		sup = c.adoptSupervisor(inst.ID, inst.InstanceName)
		if sup == nil {
			return ErrCapacityExceeded
		}
		return sup.Connect(ctx)
	}
	return sup.Restart(ctx)
}

// DeleteInstance closes the socket, wipes the session blob and removes the
// registry row. The socket stops emitting events before the session row is
// removed so a late creds update cannot recreate it.
func (c *Coordinator) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sup := c.sockets[id]
	delete(c.sockets, id)
	delete(c.qrCodes, id)
	delete(c.attempts, id)
	metrics.FleetSockets.Set(float64(len(c.sockets)))
	c.mu.Unlock()

	if sup != nil {
		sup.Close()
	}
	if err := c.store.Remove(ctx, inst.InstanceName); err != nil {
		return err
	}
	if err := c.repo.Delete(ctx, id); err != nil {
		return err
	}
	zap.L().Info("coordinator: instance deleted", zap.String("instance", inst.InstanceName))
	return nil
}

// Recover cold-starts supervisors for every row that was live before the
// process went down, in parallel batches with a stagger delay between them.
// Opening the whole fleet at once would spike CPU and upstream rate limits.
func (c *Coordinator) Recover(ctx context.Context) error {
	rows, err := c.repo.ListRecoverable(ctx, c.cfg.MaxInstances)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	zap.L().Info("coordinator: boot recovery starting", zap.Int("instances", len(rows)))

	delay := time.Duration(c.cfg.StaggeredBootDelayMs) * time.Millisecond
	for start := 0; start < len(rows); start += bootBatchSize {
		end := start + bootBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		var wg sync.WaitGroup
		for _, row := range rows[start:end] {
			row := row
			wg.Add(1)
			go func() {
				defer wg.Done()
				sup := c.adoptSupervisor(row.ID, row.InstanceName)
				if sup == nil {
					return
				}
				if err := sup.Connect(ctx); err != nil {
					zap.L().Error("coordinator: boot connect failed",
						zap.String("instance", row.InstanceName), zap.Error(err))
				}
			}()
		}
		wg.Wait()

		if end < len(rows) {
			select {
			case <-ctx.Done():
				zap.L().Warn("coordinator: boot recovery aborted",
					zap.Int("started", end), zap.Int("total", len(rows)))
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	zap.L().Info("coordinator: boot recovery finished", zap.Int("instances", len(rows)))
	return nil
}

// requestReconnect re-admits a supervisor after a non-fatal close. The retry
// cap is checked first; admission then goes through the fleet-wide semaphore
// and a random jitter so a global upstream blip does not turn into a local
// thundering herd.
func (c *Coordinator) requestReconnect(sup *Supervisor) {
	if c.closed.Load() {
		return
	}
	if !sup.reconnecting.CompareAndSwap(false, true) {
		// Already scheduled.
		return
	}

	c.mu.Lock()
	attempts := c.attempts[sup.id] + 1
	if attempts > maxReconnectAttempts {
		c.mu.Unlock()
		sup.reconnecting.Store(false)
		sup.updateRow(map[string]interface{}{
			"connection_status": domain.StatusFailed,
			"is_connected":      false,
		})
		zap.L().Error("coordinator: retry budget exhausted",
			zap.String("instance", sup.name), zap.Int("attempts", maxReconnectAttempts))
		return
	}
	c.attempts[sup.id] = attempts
	c.mu.Unlock()
	metrics.ReconnectAttempts.Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			sup.reconnecting.Store(false)
			return
		}
		c.activeReconnections.Add(1)
		metrics.ActiveReconnections.Inc()
		defer func() {
			c.activeReconnections.Add(-1)
			metrics.ActiveReconnections.Dec()
			c.sem.Release(1)
		}()

		jitter := c.jitterMin + time.Duration(rand.Int63n(int64(c.jitterMax-c.jitterMin)))
		select {
		case <-c.ctx.Done():
			sup.reconnecting.Store(false)
			return
		case <-time.After(jitter):
		}

		err := sup.Connect(c.ctx)
		sup.reconnecting.Store(false)
		if err != nil {
			zap.L().Error("coordinator: reconnect failed",
				zap.String("instance", sup.name),
				zap.Int("attempt", attempts), zap.Error(err))
			c.requestReconnect(sup)
		}
	}()
}

// Shutdown stops every socket and flushes all in-flight session persistence.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	sups := make([]*Supervisor, 0, len(c.sockets))
	for _, sup := range c.sockets {
		sups = append(sups, sup)
	}
	c.mu.Unlock()

	for _, sup := range sups {
		sup.Close()
	}
	c.wg.Wait()

	if err := c.store.Flush(ctx); err != nil {
		// Shutdown cleanup is best effort.
		zap.L().Error("coordinator: shutdown flush failed", zap.Error(err))
	}
	zap.L().Info("coordinator: shutdown complete", zap.Int("instances", len(sups)))
	return nil
}

// Version returns the protocol version, fetching through the factory at most
// once per TTL. A fetch failure propagates and aborts the socket build.
func (c *Coordinator) Version(ctx context.Context) (wasocket.Version, error) {
	c.verMu.Lock()
	defer c.verMu.Unlock()
	if time.Now().Before(c.versionExp) {
		return c.version, nil
	}
	ver, err := c.factory.FetchVersion(ctx)
	if err != nil {
		return wasocket.Version{}, errors.Wrap(err, "fleet: fetch protocol version")
	}
	c.version = ver
	c.versionExp = time.Now().Add(versionTTL)
	return ver, nil
}

// ActiveReconnections reports how many reconnect attempts hold a semaphore
// slot right now.
func (c *Coordinator) ActiveReconnections() int64 {
	return c.activeReconnections.Load()
}

// adoptSupervisor registers a supervisor for id unless the fleet is full or
// one already exists. Returns nil when the cap is hit.
func (c *Coordinator) adoptSupervisor(id uuid.UUID, name string) *Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sup, ok := c.sockets[id]; ok {
		return sup
	}
	if len(c.sockets) >= c.cfg.MaxInstances {
		return nil
	}
	sup := newSupervisor(id, name, c)
	c.sockets[id] = sup
	metrics.FleetSockets.Set(float64(len(c.sockets)))
	return sup
}

func (c *Coordinator) publishQR(id uuid.UUID, dataURL string) {
	c.mu.Lock()
	c.qrCodes[id] = dataURL
	c.mu.Unlock()
}

func (c *Coordinator) clearQR(id uuid.UUID) {
	c.mu.Lock()
	delete(c.qrCodes, id)
	c.mu.Unlock()
}

func (c *Coordinator) resetAttempts(id uuid.UUID) {
	c.mu.Lock()
	delete(c.attempts, id)
	c.mu.Unlock()
}
