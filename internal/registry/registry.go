// Package registry is the durable directory of instances and their session
// blobs. It exposes narrow repository interfaces so the fleet core and the
// session state store can be exercised against in-memory fakes.
package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/talkincode/wafleet/internal/domain"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("registry: not found")
	// ErrConflict is returned when an insert violates a unique constraint.
	ErrConflict = errors.New("registry: conflict")
)

// InstanceRepository is the row-level contract over whatsapp_instances.
type InstanceRepository interface {
	// Create inserts a new instance row; unique-name and unique-user
	// violations surface as ErrConflict.
	Create(ctx context.Context, inst *domain.WhatsAppInstance) error

	// GetByID retrieves an instance by its id.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WhatsAppInstance, error)

	// GetByName retrieves an instance by its unique name.
	GetByName(ctx context.Context, name string) (*domain.WhatsAppInstance, error)

	// GetByUser retrieves the instance owned by a user, if any.
	GetByUser(ctx context.Context, userID uuid.UUID) (*domain.WhatsAppInstance, error)

	// List returns all instances, newest first.
	List(ctx context.Context) ([]domain.WhatsAppInstance, error)

	// Update applies a field map to one row.
	Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error

	// Delete removes one row; ErrNotFound when it does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListRecoverable returns rows whose status warrants a boot reconnect,
	// oldest last_connected_at first, capped at limit.
	ListRecoverable(ctx context.Context, limit int) ([]domain.WhatsAppInstance, error)
}

// SessionRepository is the row-level contract over whatsapp_sessions.
type SessionRepository interface {
	// Get returns the session row or ErrNotFound.
	Get(ctx context.Context, name string) (*domain.WhatsAppSession, error)

	// Upsert writes creds and keys in a single row write.
	Upsert(ctx context.Context, name string, creds string, keys string) error

	// UpdateKeys writes only the keys document.
	UpdateKeys(ctx context.Context, name string, keys string) error

	// Delete removes the row; missing rows are not an error.
	Delete(ctx context.Context, name string) error

	// List returns all session rows, newest first.
	List(ctx context.Context) ([]domain.WhatsAppSession, error)

	// Exists reports whether a session row exists for name.
	Exists(ctx context.Context, name string) (bool, error)
}
