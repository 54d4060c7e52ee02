package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/talkincode/wafleet/internal/domain"
)

// GormInstanceRepository implements InstanceRepository on the application DB.
type GormInstanceRepository struct {
	db *gorm.DB
}

func NewGormInstanceRepository(db *gorm.DB) *GormInstanceRepository {
	return &GormInstanceRepository{db: db}
}

func (r *GormInstanceRepository) Create(ctx context.Context, inst *domain.WhatsAppInstance) error {
	err := r.db.WithContext(ctx).Create(inst).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return errors.Wrap(err, "registry: create instance")
}

func (r *GormInstanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.WhatsAppInstance, error) {
	var inst domain.WhatsAppInstance
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "registry: get instance")
	}
	return &inst, nil
}

func (r *GormInstanceRepository) GetByName(ctx context.Context, name string) (*domain.WhatsAppInstance, error) {
	var inst domain.WhatsAppInstance
	err := r.db.WithContext(ctx).Where("instance_name = ?", name).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "registry: get instance by name")
	}
	return &inst, nil
}

func (r *GormInstanceRepository) GetByUser(ctx context.Context, userID uuid.UUID) (*domain.WhatsAppInstance, error) {
	var inst domain.WhatsAppInstance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "registry: get instance by user")
	}
	return &inst, nil
}

func (r *GormInstanceRepository) List(ctx context.Context) ([]domain.WhatsAppInstance, error) {
	var insts []domain.WhatsAppInstance
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&insts).Error
	return insts, errors.Wrap(err, "registry: list instances")
}

func (r *GormInstanceRepository) Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&domain.WhatsAppInstance{}).
		Where("id = ?", id).
		Updates(fields).Error
	return errors.Wrap(err, "registry: update instance")
}

func (r *GormInstanceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.WhatsAppInstance{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "registry: delete instance")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormInstanceRepository) ListRecoverable(ctx context.Context, limit int) ([]domain.WhatsAppInstance, error) {
	var insts []domain.WhatsAppInstance
	err := r.db.WithContext(ctx).
		Where("connection_status IN ?", []string{domain.StatusConnected, domain.StatusConnecting, domain.StatusQRPending}).
		Order("last_connected_at ASC NULLS FIRST").
		Limit(limit).
		Find(&insts).Error
	return insts, errors.Wrap(err, "registry: list recoverable instances")
}

// GormSessionRepository implements SessionRepository on the application DB.
type GormSessionRepository struct {
	db *gorm.DB
}

func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) Get(ctx context.Context, name string) (*domain.WhatsAppSession, error) {
	var sess domain.WhatsAppSession
	err := r.db.WithContext(ctx).Where("id = ?", name).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "registry: get session")
	}
	return &sess, nil
}

func (r *GormSessionRepository) Upsert(ctx context.Context, name string, creds string, keys string) error {
	now := time.Now().UTC()
	sess := domain.WhatsAppSession{
		ID:        name,
		Creds:     creds,
		Keys:      keys,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"creds", "keys", "updated_at"}),
	}).Create(&sess).Error
	return errors.Wrap(err, "registry: upsert session")
}

func (r *GormSessionRepository) UpdateKeys(ctx context.Context, name string, keys string) error {
	now := time.Now().UTC()
	sess := domain.WhatsAppSession{
		ID:        name,
		Creds:     "null",
		Keys:      keys,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"keys", "updated_at"}),
	}).Create(&sess).Error
	return errors.Wrap(err, "registry: update session keys")
}

func (r *GormSessionRepository) Delete(ctx context.Context, name string) error {
	err := r.db.WithContext(ctx).Where("id = ?", name).Delete(&domain.WhatsAppSession{}).Error
	return errors.Wrap(err, "registry: delete session")
}

func (r *GormSessionRepository) List(ctx context.Context) ([]domain.WhatsAppSession, error) {
	var sessions []domain.WhatsAppSession
	err := r.db.WithContext(ctx).
		Select("id", "created_at", "updated_at").
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, errors.Wrap(err, "registry: list sessions")
}

func (r *GormSessionRepository) Exists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.WhatsAppSession{}).
		Where("id = ?", name).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "registry: session exists")
	}
	return count > 0, nil
}
