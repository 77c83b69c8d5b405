package repository

import (
	"context"
	"errors"

	"sendflow/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSenderNotFound = errors.New("sender not found")

// SenderInterface resolves sender identities.
type SenderInterface interface {
	GetByID(ctx context.Context, id string) (*model.Sender, error)
	GetByEmail(ctx context.Context, email string) (*model.Sender, error)
	Upsert(ctx context.Context, email, name, avatar string) (*model.Sender, error)
}

type SenderRepository struct {
	db *gorm.DB
}

func NewSenderRepository(db *gorm.DB) *SenderRepository {
	return &SenderRepository{db: db}
}

func (r *SenderRepository) GetByID(ctx context.Context, id string) (*model.Sender, error) {
	var s model.Sender
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSenderNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *SenderRepository) GetByEmail(ctx context.Context, email string) (*model.Sender, error) {
	var s model.Sender
	if err := r.db.WithContext(ctx).First(&s, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSenderNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Upsert creates the sender on first sight and refreshes the profile fields
// afterwards, keyed by email.
func (r *SenderRepository) Upsert(ctx context.Context, email, name, avatar string) (*model.Sender, error) {
	s := model.Sender{
		ID:     uuid.New().String(),
		Email:  email,
		Name:   name,
		Avatar: avatar,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "avatar"}),
	}).Create(&s).Error
	if err != nil {
		return nil, err
	}
	// Re-read so the caller sees the canonical id on conflict.
	return r.GetByEmail(ctx, email)
}
