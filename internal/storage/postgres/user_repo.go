package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/tether/internal/access"
)

// UserRepository implements access.UserStore with GORM.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user. Usernames are unique.
func (r *UserRepository) Create(ctx context.Context, u *access.User) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&UserModel{}).Where("username = ?", u.Username).Count(&n).Error; err != nil {
		return fmt.Errorf("checking username %q: %w", u.Username, err)
	}
	if n > 0 {
		return access.ErrUserExists
	}
	model := toUserModel(u)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return access.ErrUserExists
		}
		return fmt.Errorf("creating user %q: %w", u.Username, err)
	}
	return nil
}

// Update overwrites every column of an existing user.
func (r *UserRepository) Update(ctx context.Context, u *access.User) error {
	model := toUserModel(u)
	res := r.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", u.ID).Select("*").Omit("id", "created_at").Updates(&model)
	if res.Error != nil {
		return fmt.Errorf("updating user %s: %w", u.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return access.ErrNotFound
	}
	return nil
}

// GetByID retrieves a user by internal ID.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*access.User, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByUsername retrieves a user by login name.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*access.User, error) {
	return r.first(ctx, "username = ?", username)
}

// GetByAPIKeyHash retrieves the user owning an API key hash.
func (r *UserRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*access.User, error) {
	if hash == "" {
		return nil, access.ErrNotFound
	}
	return r.first(ctx, "api_key_hash = ?", hash)
}

// List returns every user ordered by username.
func (r *UserRepository) List(ctx context.Context) ([]*access.User, error) {
	var models []UserModel
	if err := r.db.WithContext(ctx).Order("username ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]*access.User, len(models))
	for i := range models {
		users[i] = toUserDomain(&models[i])
	}
	return users, nil
}

// Count returns the number of users.
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&UserModel{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

func (r *UserRepository) first(ctx context.Context, query string, arg any) (*access.User, error) {
	var model UserModel
	err := r.db.WithContext(ctx).Where(query, arg).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return toUserDomain(&model), nil
}

var _ access.UserStore = (*UserRepository)(nil)
