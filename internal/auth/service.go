package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/pkg/config"
	"github.com/aerugo/aerugo/pkg/types"
	"github.com/aerugo/aerugo/pkg/utils"
)

// Registry actions checked by Authorize
const (
	ActionPull = "pull"
	ActionPush = "push"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("user account is disabled")
	ErrForbidden          = errors.New("access denied")
)

// Service handles authentication operations
type Service struct {
	db     *common.Database
	cache  *common.Cache
	config *config.AuthConfig
}

// NewService creates a new authentication service
func NewService(db *common.Database, cache *common.Cache, config *config.AuthConfig) *Service {
	return &Service{
		db:     db,
		cache:  cache,
		config: config,
	}
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req *types.RegisterRequest) (*types.User, error) {
	var existingUser types.User
	if err := s.db.WithContext(ctx).Where("username = ? OR email = ?", req.Username, req.Email).First(&existingUser).Error; err == nil {
		return nil, fmt.Errorf("user with username or email already exists")
	}

	hashedPassword, err := utils.HashPassword(req.Password, s.config.BCryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &types.User{
		Username: req.Username,
		Email:    req.Email,
		Password: hashedPassword,
		IsActive: true,
		IsAdmin:  false,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	user.Password = ""
	return user, nil
}

// VerifyPassword authenticates a username and password pair. Used by both the
// login endpoint and HTTP basic auth from docker clients.
func (s *Service) VerifyPassword(ctx context.Context, username, password string) (*types.User, error) {
	var user types.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	if !utils.CheckPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	user.Password = ""
	return &user, nil
}

// Login authenticates a user and returns a JWT token
func (s *Service) Login(ctx context.Context, req *types.LoginRequest) (*types.AuthToken, error) {
	user, err := s.VerifyPassword(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	token, err := utils.GenerateJWT(user.ID, s.config.JWTSecret, s.config.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &types.AuthToken{
		Token:     token,
		ExpiresAt: time.Now().Add(s.config.JWTExpiration),
		UserID:    user.ID,
	}, nil
}

// ValidateToken validates a JWT token and returns the user. Account status is
// not checked here: a token identifies the account, and Authorize decides
// whether a disabled account may act.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*types.User, error) {
	userID, err := utils.ValidateJWT(tokenString, s.config.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	cacheKey := fmt.Sprintf("user:%s", userID.String())
	var user types.User
	if found, err := s.cache.Get(ctx, cacheKey, &user); err == nil && found {
		return &user, nil
	}

	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Password = ""
	if err := s.cache.Set(ctx, cacheKey, &user, 10*time.Minute); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to cache user")
	}

	return &user, nil
}

// Authorize checks whether a user may perform an action on a repository.
// Admins may do anything; active users may pull and push. Anonymous access
// is decided at the transport layer, not here.
func (s *Service) Authorize(ctx context.Context, user *types.User, repository, action string) error {
	if user == nil {
		return ErrForbidden
	}
	if !user.IsActive {
		return ErrAccountDisabled
	}
	if user.IsAdmin {
		return nil
	}

	switch action {
	case ActionPull, ActionPush:
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", ErrForbidden, action)
	}
}

// CreateAPIKey creates a new API key for a user. The plaintext key is
// returned once and only its hash is stored.
func (s *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, name string) (*types.APIKey, string, error) {
	keyValue, err := utils.GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate API key: %w", err)
	}

	apiKey := &types.APIKey{
		UserID:   userID,
		Name:     name,
		KeyHash:  utils.HashAPIKey(keyValue),
		IsActive: true,
	}

	if err := s.db.WithContext(ctx).Create(apiKey).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create API key: %w", err)
	}

	return apiKey, keyValue, nil
}

// ValidateAPIKey validates an API key and returns the associated user
func (s *Service) ValidateAPIKey(ctx context.Context, keyValue string) (*types.User, *types.APIKey, error) {
	keyHash := utils.HashAPIKey(keyValue)

	var apiKey types.APIKey
	if err := s.db.WithContext(ctx).Preload("User").Where("key_hash = ? AND is_active = ?", keyHash, true).First(&apiKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("failed to validate API key: %w", err)
	}

	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, nil, fmt.Errorf("API key has expired")
	}

	if !apiKey.User.IsActive {
		return nil, nil, ErrAccountDisabled
	}

	now := time.Now()
	apiKey.LastUsedAt = &now
	if err := s.db.WithContext(ctx).Model(&types.APIKey{}).Where("id = ?", apiKey.ID).Update("last_used_at", now).Error; err != nil {
		log.Warn().Err(err).Str("key_id", apiKey.ID.String()).Msg("failed to record API key use")
	}

	apiKey.User.Password = ""
	return &apiKey.User, &apiKey, nil
}

// RevokeAPIKey deactivates an API key
func (s *Service) RevokeAPIKey(ctx context.Context, keyID, userID uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&types.APIKey{}).
		Where("id = ? AND user_id = ?", keyID, userID).
		Update("is_active", false)

	if result.Error != nil {
		return fmt.Errorf("failed to revoke API key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("API key not found")
	}
	return nil
}
