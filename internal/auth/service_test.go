package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/pkg/config"
	"github.com/aerugo/aerugo/pkg/types"
)

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&types.User{}, &types.APIKey{})
	require.NoError(t, err)

	return &common.Database{DB: db}
}

func setupTestService(t *testing.T) *Service {
	authConfig := &config.AuthConfig{
		JWTSecret:     "test-secret-key-for-testing-purposes",
		JWTExpiration: time.Hour,
		BCryptCost:    4, // Low cost for testing speed
	}
	return NewService(setupTestDB(t), nil, authConfig)
}

func registerTestUser(t *testing.T, service *Service) *types.User {
	t.Helper()
	user, err := service.Register(context.Background(), &types.RegisterRequest{
		Username: "testuser",
		Email:    "test@example.com",
		Password: "testpassword123",
	})
	require.NoError(t, err)
	return user
}

func TestRegister(t *testing.T) {
	service := setupTestService(t)

	user := registerTestUser(t, service)

	assert.Equal(t, "testuser", user.Username)
	assert.Equal(t, "test@example.com", user.Email)
	assert.Empty(t, user.Password)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsAdmin)
	assert.NotEqual(t, uuid.Nil, user.ID)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	service := setupTestService(t)
	registerTestUser(t, service)

	_, err := service.Register(context.Background(), &types.RegisterRequest{
		Username: "testuser",
		Email:    "other@example.com",
		Password: "testpassword123",
	})
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	service := setupTestService(t)
	user := registerTestUser(t, service)

	token, err := service.Login(context.Background(), &types.LoginRequest{
		Username: "testuser",
		Password: "testpassword123",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, token.Token)
	assert.Equal(t, user.ID, token.UserID)
	assert.True(t, token.ExpiresAt.After(time.Now()))
}

func TestLogin_WrongPassword(t *testing.T) {
	service := setupTestService(t)
	registerTestUser(t, service)

	_, err := service.Login(context.Background(), &types.LoginRequest{
		Username: "testuser",
		Password: "wrong",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_UnknownUser(t *testing.T) {
	service := setupTestService(t)

	_, err := service.Login(context.Background(), &types.LoginRequest{
		Username: "ghost",
		Password: "whatever",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyPassword_DisabledAccount(t *testing.T) {
	service := setupTestService(t)
	user := registerTestUser(t, service)

	err := service.db.Model(&types.User{}).Where("id = ?", user.ID).Update("is_active", false).Error
	require.NoError(t, err)

	_, err = service.VerifyPassword(context.Background(), "testuser", "testpassword123")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestValidateToken(t *testing.T) {
	service := setupTestService(t)
	user := registerTestUser(t, service)

	token, err := service.Login(context.Background(), &types.LoginRequest{
		Username: "testuser",
		Password: "testpassword123",
	})
	require.NoError(t, err)

	validated, err := service.ValidateToken(context.Background(), token.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, validated.ID)
	assert.Empty(t, validated.Password)
}

func TestValidateToken_DisabledAccountStillResolves(t *testing.T) {
	service := setupTestService(t)
	user := registerTestUser(t, service)

	token, err := service.Login(context.Background(), &types.LoginRequest{
		Username: "testuser",
		Password: "testpassword123",
	})
	require.NoError(t, err)

	err = service.db.Model(&types.User{}).Where("id = ?", user.ID).Update("is_active", false).Error
	require.NoError(t, err)

	// The token still resolves the identity; the denial belongs to Authorize
	validated, err := service.ValidateToken(context.Background(), token.Token)
	require.NoError(t, err)
	assert.False(t, validated.IsActive)
	assert.ErrorIs(t, service.Authorize(context.Background(), validated, "library/alpine", ActionPush), ErrAccountDisabled)
}

func TestValidateToken_Garbage(t *testing.T) {
	service := setupTestService(t)

	_, err := service.ValidateToken(context.Background(), "not.a.token")
	assert.Error(t, err)
}

func TestAuthorize(t *testing.T) {
	service := setupTestService(t)

	active := &types.User{ID: uuid.New(), IsActive: true}
	admin := &types.User{ID: uuid.New(), IsActive: true, IsAdmin: true}
	disabled := &types.User{ID: uuid.New(), IsActive: false}

	assert.NoError(t, service.Authorize(context.Background(), active, "library/alpine", ActionPull))
	assert.NoError(t, service.Authorize(context.Background(), active, "library/alpine", ActionPush))
	assert.NoError(t, service.Authorize(context.Background(), admin, "library/alpine", "anything"))

	assert.ErrorIs(t, service.Authorize(context.Background(), nil, "library/alpine", ActionPull), ErrForbidden)
	assert.ErrorIs(t, service.Authorize(context.Background(), disabled, "library/alpine", ActionPull), ErrAccountDisabled)
	assert.ErrorIs(t, service.Authorize(context.Background(), active, "library/alpine", "admin"), ErrForbidden)
}

func TestAPIKeyLifecycle(t *testing.T) {
	service := setupTestService(t)
	user := registerTestUser(t, service)
	ctx := context.Background()

	apiKey, plaintext, err := service.CreateAPIKey(ctx, user.ID, "ci key")
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)
	assert.NotEqual(t, plaintext, apiKey.KeyHash)

	validatedUser, validatedKey, err := service.ValidateAPIKey(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, user.ID, validatedUser.ID)
	assert.Equal(t, apiKey.ID, validatedKey.ID)

	require.NoError(t, service.RevokeAPIKey(ctx, apiKey.ID, user.ID))

	_, _, err = service.ValidateAPIKey(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateAPIKey_Unknown(t *testing.T) {
	service := setupTestService(t)

	_, _, err := service.ValidateAPIKey(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRevokeAPIKey_WrongOwner(t *testing.T) {
	service := setupTestService(t)
	user := registerTestUser(t, service)

	apiKey, _, err := service.CreateAPIKey(context.Background(), user.ID, "ci key")
	require.NoError(t, err)

	err = service.RevokeAPIKey(context.Background(), apiKey.ID, uuid.New())
	assert.Error(t, err)
}
