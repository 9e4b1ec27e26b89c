package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aerugo/aerugo/internal/auth"
	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/internal/metadata"
	"github.com/aerugo/aerugo/internal/registry"
	"github.com/aerugo/aerugo/internal/storage"
	"github.com/aerugo/aerugo/pkg/config"
	"github.com/aerugo/aerugo/pkg/types"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *common.Database) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.User{},
		&types.APIKey{},
		&types.Repository{},
		&types.Blob{},
		&types.Manifest{},
		&types.Tag{},
		&types.UploadSession{},
	))
	database := &common.Database{DB: db}

	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	registryCfg := &config.RegistryConfig{
		UploadSessionTTL: time.Hour,
		LockTTL:          30 * time.Second,
		CacheTTL:         5 * time.Minute,
		GCGracePeriod:    time.Hour,
	}
	authCfg := &config.AuthConfig{
		JWTSecret:     "test-secret",
		JWTExpiration: time.Hour,
		BCryptCost:    4,
	}

	registryService := registry.NewService(
		metadata.NewStore(database),
		&memCache{entries: map[string][]byte{}},
		&memLocker{held: map[string]bool{}},
		blobs,
		registryCfg,
	)
	authService := auth.NewService(database, nil, authCfg)

	_, err = authService.Register(context.Background(), &types.RegisterRequest{
		Username: "pusher",
		Email:    "pusher@example.com",
		Password: "secret-password",
	})
	require.NoError(t, err)

	router := gin.New()
	Register(router, registryService, authService, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	return router, database
}

func do(router *gin.Engine, method, target string, body string, authed bool, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body == "" {
		req.ContentLength = 0
	}
	if authed {
		req.SetBasicAuth("pusher", "secret-password")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestVersionCheck(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, http.MethodGet, "/v2/", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "registry/2.0", w.Header().Get("Docker-Distribution-API-Version"))
}

func TestHealthz(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, http.MethodGet, "/healthz", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBlobUpload_RequiresAuth(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, http.MethodPost, "/v2/library/alpine/blobs/uploads/", "", false, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestBlobUpload_DisabledAccountDenied(t *testing.T) {
	router, database := setupTestRouter(t)

	// Obtain a bearer token, then disable the account behind it
	w := do(router, http.MethodPost, "/api/v1/auth/login",
		`{"username":"pusher","password":"secret-password"}`, false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var token types.AuthToken
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))

	require.NoError(t, database.Model(&types.User{}).
		Where("username = ?", "pusher").Update("is_active", false).Error)

	// The token still identifies the account, but the push is refused
	w = do(router, http.MethodPost, "/v2/library/alpine/blobs/uploads/", "", false, map[string]string{
		"Authorization": "Bearer " + token.Token,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "DENIED")
}

// pushTestBlob drives the full chunked flow over HTTP and returns the digest
func pushTestBlob(t *testing.T, router *gin.Engine, repo, content string) digest.Digest {
	t.Helper()

	w := do(router, http.MethodPost, fmt.Sprintf("/v2/%s/blobs/uploads/", repo), "", true, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	location := w.Header().Get("Location")
	require.NotEmpty(t, location)
	require.NotEmpty(t, w.Header().Get("Docker-Upload-UUID"))

	w = do(router, http.MethodPatch, location, content, true, map[string]string{
		"Content-Range": fmt.Sprintf("0-%d", len(content)-1),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, fmt.Sprintf("0-%d", len(content)-1), w.Header().Get("Range"))

	dgst := digest.Canonical.FromString(content)
	w = do(router, http.MethodPut, location+"?digest="+dgst.String(), "", true, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, dgst.String(), w.Header().Get("Docker-Content-Digest"))

	return dgst
}

func TestBlobPushAndPull(t *testing.T) {
	router, _ := setupTestRouter(t)

	dgst := pushTestBlob(t, router, "library/alpine", "layer content")

	w := do(router, http.MethodHead, "/v2/library/alpine/blobs/"+dgst.String(), "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dgst.String(), w.Header().Get("Docker-Content-Digest"))

	w = do(router, http.MethodGet, "/v2/library/alpine/blobs/"+dgst.String(), "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "layer content", w.Body.String())
}

func TestBlobUpload_RangeMismatch(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, http.MethodPost, "/v2/library/alpine/blobs/uploads/", "", true, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	location := w.Header().Get("Location")

	w = do(router, http.MethodPatch, location, "ab", true, map[string]string{"Content-Range": "0-1"})
	require.Equal(t, http.StatusAccepted, w.Code)

	// Wrong offset: the response carries the committed range so the client
	// can resume
	w = do(router, http.MethodPatch, location, "cd", true, map[string]string{"Content-Range": "9-10"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "0-1", w.Header().Get("Range"))

	var envelope struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Errors, 1)
	assert.Equal(t, "BLOB_UPLOAD_INVALID", envelope.Errors[0].Code)
}

func TestBlobUpload_Monolithic(t *testing.T) {
	router, _ := setupTestRouter(t)

	dgst := digest.Canonical.FromString("single shot")
	w := do(router, http.MethodPost, "/v2/library/alpine/blobs/uploads/?digest="+dgst.String(), "single shot", true, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, dgst.String(), w.Header().Get("Docker-Content-Digest"))

	w = do(router, http.MethodGet, "/v2/library/alpine/blobs/"+dgst.String(), "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "single shot", w.Body.String())
}

func TestBlobUpload_StatusAndCancel(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, http.MethodPost, "/v2/library/alpine/blobs/uploads/", "", true, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	location := w.Header().Get("Location")

	w = do(router, http.MethodPatch, location, "abcd", true, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(router, http.MethodGet, location, "", true, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "0-3", w.Header().Get("Range"))

	w = do(router, http.MethodDelete, location, "", true, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodGet, location, "", true, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManifestPushAndPull(t *testing.T) {
	router, _ := setupTestRouter(t)

	cfgDgst := pushTestBlob(t, router, "library/alpine", "config bytes")
	layerDgst := pushTestBlob(t, router, "library/alpine", "layer bytes")

	m := ociv1.Manifest{
		MediaType: ociv1.MediaTypeImageManifest,
		Config:    ociv1.Descriptor{MediaType: ociv1.MediaTypeImageConfig, Digest: cfgDgst, Size: 1},
		Layers:    []ociv1.Descriptor{{MediaType: ociv1.MediaTypeImageLayerGzip, Digest: layerDgst, Size: 1}},
	}
	payload, err := json.Marshal(m)
	require.NoError(t, err)

	w := do(router, http.MethodPut, "/v2/library/alpine/manifests/latest", string(payload), true, map[string]string{
		"Content-Type": ociv1.MediaTypeImageManifest,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	wantDigest := digest.Canonical.FromBytes(payload).String()
	assert.Equal(t, wantDigest, w.Header().Get("Docker-Content-Digest"))

	w = do(router, http.MethodGet, "/v2/library/alpine/manifests/latest", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(payload), w.Body.String())
	assert.Equal(t, ociv1.MediaTypeImageManifest, w.Header().Get("Content-Type"))

	w = do(router, http.MethodGet, "/v2/library/alpine/manifests/"+wantDigest, "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/v2/library/alpine/tags/list", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"latest"`)

	w = do(router, http.MethodGet, "/v2/_catalog", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"library/alpine"`)
}

func TestManifestPush_MissingBlobRejected(t *testing.T) {
	router, _ := setupTestRouter(t)

	m := ociv1.Manifest{
		MediaType: ociv1.MediaTypeImageManifest,
		Config: ociv1.Descriptor{
			MediaType: ociv1.MediaTypeImageConfig,
			Digest:    digest.Canonical.FromString("never uploaded"),
			Size:      1,
		},
	}
	payload, err := json.Marshal(m)
	require.NoError(t, err)

	w := do(router, http.MethodPut, "/v2/library/alpine/manifests/latest", string(payload), true, map[string]string{
		"Content-Type": ociv1.MediaTypeImageManifest,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MANIFEST_BLOB_UNKNOWN")
}

func TestManifestUnknown(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, http.MethodGet, "/v2/library/alpine/manifests/latest", "", false, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "MANIFEST_UNKNOWN")
}

func TestCrossRepositoryMount(t *testing.T) {
	router, _ := setupTestRouter(t)

	dgst := pushTestBlob(t, router, "library/alpine", "shared layer")

	target := fmt.Sprintf("/v2/library/debian/blobs/uploads/?mount=%s&from=library/alpine", dgst.String())
	w := do(router, http.MethodPost, target, "", true, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, dgst.String(), w.Header().Get("Docker-Content-Digest"))

	w = do(router, http.MethodHead, "/v2/library/debian/blobs/"+dgst.String(), "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCrossRepositoryMount_MissFallsBackToSession(t *testing.T) {
	router, _ := setupTestRouter(t)

	missing := digest.Canonical.FromString("never uploaded")
	target := fmt.Sprintf("/v2/library/debian/blobs/uploads/?mount=%s&from=library/alpine", missing.String())
	w := do(router, http.MethodPost, target, "", true, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get("Docker-Upload-UUID"))
}

// memCache and memLocker are in-process stand-ins for the Redis-backed
// implementations

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *memCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
	return nil
}

func (c *memCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	data, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (c *memCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (registry.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, common.ErrLockHeld
	}
	l.held[key] = true
	return &memLease{locker: l, key: key}, nil
}

type memLease struct {
	locker *memLocker
	key    string
}

func (f *memLease) Renew(ctx context.Context, ttl time.Duration) error { return nil }

func (f *memLease) Release(ctx context.Context) error {
	f.locker.mu.Lock()
	defer f.locker.mu.Unlock()
	delete(f.locker.held, f.key)
	return nil
}
