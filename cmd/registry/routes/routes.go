package routes

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aerugo/aerugo/cmd/registry/middleware"
	"github.com/aerugo/aerugo/internal/auth"
	"github.com/aerugo/aerugo/internal/registry"
)

// Register wires all HTTP routes. Repository names contain slashes
// (org/image), which gin's parameter routing cannot express, so everything
// under /v2/ goes through a catch-all dispatcher that parses the path and
// fills gin params before invoking the handler.
func Register(router *gin.Engine, registryService *registry.Service, authService *auth.Service, healthcheck gin.HandlerFunc) {
	router.GET("/healthz", healthcheck)

	api := router.Group("/api/v1/auth")
	{
		api.POST("/register", handleRegister(authService))
		api.POST("/login", handleLogin(authService))
		api.POST("/api-keys", middleware.AuthMiddleware(authService), handleCreateAPIKey(authService))
		api.DELETE("/api-keys/:id", middleware.AuthMiddleware(authService), handleRevokeAPIKey(authService))
	}

	router.Any("/v2/*path", dispatchV2(registryService, authService))
}

// dispatchV2 routes a /v2/ request to its handler. Authentication policy:
// reads are optionally authenticated, writes require a credential.
func dispatchV2(registryService *registry.Service, authService *auth.Service) gin.HandlerFunc {
	requireAuth := middleware.AuthMiddleware(authService)
	optionalAuth := middleware.OptionalAuthMiddleware(authService)

	return func(c *gin.Context) {
		path := strings.TrimPrefix(c.Param("path"), "/")
		method := c.Request.Method

		// Version check endpoint; docker pings it before any operation
		if path == "" {
			c.Header("Docker-Distribution-API-Version", "registry/2.0")
			c.JSON(http.StatusOK, gin.H{})
			return
		}

		if path == "token" {
			handleToken(authService)(c)
			return
		}

		if path == "_catalog" && method == http.MethodGet {
			if !run(c, optionalAuth) || !authorized(c, authService, "", auth.ActionPull) {
				return
			}
			handleCatalog(registryService)(c)
			return
		}

		if name, ok := strings.CutSuffix(path, "/tags/list"); ok && method == http.MethodGet {
			setParam(c, "name", name)
			if !run(c, optionalAuth) || !authorized(c, authService, name, auth.ActionPull) {
				return
			}
			handleTagsList(registryService)(c)
			return
		}

		if name, reference, ok := splitOnce(path, "/manifests/"); ok {
			setParam(c, "name", name)
			setParam(c, "reference", reference)
			switch method {
			case http.MethodGet:
				if run(c, optionalAuth) && authorized(c, authService, name, auth.ActionPull) {
					handleManifestGet(registryService)(c)
				}
			case http.MethodHead:
				if run(c, optionalAuth) && authorized(c, authService, name, auth.ActionPull) {
					handleManifestHead(registryService)(c)
				}
			case http.MethodPut:
				if run(c, requireAuth) && authorized(c, authService, name, auth.ActionPush) {
					handleManifestPut(registryService)(c)
				}
			case http.MethodDelete:
				if run(c, requireAuth) && authorized(c, authService, name, auth.ActionPush) {
					handleManifestDelete(registryService)(c)
				}
			default:
				methodNotAllowed(c)
			}
			return
		}

		if name, rest, ok := splitOnce(path, "/blobs/uploads/"); ok {
			setParam(c, "name", name)
			if !run(c, requireAuth) || !authorized(c, authService, name, auth.ActionPush) {
				return
			}
			if rest == "" {
				if method == http.MethodPost {
					handleBlobUploadStart(registryService)(c)
				} else {
					methodNotAllowed(c)
				}
				return
			}
			setParam(c, "uuid", rest)
			switch method {
			case http.MethodPatch:
				handleBlobUploadChunk(registryService)(c)
			case http.MethodPut:
				handleBlobUploadComplete(registryService)(c)
			case http.MethodDelete:
				handleBlobUploadCancel(registryService)(c)
			case http.MethodGet:
				handleBlobUploadStatus(registryService)(c)
			default:
				methodNotAllowed(c)
			}
			return
		}

		if name, dgst, ok := splitOnce(path, "/blobs/"); ok {
			setParam(c, "name", name)
			setParam(c, "digest", dgst)
			switch method {
			case http.MethodGet:
				if run(c, optionalAuth) && authorized(c, authService, name, auth.ActionPull) {
					handleBlobGet(registryService)(c)
				}
			case http.MethodHead:
				if run(c, optionalAuth) && authorized(c, authService, name, auth.ActionPull) {
					handleBlobHead(registryService)(c)
				}
			case http.MethodDelete:
				if run(c, requireAuth) && authorized(c, authService, name, auth.ActionPush) {
					handleBlobDelete(registryService)(c)
				}
			default:
				methodNotAllowed(c)
			}
			return
		}

		writeError(c, http.StatusNotFound, codeNameUnknown, "unknown endpoint", nil)
	}
}

// run executes a middleware inline and reports whether the request may
// proceed
func run(c *gin.Context, mw gin.HandlerFunc) bool {
	mw(c)
	return !c.IsAborted()
}

// authorized enforces the repository access policy after the credential (or
// its absence) has been resolved. Anonymous pulls are allowed; everything else
// is decided by the auth service, and a denial gets the registry error
// envelope docker clients expect.
func authorized(c *gin.Context, authService *auth.Service, repository, action string) bool {
	user, _ := middleware.GetUserFromContext(c)
	if user == nil && action == auth.ActionPull {
		return true
	}
	if err := authService.Authorize(c.Request.Context(), user, repository, action); err != nil {
		writeError(c, http.StatusForbidden, codeDenied, "requested access to the resource is denied", gin.H{"repository": repository, "action": action})
		return false
	}
	return true
}

func setParam(c *gin.Context, key, value string) {
	c.Params = append(c.Params, gin.Param{Key: key, Value: value})
}

// splitOnce splits path around the last occurrence of sep; repository names
// may themselves contain path separators but never the literal sep segments
func splitOnce(path, sep string) (string, string, bool) {
	idx := strings.LastIndex(path, sep)
	if idx < 0 {
		return "", "", false
	}
	return path[:idx], path[idx+len(sep):], true
}

func methodNotAllowed(c *gin.Context) {
	writeError(c, http.StatusMethodNotAllowed, codeUnsupported, "method not allowed", nil)
}
