// Package auth authenticates API requests with pre-shared service keys.
//
// The escrow service sits behind the marketplace's API gateway, which
// terminates end-user authentication and forwards the acting user's ID in
// the X-User-ID header. Two keys are configured as SHA-256 hashes: a
// service key for the gateway and an admin key for operator tooling.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quaymarket/quay/internal/validation"
)

const (
	// ContextKeyUserID is the gin context key for the acting user's ID.
	ContextKeyUserID = "authUserID"
	// ContextKeyIsAdmin is the gin context key for the admin flag.
	ContextKeyIsAdmin = "authIsAdmin"
	// ContextKeyAuthenticated marks a request that presented a valid key.
	ContextKeyAuthenticated = "authenticated"
)

// UserIDHeader carries the acting user's identifier, set by the gateway.
const UserIDHeader = "X-User-ID"

// Middleware validates the presented API key against the configured key
// hashes and records the caller's identity in the gin context. It never
// rejects by itself; pair it with RequireAuth or RequireAdmin on routes
// that need protection.
//
// Empty key hashes (development mode) accept every request as the service.
func Middleware(apiKeyHash, adminKeyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)

		switch {
		case adminKeyHash != "" && matchesHash(key, adminKeyHash):
			c.Set(ContextKeyAuthenticated, true)
			c.Set(ContextKeyIsAdmin, true)
		case apiKeyHash != "" && matchesHash(key, apiKeyHash):
			c.Set(ContextKeyAuthenticated, true)
		case apiKeyHash == "" && adminKeyHash == "":
			// Development mode: no keys configured, everyone is trusted,
			// including the admin surface.
			c.Set(ContextKeyAuthenticated, true)
			c.Set(ContextKeyIsAdmin, true)
		}

		if userID := c.GetHeader(UserIDHeader); validation.IsValidUserID(userID) {
			c.Set(ContextKeyUserID, strings.ToLower(userID))
		}

		c.Next()
	}
}

// RequireAuth rejects requests that did not present a valid service or
// admin key, or that carry no acting user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextKeyAuthenticated) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer <key>' header.",
			})
			return
		}
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Acting user required. Include the " + UserIDHeader + " header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that did not present the admin key.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextKeyIsAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin key required.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the acting user's ID, if any.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAdmin reports whether the request presented the admin key.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyIsAdmin)
}

// HashKey returns the hex SHA-256 of a key, the format stored in
// configuration. Exposed for the key-generation CLI and tests.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func extractKey(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.GetHeader("X-API-Key")
}

// matchesHash compares the key's hash to the configured hash in constant
// time. Hashing first keeps the comparison length-independent.
func matchesHash(key, wantHash string) bool {
	if key == "" {
		return false
	}
	got := HashKey(key)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(wantHash))) == 1
}
