package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/fundtrace/internal/config"
	"github.com/civicstack/fundtrace/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:   "test-secret",
		TokenExpiry: time.Hour,
	}
}

func testUser() *models.User {
	return &models.User{
		ID:           uuid.New(),
		Email:        "officer@pwd.example.gov",
		Organization: "Public Works Department",
		Role:         models.RoleAgency,
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := testConfig()
	user := testUser()

	token, err := IssueToken(cfg, user)
	require.NoError(t, err)

	claims, err := ParseToken(cfg, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, user.Email, claims.Email)
	assert.Equal(t, user.Organization, claims.Organization)
	assert.Equal(t, models.RoleAgency, claims.Role)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken(testConfig(), testUser())
	require.NoError(t, err)

	_, err = ParseToken(&config.Config{JWTSecret: "other-secret"}, token)
	assert.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	cfg := &config.Config{JWTSecret: "test-secret", TokenExpiry: -time.Hour}
	token, err := IssueToken(cfg, testUser())
	require.NoError(t, err)

	_, err = ParseToken(cfg, token)
	assert.Error(t, err)
}

func authTestRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", Auth(cfg), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"org": GetOrganization(c), "role": GetRole(c)})
	})
	router.GET("/admin", Auth(cfg), RequireRole(models.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig()
	router := authTestRouter(cfg)

	token, err := IssueToken(cfg, testUser())
	require.NoError(t, err)

	// No header.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Malformed header.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Public Works Department")
}

func TestRequireRole(t *testing.T) {
	cfg := testConfig()
	router := authTestRouter(cfg)

	agencyToken, err := IssueToken(cfg, testUser())
	require.NoError(t, err)

	adminUser := testUser()
	adminUser.Role = models.RoleAdmin
	adminToken, err := IssueToken(cfg, adminUser)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+agencyToken)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalAuth(t *testing.T) {
	cfg := testConfig()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/open", OptionalAuth(cfg), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"email": GetEmail(c)})
	})

	// Anonymous request passes with no identity.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"email":""`)

	// Authenticated request carries the identity.
	token, err := IssueToken(cfg, testUser())
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "officer@pwd.example.gov")
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(5) // burst capacity 10

	allowed := 0
	for i := 0; i < 30; i++ {
		if limiter.Allow("10.0.0.1") {
			allowed++
		}
	}
	assert.GreaterOrEqual(t, allowed, 10)
	assert.Less(t, allowed, 30)

	// Another key has its own bucket.
	assert.True(t, limiter.Allow("10.0.0.2"))
}
