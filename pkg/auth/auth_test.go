package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/selfheal/internal/testutil"
	"github.com/StricklySoft/selfheal/pkg/config"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

const testKey = "operator-signing-key-0123456789abcdef"

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(Config{SigningKey: config.Secret(testKey), Issuer: "selfheal", Audience: "selfheal-api"})
	require.NoError(t, err)
	return v
}

// ===========================================================================
// RBAC Tests
// ===========================================================================

// TestRole_Grants verifies the role to permission table.
func TestRole_Grants(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermReadIncidents, true},
		{RoleViewer, PermCancelIncidents, false},
		{RoleOperator, PermTriggerIncidents, true},
		{RoleOperator, PermResolveApprovals, false},
		{RoleApprover, PermResolveApprovals, true},
		{RoleApprover, PermCancelIncidents, false},
		{RoleAdmin, PermResolveApprovals, true},
		{RoleAdmin, PermManageService, true},
		{RoleOperator, PermManageService, false},
		{Role("root"), PermReadIncidents, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.role.Grants(tt.perm), "%s/%s", tt.role, tt.perm)
	}
}

// TestParseRoles verifies normalization and rejection of unknown names.
func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles([]string{"Operator", " viewer", "operator"})
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleOperator, RoleViewer}, roles)

	_, err = ParseRoles([]string{"root"})
	assert.Error(t, err)
}

// ===========================================================================
// Validator Tests
// ===========================================================================

// TestValidator_RoundTrip verifies an issued token validates to the same
// identity.
func TestValidator_RoundTrip(t *testing.T) {
	v := newValidator(t)
	tok, err := v.Issue("alice", []Role{RoleApprover}, time.Hour)
	require.NoError(t, err)

	id, err := v.Validate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.True(t, id.Can(PermResolveApprovals))
	assert.False(t, id.Can(PermCancelIncidents))
}

// TestValidator_Rejections verifies the error code for each failure.
func TestValidator_Rejections(t *testing.T) {
	v := newValidator(t)
	other, err := NewValidator(Config{SigningKey: config.Secret(testKey), Issuer: "selfheal", Audience: "another-api"})
	require.NoError(t, err)

	expired, err := v.Issue("alice", []Role{RoleViewer}, -time.Hour)
	require.NoError(t, err)
	wrongAudience, err := other.Issue("alice", []Role{RoleViewer}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		code  sserr.Code
	}{
		{"empty", "", sserr.CodeAuthentication},
		{"garbage", "abc.def.ghi", sserr.CodeAuthenticationInvalid},
		{"expired", expired, sserr.CodeAuthenticationExpired},
		{"audience", wrongAudience, sserr.CodeAuthenticationInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.token)
			testutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

// TestConfig_Validate verifies the key requirement.
func TestConfig_Validate(t *testing.T) {
	assert.Error(t, (&Config{SigningKey: "short"}).Validate())
	assert.NoError(t, (&Config{Disabled: true}).Validate())
	assert.NoError(t, (&Config{SigningKey: config.Secret(testKey)}).Validate())
}

// ===========================================================================
// Middleware Tests
// ===========================================================================

func newRouter(v *Validator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(v))
	r.POST("/cancel", Require(PermCancelIncidents), func(c *gin.Context) {
		c.String(http.StatusOK, ActorFromContext(c.Request.Context(), "?"))
	})
	return r
}

func call(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/cancel", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// TestMiddleware verifies 401, 403 and the authenticated pass-through.
func TestMiddleware(t *testing.T) {
	v := newValidator(t)
	r := newRouter(v)

	assert.Equal(t, http.StatusUnauthorized, call(r, "").Code)

	viewer, err := v.Issue("bob", []Role{RoleViewer}, time.Hour)
	require.NoError(t, err)
	w := call(r, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(sserr.CodeAuthorization))

	operator, err := v.Issue("carol", []Role{RoleOperator}, time.Hour)
	require.NoError(t, err)
	w = call(r, operator)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol", w.Body.String())
}

// TestMiddleware_Disabled verifies requests act as the anonymous admin.
func TestMiddleware_Disabled(t *testing.T) {
	v, err := NewValidator(Config{Disabled: true})
	require.NoError(t, err)

	w := call(newRouter(v), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", w.Body.String())
}

// TestOptional verifies only a valid token granting the permission names
// the caller, and every other request passes through anonymously.
func TestOptional(t *testing.T) {
	v := newValidator(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/cancel", Optional(v, PermResolveApprovals), func(c *gin.Context) {
		c.String(http.StatusOK, ActorFromContext(c.Request.Context(), "link"))
	})

	approver, err := v.Issue("alice", []Role{RoleApprover}, time.Hour)
	require.NoError(t, err)
	viewer, err := v.Issue("bob", []Role{RoleViewer}, time.Hour)
	require.NoError(t, err)

	for token, want := range map[string]string{approver: "alice", viewer: "link", "garbage": "link", "": "link"} {
		w := call(r, token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, want, w.Body.String())
	}

	disabled, err := NewValidator(Config{Disabled: true})
	require.NoError(t, err)
	r = gin.New()
	r.POST("/cancel", Optional(disabled, PermResolveApprovals), func(c *gin.Context) {
		c.String(http.StatusOK, ActorFromContext(c.Request.Context(), "link"))
	})
	assert.Equal(t, "link", call(r, approver).Body.String())
}

// TestExtractBearerToken verifies prefix handling.
func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearerToken("bearer abc"))
	assert.Empty(t, ExtractBearerToken("Basic abc"))
	assert.Empty(t, ExtractBearerToken("Bearer "))
}

// ===========================================================================
// Tracing Tests
// ===========================================================================

// TestValidator_CreatesSpan verifies Validate records an auth.Validate
// span on the global provider.
func TestValidator_CreatesSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	v := newValidator(t)
	tok, err := v.Issue("span-user", []Role{RoleViewer}, time.Hour)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), tok)
	require.NoError(t, err)
	_ = tp.ForceFlush(context.Background())

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name == "auth.Validate" {
			found = true
		}
	}
	assert.True(t, found, "auth.Validate span should be recorded")
}
