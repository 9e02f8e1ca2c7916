package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuthTokens(t *testing.T) {
	auth, err := ParseAuthTokens("tok-viewer:viewer, tok-op:operator,tok-admin:admin")
	require.NoError(t, err)

	id, ok := auth.Authenticate("tok-admin")
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, id.Role)

	id, ok = auth.Authenticate("tok-op")
	require.True(t, ok)
	assert.Equal(t, RoleOperator, id.Role)

	_, ok = auth.Authenticate("unknown")
	assert.False(t, ok)
}

func TestParseAuthTokensEmpty(t *testing.T) {
	auth, err := ParseAuthTokens("")
	require.NoError(t, err)
	_, ok := auth.Authenticate("anything")
	assert.False(t, ok)
}

func TestParseAuthTokensRejectsMalformed(t *testing.T) {
	_, err := ParseAuthTokens("no-colon-here")
	assert.Error(t, err)

	_, err = ParseAuthTokens("tok:superuser")
	assert.Error(t, err)

	_, err = ParseAuthTokens(":viewer")
	assert.Error(t, err)
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAdmin.atLeast(RoleViewer))
	assert.True(t, RoleAdmin.atLeast(RoleAdmin))
	assert.False(t, RoleViewer.atLeast(RoleOperator))
	assert.True(t, RoleOperator.atLeast(RoleOperator))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", bearerToken(r2))

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Basic abc123")
	assert.Equal(t, "", bearerToken(r3))
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := contextWithIdentity(httptest.NewRequest(http.MethodGet, "/", nil).Context(), Identity{Token: "t", Role: RoleViewer})
	id, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, RoleViewer, id.Role)

	_, ok = IdentityFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
