package escrowd

import (
	"net/http"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestReadEndpointsRequireToken(t *testing.T) {
	auth := ReadAuth{Secret: "reader-secret", Issuer: "escrowd", Audience: "escrow-readers"}
	h := newHarnessWithReadAuth(t, RateLimit{}, auth)

	require.Equal(t, http.StatusUnauthorized, h.get("/escrow/events").Code)
	require.Equal(t, http.StatusUnauthorized, h.get("/escrow/journal/verify").Code)
	require.Equal(t, http.StatusUnauthorized, h.getWithToken("/escrow/events", "not-a-jwt").Code)
	// The escrow view stays public.
	require.Equal(t, http.StatusOK, h.get("/escrow").Code)

	token, err := IssueReadToken(auth, "auditor", time.Hour, h.now)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, h.getWithToken("/escrow/events", token).Code)
	require.Equal(t, http.StatusOK, h.getWithToken("/escrow/journal/verify", token).Code)

	other := auth
	other.Audience = "someone-else"
	wrongAudience, err := IssueReadToken(other, "auditor", time.Hour, h.now)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, h.getWithToken("/escrow/events", wrongAudience).Code)

	expired, err := IssueReadToken(auth, "auditor", time.Minute, h.now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, h.getWithToken("/escrow/events", expired).Code)
}

func TestReadTokenScope(t *testing.T) {
	auth := ReadAuth{Secret: "reader-secret"}
	h := newHarnessWithReadAuth(t, RateLimit{}, auth)

	claims := jwt.MapClaims{
		"sub":   "auditor",
		"scope": "escrow:write",
		"exp":   h.now.Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(auth.Secret))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, h.getWithToken("/escrow/events", token).Code)

	claims["scope"] = []interface{}{"escrow:write", ScopeRead}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(auth.Secret))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, h.getWithToken("/escrow/events", token).Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, h.getWithToken("/escrow/events", forged).Code)
}

func TestIssueReadTokenValidation(t *testing.T) {
	_, err := IssueReadToken(ReadAuth{}, "auditor", time.Hour, time.Now())
	require.Error(t, err)
	_, err = IssueReadToken(ReadAuth{Secret: "s"}, "auditor", 0, time.Now())
	require.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer("abc"))
}
