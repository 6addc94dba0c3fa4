package escrowd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticateRejectsMalformedHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := NewAuthenticator(time.Minute, func() time.Time { return now })

	cases := []struct {
		name    string
		ts      string
		sig     string
		wantErr error
	}{
		{name: "missing", wantErr: ErrMissingSignature},
		{name: "timestamp not numeric", ts: "yesterday", sig: "00", wantErr: ErrStaleTimestamp},
		{name: "future timestamp", ts: "1700000100", sig: "00", wantErr: ErrStaleTimestamp},
		{name: "signature not hex", ts: "1700000000", sig: "zz", wantErr: ErrInvalidSignature},
		{name: "signature too short", ts: "1700000000", sig: strings.Repeat("ab", 10), wantErr: ErrInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/escrow/cancel", nil)
			if tc.ts != "" {
				req.Header.Set(HeaderTimestamp, tc.ts)
			}
			if tc.sig != "" {
				req.Header.Set(HeaderSignature, tc.sig)
			}
			_, err := auth.Authenticate(req, nil)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestAuthenticateRecoversSigner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := NewAuthenticator(time.Minute, func() time.Time { return now })
	key := mustKey(t)
	body := []byte(`{"decision":"release"}`)

	req := httptest.NewRequest(http.MethodPost, "/escrow/arbitrate", nil)
	require.NoError(t, SignRequest(req, key, body, now.Add(-30*time.Second)))
	caller, err := auth.Authenticate(req, body)
	require.NoError(t, err)
	require.Equal(t, identityOf(key), caller)

	_, err = auth.Authenticate(req, body)
	require.ErrorIs(t, err, ErrReplayedRequest)

	sig := req.Header.Get(HeaderSignature)
	for _, variant := range []string{"0x" + sig, strings.ToUpper(sig), " " + sig + " "} {
		req.Header.Set(HeaderSignature, variant)
		_, err = auth.Authenticate(req, body)
		require.ErrorIs(t, err, ErrReplayedRequest, variant)
	}
}

func TestCanonicalPayload(t *testing.T) {
	got := CanonicalPayload("post", "/escrow/deposit", "17", []byte(`{"amount":"1"}`))
	require.Equal(t, "POST\n/escrow/deposit\n17\n{\"amount\":\"1\"}", string(got))
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Unix(0, 0)
	var rejected []string
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, func(reason string) {
		rejected = append(rejected, reason)
	})
	limiter.clockNow = func() time.Time { return now }

	require.True(t, limiter.Allow("a"))
	require.False(t, limiter.Allow("a"))
	require.True(t, limiter.Allow("b"))
	now = now.Add(time.Second)
	require.True(t, limiter.Allow("a"))
	require.Equal(t, []string{"rate_limit"}, rejected)

	now = now.Add(visitorTTL + time.Second)
	limiter.Allow("c")
	limiter.mu.Lock()
	_, stale := limiter.visitors["a"]
	limiter.mu.Unlock()
	require.False(t, stale)
}
