package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(t *testing.T, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func signedRequest(secret, body string, at time.Time) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body))
	req.Header.Set(DefaultTimestampHeader, ts)
	req.Header.Set(DefaultSignatureHeader, Sign(secret, ts, []byte(body)))
	return req
}

func fixedVerifier(cfg VerifierConfig, now time.Time) *Verifier {
	v := NewVerifier(cfg)
	v.now = func() time.Time { return now }
	return v
}

func TestHMACAllowsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier(VerifierConfig{Secret: "secret", MaxSkew: time.Minute}, now)
	body := `{"userAddress":"0xabc"}`

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(b)
	})

	rec := httptest.NewRecorder()
	v.Middleware(handler).ServeHTTP(rec, signedRequest("secret", body, now))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen, "body must be readable after verification")
}

func TestHMACRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier(VerifierConfig{Secret: "secret", MaxSkew: time.Minute}, now)

	cases := []struct {
		name string
		req  func() *http.Request
		want string
	}{
		{"wrong secret", func() *http.Request { return signedRequest("other", "{}", now) }, ErrInvalidSignature.Error()},
		{"stale", func() *http.Request { return signedRequest("secret", "{}", now.Add(-2*time.Minute)) }, ErrStaleTimestamp.Error()},
		{"future", func() *http.Request { return signedRequest("secret", "{}", now.Add(2*time.Minute)) }, ErrStaleTimestamp.Error()},
		{"missing signature", func() *http.Request {
			r := signedRequest("secret", "{}", now)
			r.Header.Del(DefaultSignatureHeader)
			return r
		}, ErrMissingSignature.Error()},
		{"missing timestamp", func() *http.Request {
			r := signedRequest("secret", "{}", now)
			r.Header.Del(DefaultTimestampHeader)
			return r
		}, ErrMissingTimestamp.Error()},
		{"signature not hex", func() *http.Request {
			r := signedRequest("secret", "{}", now)
			r.Header.Set(DefaultSignatureHeader, "not-hex")
			return r
		}, ErrInvalidSignature.Error()},
		{"body changed", func() *http.Request {
			r := signedRequest("secret", "{}", now)
			r.Body = io.NopCloser(strings.NewReader(`{"x":1}`))
			return r
		}, ErrInvalidSignature.Error()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			rec := httptest.NewRecorder()
			v.Middleware(okHandler(t, &called)).ServeHTTP(rec, tc.req())
			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestHMACDisabledWithoutSecret(t *testing.T) {
	called := false
	rec := httptest.NewRecorder()
	v := NewVerifier(VerifierConfig{})
	v.Middleware(okHandler(t, &called)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit", nil))
	assert.True(t, called)
	assert.False(t, v.Enabled())
}

func TestHMACCustomHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier(VerifierConfig{
		Secret:          "secret",
		MaxSkew:         time.Minute,
		SignatureHeader: "x-operator-signature",
		TimestampHeader: "x-operator-time",
	}, now)
	assert.Equal(t, []string{"X-Operator-Signature", "X-Operator-Time"}, v.Headers())

	body := `{"userAddress":"0xabc"}`
	ts := strconv.FormatInt(now.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body))
	req.Header.Set("X-Operator-Time", ts)
	req.Header.Set("X-Operator-Signature", strings.ToUpper(Sign("secret", ts, []byte(body))))

	called := false
	rec := httptest.NewRecorder()
	v.Middleware(okHandler(t, &called)).ServeHTTP(rec, req)
	assert.True(t, called, rec.Body.String())

	called = false
	rec = httptest.NewRecorder()
	v.Middleware(okHandler(t, &called)).ServeHTTP(rec, signedRequest("secret", body, now))
	assert.False(t, called, "default header names are ignored once others are configured")
	assert.Contains(t, rec.Body.String(), ErrMissingSignature.Error())
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	called := false
	h := rl.Middleware(okHandler(t, &called))
	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"), "other clients have their own bucket")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1003"))
}

func TestRateLimiterDisabled(t *testing.T) {
	called := false
	h := NewRateLimiter(0, 0).Middleware(okHandler(t, &called))
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	called := false
	h := Chain(okHandler(t, &called), RequestID, SecurityHeaders)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", rec.Header().Get(RequestIDHeader))
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	called := false
	h := CORS([]string{"https://app.example"})(okHandler(t, &called))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
