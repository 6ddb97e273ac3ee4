package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSignatureHeader = "X-Request-Signature"
	DefaultTimestampHeader = "X-Request-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

type VerifierConfig struct {
	Secret  string
	MaxSkew time.Duration
	// Header names default to DefaultSignatureHeader and DefaultTimestampHeader.
	SignatureHeader string
	TimestampHeader string
}

// Verifier admits requests whose body carries
// hex(HMAC-SHA256(secret, timestamp || body)) with a timestamp within MaxSkew
// of the local clock. Without a secret every request is admitted.
type Verifier struct {
	secret    []byte
	maxSkew   time.Duration
	sigHeader string
	tsHeader  string
	now       func() time.Time
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	v := &Verifier{
		secret:    []byte(cfg.Secret),
		maxSkew:   cfg.MaxSkew,
		sigHeader: http.CanonicalHeaderKey(cfg.SignatureHeader),
		tsHeader:  http.CanonicalHeaderKey(cfg.TimestampHeader),
		now:       time.Now,
	}
	if v.sigHeader == "" {
		v.sigHeader = DefaultSignatureHeader
	}
	if v.tsHeader == "" {
		v.tsHeader = DefaultTimestampHeader
	}
	return v
}

func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Headers names the request headers a signing client sends.
func (v *Verifier) Headers() []string {
	return []string{v.sigHeader, v.tsHeader}
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	if !v.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.check(r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) check(r *http.Request) error {
	rawSig := strings.TrimSpace(r.Header.Get(v.sigHeader))
	if rawSig == "" {
		return ErrMissingSignature
	}
	stamp, err := v.freshTimestamp(r.Header.Get(v.tsHeader))
	if err != nil {
		return err
	}
	given, err := hex.DecodeString(rawSig)
	if err != nil {
		return ErrInvalidSignature
	}
	body, err := bufferBody(r)
	if err != nil {
		return err
	}
	if !hmac.Equal(mac(v.secret, stamp, body), given) {
		return ErrInvalidSignature
	}
	return nil
}

// freshTimestamp returns raw if it is a Unix time within maxSkew of now.
func (v *Verifier) freshTimestamp(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", ErrMissingTimestamp
	}
	skew := v.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return "", ErrStaleTimestamp
	}
	return raw, nil
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(mac([]byte(secret), timestamp, body))
}

func mac(secret []byte, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write(body)
	return h.Sum(nil)
}

// bufferBody reads the body and puts an identical reader back for the next
// handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))
	return buf.Bytes(), nil
}
