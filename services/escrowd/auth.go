package escrowd

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"escrowchain/crypto"
	"escrowchain/native/escrow"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Escrow-Timestamp"
	// HeaderSignature carries the hex-encoded 65-byte recoverable signature.
	HeaderSignature = "X-Escrow-Signature"

	defaultTimestampSkew = 2 * time.Minute
)

var (
	ErrMissingSignature = errors.New("auth: missing signature headers")
	ErrStaleTimestamp   = errors.New("auth: timestamp outside allowed skew")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrReplayedRequest  = errors.New("auth: request already processed")
)

// CanonicalPayload is the byte string signed by callers.
func CanonicalPayload(method, path, timestamp string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(timestamp)
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// SignRequest sets the timestamp and signature headers on req for body.
func SignRequest(req *http.Request, key *crypto.PrivateKey, body []byte, now time.Time) error {
	if key == nil {
		return errors.New("auth: nil signing key")
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := key.Sign(CanonicalPayload(req.Method, req.URL.Path, ts, body))
	if err != nil {
		return fmt.Errorf("auth: sign request: %w", err)
	}
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

// Authenticator recovers the caller identity from a request signature.
type Authenticator struct {
	skew  time.Duration
	nowFn func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewAuthenticator builds an Authenticator accepting timestamps within skew.
func NewAuthenticator(skew time.Duration, nowFn func() time.Time) *Authenticator {
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{skew: skew, nowFn: nowFn, seen: make(map[string]time.Time)}
}

// Authenticate verifies the signature headers against body and returns the
// signer. A signature is accepted once.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (escrow.Identity, error) {
	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	sigHex := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if ts == "" || sigHex == "" {
		return escrow.Identity{}, ErrMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return escrow.Identity{}, fmt.Errorf("%w: malformed timestamp", ErrStaleTimestamp)
	}
	now := a.nowFn()
	signedAt := time.Unix(unix, 0)
	if signedAt.Before(now.Add(-a.skew)) || signedAt.After(now.Add(a.skew)) {
		return escrow.Identity{}, ErrStaleTimestamp
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return escrow.Identity{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	payload := CanonicalPayload(r.Method, r.URL.Path, ts, body)
	addr, err := crypto.RecoverAddress(payload, sig)
	if err != nil {
		return escrow.Identity{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer := escrow.Identity(addr.Array())
	if err := a.remember(replayKey(signer, payload), now); err != nil {
		return escrow.Identity{}, err
	}
	return signer, nil
}

// replayKey identifies a signed request by signer and payload, independent of
// how the signature was encoded.
func replayKey(signer escrow.Identity, payload []byte) string {
	digest := blake3.Sum256(append(signer[:], payload...))
	return hex.EncodeToString(digest[:])
}

func (a *Authenticator) remember(key string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, expiry := range a.seen {
		if now.After(expiry) {
			delete(a.seen, key)
		}
	}
	if _, ok := a.seen[key]; ok {
		return ErrReplayedRequest
	}
	// Requests outside 2*skew fail the timestamp check anyway.
	a.seen[key] = now.Add(2 * a.skew)
	return nil
}
