package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"escrowengine/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) covered by the signature.
	HeaderTimestamp = "X-Escrow-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Escrow-Nonce"
	// HeaderSignature carries the hex-encoded recoverable secp256k1 signature.
	HeaderSignature = "X-Escrow-Signature"
	// MaxBodyForSignature is the largest body the server will read and verify.
	MaxBodyForSignature int64 = 1 << 20

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
	defaultNonceCapacity = 4096
)

var (
	errMissingTimestamp = errors.New("missing " + HeaderTimestamp + " header")
	errMissingNonce     = errors.New("missing " + HeaderNonce + " header")
	errMissingSignature = errors.New("missing " + HeaderSignature + " header")
	errNonceReused      = errors.New("nonce already used")
	errNonceBacklog     = errors.New("too many signed requests inside the replay window")
	errBodyTooLarge     = fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
)

type callerKey struct{}

// CallerFromContext returns the principal recovered from the request
// signature.
func CallerFromContext(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(callerKey{}).([20]byte)
	return caller, ok
}

func withCaller(ctx context.Context, caller [20]byte) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Authenticator recovers the calling principal from a signed request and
// rejects stale or replayed signatures.
type Authenticator struct {
	skew  time.Duration
	nowFn func() time.Time

	mu     sync.Mutex
	nonces map[[20]byte]*nonceStore
}

// NewAuthenticator builds an Authenticator accepting timestamps within skew of
// the server clock. A non-positive skew selects the default of two minutes.
// Nonces are kept for the longer of the default window and twice the skew,
// which covers every timestamp the skew check still accepts.
func NewAuthenticator(skew time.Duration, nowFn func() time.Time) *Authenticator {
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{skew: skew, nowFn: nowFn, nonces: make(map[[20]byte]*nonceStore)}
}

// Authenticate validates the signature headers over r and body and returns
// the signer.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) ([20]byte, error) {
	var caller [20]byte
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return caller, errMissingTimestamp
	}
	ts, err := parseUnixTimestamp(timestamp)
	if err != nil {
		return caller, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skew {
		return caller, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return caller, errMissingNonce
	}
	sigHex := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(HeaderSignature)), "0x")
	if sigHex == "" {
		return caller, errMissingSignature
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return caller, fmt.Errorf("invalid signature encoding: %w", err)
	}
	payload := SigningPayload(timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	caller, err = crypto.RecoverAddress(payload, sig)
	if err != nil {
		return caller, err
	}
	if err := a.nonceStore(caller).Record(timestamp+":"+nonce, now); err != nil {
		return caller, err
	}
	return caller, nil
}

// Middleware authenticates the request, restores its body for the next
// handler and stores the caller in the request context.
func (a *Authenticator) Middleware(onFailure func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := readBody(r)
			if err != nil {
				onFailure(w, r, err)
				return
			}
			caller, err := a.Authenticate(r, body)
			if err != nil {
				onFailure(w, r, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
		})
	}
}

func (a *Authenticator) nonceTTL() time.Duration {
	if ttl := 2 * a.skew; ttl > defaultNonceWindow {
		return ttl
	}
	return defaultNonceWindow
}

func (a *Authenticator) nonceStore(caller [20]byte) *nonceStore {
	a.mu.Lock()
	defer a.mu.Unlock()
	cache, ok := a.nonces[caller]
	if !ok {
		cache = newNonceStore(a.nonceTTL(), defaultNonceCapacity)
		a.nonces[caller] = cache
	}
	return cache
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyForSignature+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > MaxBodyForSignature {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts the raw query components so signatures are stable.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// SigningPayload assembles the bytes a client signs for a request.
func SigningPayload(timestamp, nonce, method, path string, body []byte) []byte {
	return []byte(strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n"))
}

// SignRequest attaches signature headers to req for body. The body must be
// the exact bytes sent with the request.
func SignRequest(req *http.Request, key *crypto.PrivateKey, body []byte, now time.Time, nonce string) error {
	if key == nil {
		return errors.New("signing key required")
	}
	if strings.TrimSpace(nonce) == "" {
		return errors.New("nonce required")
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	sig, err := crypto.Sign(key, SigningPayload(timestamp, nonce, req.Method, CanonicalRequestPath(req), body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
