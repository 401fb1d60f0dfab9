// Package auth authenticates API callers by Ethereum signature.
//
// A caller signs "tierpass|METHOD|PATH|TIMESTAMP|SHA256(BODY)" as an EIP-191
// personal message and sends the address, unix timestamp and signature in
// the X-Caller, X-Timestamp and X-Signature headers. The recovered signer
// becomes the caller of the book operation.
package auth

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// ContextKeyCaller is the gin context key holding the authenticated
	// caller address (checksummed hex).
	ContextKeyCaller = "authCaller"

	DefaultMaxSkew = 5 * time.Minute
)

var (
	ErrMissingCredentials = errors.New("auth: missing caller credentials")
	ErrStaleTimestamp     = errors.New("auth: timestamp outside allowed window")
	ErrBadSignature       = errors.New("auth: signature does not match caller")
	ErrReplayed           = errors.New("auth: signature already used")
)

// RequestMessage builds the message a caller signs for one request.
func RequestMessage(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("tierpass|%s|%s|%d|%s",
		strings.ToUpper(method),
		path,
		timestamp,
		hex.EncodeToString(sum[:]),
	)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// SignMessage produces a 0x-prefixed 65-byte personal signature with v in {27, 28}.
func SignMessage(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress recovers the signer's address from a message and signature
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1])
func RecoverAddress(message string, signatureHex string) (common.Address, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// SignRequest sets the auth headers on req for body, signed by key at now.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, body []byte, now time.Time) error {
	ts := now.Unix()
	sig, err := SignMessage(key, RequestMessage(req.Method, req.URL.Path, ts, body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderCaller, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return nil
}

// Verifier checks signed requests and rejects replays within the skew window.
type Verifier struct {
	maxSkew       time.Duration
	clock         func() time.Time
	allowUnsigned bool

	mu   sync.Mutex
	seen map[string]time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMaxSkew sets how far a request timestamp may drift from now.
func WithMaxSkew(d time.Duration) Option {
	return func(v *Verifier) { v.maxSkew = d }
}

// WithClock replaces the verifier's time source.
func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) { v.clock = clock }
}

// AllowUnsigned trusts a bare X-Caller header. Demo mode only.
func AllowUnsigned() Option {
	return func(v *Verifier) { v.allowUnsigned = true }
}

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		maxSkew: DefaultMaxSkew,
		clock:   time.Now,
		seen:    make(map[string]time.Time),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify authenticates one request and returns the caller.
func (v *Verifier) Verify(method, path string, body []byte, caller, timestamp, signature string) (common.Address, error) {
	if signature == "" {
		if v.allowUnsigned && common.IsHexAddress(caller) {
			return common.HexToAddress(caller), nil
		}
		return common.Address{}, ErrMissingCredentials
	}
	if !common.IsHexAddress(caller) || timestamp == "" {
		return common.Address{}, ErrMissingCredentials
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	now := v.clock()
	skew := now.Sub(time.Unix(ts, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	signer, err := RecoverAddress(RequestMessage(method, path, ts, body), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != common.HexToAddress(caller) {
		return common.Address{}, ErrBadSignature
	}

	if !v.remember(strings.ToLower(signature), now) {
		return common.Address{}, ErrReplayed
	}
	return signer, nil
}

// remember records sig and reports false if it was already seen.
func (v *Verifier) remember(sig string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for s, at := range v.seen {
		if now.Sub(at) > 2*v.maxSkew {
			delete(v.seen, s)
		}
	}
	if _, dup := v.seen[sig]; dup {
		return false
	}
	v.seen[sig] = now
	return true
}
