package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader carries the signed JWT on job callbacks.
const SignatureHeader = "Upstash-Signature"

const signatureIssuer = "Upstash"

// ErrInvalidSignature is returned when a callback signature does not verify.
var ErrInvalidSignature = errors.New("queue: invalid signature")

// Claims are the JWT claims of a callback signature. Body is the unpadded
// base64url SHA-256 of the request body.
type Claims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Signer produces callback signatures.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner creates a Signer using key. Signatures expire after ttl.
func NewSigner(key string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{key: []byte(key), ttl: ttl, now: time.Now}
}

// Sign returns a signature for a POST of body to url.
func (s *Signer) Sign(url string, body []byte) (string, error) {
	now := s.now()
	claims := &Claims{
		Body: bodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("queue: sign: %w", err)
	}
	return token, nil
}

// Headers adapts Sign to a header map, for use as a delivery SignFunc.
func (s *Signer) Headers(url string, body []byte) (map[string]string, error) {
	sig, err := s.Sign(url, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{SignatureHeader: sig}, nil
}

// Verifier checks callback signatures against a current and an optional
// next key, so keys can be rotated without dropping in-flight callbacks.
type Verifier struct {
	keys [][]byte
	now  func() time.Time
}

// NewVerifier creates a Verifier. Empty keys are ignored.
func NewVerifier(current, next string) *Verifier {
	v := &Verifier{now: time.Now}
	for _, k := range []string{current, next} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

// Verify checks that signature was issued for a POST of body to url.
// When url is empty the subject is not checked.
func (v *Verifier) Verify(signature, url string, body []byte) error {
	if signature == "" || len(v.keys) == 0 {
		return ErrInvalidSignature
	}
	var lastErr error
	for _, key := range v.keys {
		err := v.verifyWith(key, signature, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func (v *Verifier) verifyWith(key []byte, signature, url string, body []byte) error {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(time.Second),
	)
	if err != nil {
		return err
	}
	if url != "" && claims.Subject != url {
		return fmt.Errorf("subject %q does not match %q", claims.Subject, url)
	}
	if claims.Body != bodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
