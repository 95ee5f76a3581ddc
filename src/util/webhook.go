package util

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/plaid/plaid-go/v41/plaid"
)

// VerificationHeader carries the signed JWT on every provider webhook.
const VerificationHeader = "Plaid-Verification"

// DefaultWebhookMaxAge bounds how old a webhook signature may be.
const DefaultWebhookMaxAge = 5 * time.Minute

// KeyFetcher resolves a webhook signing key by key id.
type KeyFetcher interface {
	WebhookKey(ctx context.Context, kid string) (*plaid.JWKPublicKey, error)
}

// WebhookVerifier checks provider webhook signatures. Keys are cached by kid for
// the lifetime of the verifier.
type WebhookVerifier struct {
	keys   KeyFetcher
	clock  clock.Clock
	maxAge time.Duration

	mu    sync.Mutex
	cache map[string]*ecdsa.PublicKey
}

func NewWebhookVerifier(keys KeyFetcher, clk clock.Clock) *WebhookVerifier {
	if clk == nil {
		clk = clock.WallClock
	}
	return &WebhookVerifier{
		keys:   keys,
		clock:  clk,
		maxAge: DefaultWebhookMaxAge,
		cache:  make(map[string]*ecdsa.PublicKey),
	}
}

// Verify checks the ES256 signature in the verification header, the token age,
// and the body hash. A verification key the provider could not serve is returned
// as ErrUpstream so the webhook is retried; every other failure is ErrForbidden.
func (v *WebhookVerifier) Verify(ctx context.Context, body []byte, header http.Header) error {
	err := v.verify(ctx, body, header)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstream) {
		return err
	}
	return errors.WithType(err, ErrForbidden)
}

func (v *WebhookVerifier) verify(ctx context.Context, body []byte, header http.Header) error {
	tokenString := header.Get(VerificationHeader)
	if tokenString == "" {
		return errors.Errorf("missing %s header", VerificationHeader)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithLeeway(30*time.Second),
	)

	unverified, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return errors.Annotate(err, "parse unverified token")
	}
	if unverified.Method.Alg() != jwt.SigningMethodES256.Alg() {
		return errors.Errorf("unexpected alg %q (want ES256)", unverified.Method.Alg())
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return errors.New("missing kid in JWT header")
	}

	pubKey, err := v.key(ctx, kid)
	if err != nil {
		return errors.Trace(err)
	}

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return pubKey, nil
	})
	if err != nil || !token.Valid {
		return errors.Annotate(err, "invalid token")
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return errors.New("missing iat")
	}
	if age := v.clock.Now().Sub(iat.Time); age > v.maxAge {
		return errors.Errorf("token too old (%s)", age.Round(time.Second))
	}

	wantHash, _ := claims["request_body_sha256"].(string)
	if wantHash == "" {
		return errors.New("missing request_body_sha256")
	}
	sum := sha256.Sum256(body)
	gotHex := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(gotHex), []byte(strings.ToLower(wantHash))) != 1 {
		return errors.New("body hash mismatch")
	}
	return nil
}

func (v *WebhookVerifier) key(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	v.mu.Lock()
	cached, ok := v.cache[kid]
	v.mu.Unlock()
	if ok {
		return cached, nil
	}

	jwk, err := v.keys.WebhookKey(ctx, kid)
	if err != nil {
		if keyRejected(err) {
			// Unknown kid, treat it like a bad signature.
			return nil, errors.Errorf("fetch key %s: %v", kid, err)
		}
		return nil, errors.Annotatef(err, "fetch key %s", kid)
	}
	pub, err := JWKToECDSA(jwk)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if jwk.Kid == kid {
		v.mu.Lock()
		v.cache[kid] = pub
		v.mu.Unlock()
	}
	return pub, nil
}

// keyRejected reports whether a key fetch failed because the provider refused
// the kid, as opposed to being unreachable or failing on its side.
func keyRejected(err error) bool {
	if !errors.Is(err, ErrUpstream) {
		return true
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Payload != nil {
		return upstream.Payload.Status >= 400 && upstream.Payload.Status < 500
	}
	return false
}

// JWKToECDSA converts a provider P-256 JWK into a public key.
func JWKToECDSA(jwk *plaid.JWKPublicKey) (*ecdsa.PublicKey, error) {
	if jwk == nil || jwk.X == "" || jwk.Y == "" || jwk.Kty != "EC" || jwk.Crv != "P-256" {
		return nil, errors.NotSupportedf("JWK")
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, errors.Annotate(err, "decode x")
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, errors.Annotate(err, "decode y")
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
