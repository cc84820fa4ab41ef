package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
)

var ErrSubjectMismatch = errors.New("token subject does not match envelope source")

// JWTVerifier validates the signature metadata as an HS256 token whose
// subject must equal the envelope source.
type JWTVerifier struct {
	key    []byte
	issuer string
	clock  clock.Clock
}

func NewJWTVerifier(key []byte, issuer string, clk clock.Clock) *JWTVerifier {
	if clk == nil {
		clk = clock.New()
	}
	return &JWTVerifier{key: key, issuer: issuer, clock: clk}
}

func (v *JWTVerifier) Verify(_ context.Context, env *envelope.Envelope) error {
	raw, _ := env.Meta(envelope.MetaSignature)
	if raw == "" {
		return errors.New("missing signature")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return jwt.ErrTokenSignatureInvalid
	}
	if claims.Subject != env.Source() {
		return fmt.Errorf("%w: %q != %q", ErrSubjectMismatch, claims.Subject, env.Source())
	}
	return nil
}

// Sign issues a token for source. Publishers inside the process use it to
// stamp system events.
func (v *JWTVerifier) Sign(source string) (string, error) {
	now := v.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:  source,
		Issuer:   v.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
