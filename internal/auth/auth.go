// Package auth verifies the bearer credentials presented by WebSocket
// clients and mints them for development and tests.
package auth

import (
	"context"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/Tyrowin/resonance/internal/chat"
)

// ErrUnauthenticated is returned for every credential that cannot be
// accepted: missing, malformed, expired or badly signed.
var ErrUnauthenticated = errors.New("unauthenticated")

// DefaultColor is the display colour used when a token carries none.
const DefaultColor = "#fd6c9e"

// Verifier resolves a bearer credential to the identity it was issued for.
type Verifier interface {
	Verify(ctx context.Context, credential string) (chat.Identity, error)
}

// Options controls signing and verification.
type Options struct {
	Secret    []byte        // HMAC key
	Algorithm string        // HS256/HS384/HS512, default HS256
	Issuer    string        // optional; enforced when set
	TTL       time.Duration // lifetime of issued tokens, default 1h
}

// DefaultOptions returns HS256 options with a one hour TTL.
func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Algorithm: "HS256", TTL: time.Hour}
}

// identityClaims is the typed view of the token payload.
type identityClaims struct {
	Subject  string `mapstructure:"sub"`
	Username string `mapstructure:"username"`
	Color    string `mapstructure:"color"`
	Avatar   string `mapstructure:"avatar"`
}

// JWTVerifier verifies HMAC-signed JWTs.
type JWTVerifier struct {
	opts   Options
	method jwtlib.SigningMethod
}

// NewJWTVerifier validates the options and returns a verifier.
func NewJWTVerifier(opts Options) (*JWTVerifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	method, err := signingMethod(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	return &JWTVerifier{opts: opts, method: method}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (chat.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return chat.Identity{}, errors.Wrap(ErrUnauthenticated, "missing credential")
	}

	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{v.method.Alg()}),
		jwtlib.WithExpirationRequired(),
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(v.opts.Issuer))
	}

	parsed, err := jwtlib.Parse(credential, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return chat.Identity{}, errors.Wrapf(ErrUnauthenticated, "parse token: %v", err)
	}
	mapClaims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return chat.Identity{}, errors.Wrap(ErrUnauthenticated, "invalid token")
	}

	claims, err := decodeClaims(mapClaims)
	if err != nil {
		return chat.Identity{}, errors.Wrapf(ErrUnauthenticated, "decode claims: %v", err)
	}
	if claims.Subject == "" {
		return chat.Identity{}, errors.Wrap(ErrUnauthenticated, "token has no subject")
	}

	return claims.identity(), nil
}

func decodeClaims(raw jwtlib.MapClaims) (identityClaims, error) {
	var out identityClaims
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(map[string]interface{}(raw)); err != nil {
		return out, err
	}
	return out, nil
}

func (c identityClaims) identity() chat.Identity {
	id := chat.Identity{
		ID:          c.Subject,
		DisplayName: c.Username,
		Color:       c.Color,
		AvatarRef:   c.Avatar,
	}
	if id.DisplayName == "" {
		id.DisplayName = c.Subject
	}
	if id.Color == "" {
		id.Color = DefaultColor
	}
	return id
}

// Issuer mints tokens verifiable by a JWTVerifier built from the same options.
type Issuer struct {
	opts   Options
	method jwtlib.SigningMethod
	now    func() time.Time
}

// NewIssuer validates the options and returns an issuer.
func NewIssuer(opts Options) (*Issuer, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	method, err := signingMethod(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &Issuer{opts: opts, method: method, now: time.Now}, nil
}

// Issue signs a token for identity and returns it with its expiry.
func (i *Issuer) Issue(identity chat.Identity) (string, time.Time, error) {
	if !identity.Valid() {
		return "", time.Time{}, errors.New("auth: identity has no id")
	}
	now := i.now()
	exp := now.Add(i.opts.TTL)

	claims := jwtlib.MapClaims{
		"sub":      identity.ID,
		"username": identity.DisplayName,
		"iat":      now.Unix(),
		"nbf":      now.Unix(),
		"exp":      exp.Unix(),
	}
	if identity.Color != "" {
		claims["color"] = identity.Color
	}
	if identity.AvatarRef != "" {
		claims["avatar"] = identity.AvatarRef
	}
	if i.opts.Issuer != "" {
		claims["iss"] = i.opts.Issuer
	}

	signed, err := jwtlib.NewWithClaims(i.method, claims).SignedString(i.opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, errors.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}

// BearerToken extracts a token from an Authorization header value of the
// form "Bearer <token>". It returns "" when the header has another scheme.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}
