package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/selfheal/pkg/config"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/auth"

// MinSigningKeyLen is the shortest accepted operator signing key.
const MinSigningKeyLen = 32

// maxTokenSize bounds the bearer tokens the validator will parse.
const maxTokenSize = 8192

// Config configures operator authentication.
type Config struct {
	// Disabled turns authentication off; every request then acts as an
	// anonymous admin. Only for local development.
	Disabled bool `env:"DISABLED" yaml:"disabled"`

	SigningKey config.Secret `env:"SIGNING_KEY" yaml:"signing_key"`
	Issuer     string        `env:"ISSUER" envDefault:"selfheal" yaml:"issuer"`
	Audience   string        `env:"AUDIENCE" envDefault:"selfheal-api" yaml:"audience"`

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration `env:"LEEWAY" envDefault:"30s" yaml:"leeway" validate:"gte=0"`
}

// Validate requires a strong key unless authentication is disabled.
func (c *Config) Validate() error {
	if c.Disabled {
		return nil
	}
	if len(c.SigningKey.Value()) < MinSigningKeyLen {
		return fmt.Errorf("auth: signing_key must be at least %d bytes", MinSigningKeyLen)
	}
	return nil
}

// Claims is the operator token payload.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Validator checks operator tokens and issues them for the CLI.
type Validator struct {
	cfg    Config
	key    []byte
	tracer trace.Tracer
	now    func() time.Time
}

// NewValidator validates cfg and returns a Validator.
func NewValidator(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "auth: invalid configuration")
	}
	return &Validator{
		cfg:    cfg,
		key:    []byte(cfg.SigningKey.Value()),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}, nil
}

// Disabled reports whether authentication is off.
func (v *Validator) Disabled() bool {
	return v.cfg.Disabled
}

// Issue signs a token for subject with roles, valid for ttl.
func (v *Validator) Issue(subject string, roles []Role, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", sserr.New(sserr.CodeValidationRequired, "auth: subject is required")
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	now := v.now()
	claims := Claims{
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{v.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "auth: failed to sign token")
	}
	return signed, nil
}

// Validate verifies token and returns the caller's identity. Only HS256
// with the configured issuer and audience is accepted.
func (v *Validator) Validate(ctx context.Context, token string) (id Identity, err error) {
	_, span := v.tracer.Start(ctx, "auth.Validate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("auth.subject", id.Subject))
		}
		span.End()
	}()

	if token == "" {
		return Identity{}, sserr.New(sserr.CodeAuthentication, "auth: token must not be empty")
	}
	if len(token) > maxTokenSize {
		return Identity{}, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token exceeds maximum size")
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, classifyError(err)
	}
	if claims.Subject == "" {
		return Identity{}, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token has no subject")
	}
	roles, err := ParseRoles(claims.Roles)
	if err != nil {
		return Identity{}, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token claims are invalid")
	}
	return Identity{Subject: claims.Subject, Roles: roles}, nil
}

// classifyError maps jwt errors to authentication codes. Expiry gets its
// own code so clients can refresh.
func classifyError(err error) *sserr.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is not yet valid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token audience is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token issuer is invalid")
	}
	return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token validation failed")
}
