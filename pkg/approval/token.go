package approval

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// MinSigningKeyLen is the shortest accepted HMAC key.
const MinSigningKeyLen = 32

// Claims bind a token to one approval request.
type Claims struct {
	IncidentID string `json:"iid"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies approval tokens. Tokens are HS256 JWTs whose
// subject is the approval request id and whose expiry is the request
// deadline.
type Tokens struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewTokens returns a token codec. key must be at least MinSigningKeyLen
// bytes.
func NewTokens(key []byte, issuer string) (*Tokens, error) {
	if len(key) < MinSigningKeyLen {
		return nil, sserr.Newf(sserr.CodeValidation, "approval: signing key must be at least %d bytes", MinSigningKeyLen)
	}
	return &Tokens{key: key, issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for requestID on incidentID.
func (t *Tokens) Issue(incidentID, requestID string, expires time.Time) (string, error) {
	claims := Claims{
		IncidentID: incidentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   requestID,
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "approval: failed to sign token")
	}
	return signed, nil
}

// Parse verifies token and returns its claims. Only HS256 is accepted.
func (t *Tokens) Parse(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, classifyError(err)
	}
	if claims.Subject == "" || claims.IncidentID == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "approval: token does not name a request")
	}
	return &claims, nil
}

func classifyError(err error) *sserr.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "approval: token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "approval: token is malformed")
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "approval: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "approval: token issuer is invalid")
	}
	return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "approval: token validation failed")
}
