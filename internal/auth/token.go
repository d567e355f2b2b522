package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"rentchat/internal/apperr"
)

const issuer = "rentchat"

var ErrMissingToken = errors.New("missing token")

type Claims struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity is who a bearer token speaks for.
type Identity struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Inspect reads the claims of a token without verifying its signature. The client uses it to learn
// the local user id and to refuse an already expired token before dialing.
func Inspect(token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, &apperr.AuthError{Reason: "token missing", Err: ErrMissingToken}
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, &apperr.AuthError{Reason: "token malformed", Err: err}
	}
	id := identityFromClaims(claims)
	if id.UserID == "" {
		return Identity{}, &apperr.AuthError{Reason: "token has no user id"}
	}
	if !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt) {
		return Identity{}, &apperr.AuthError{Reason: "token expired", Err: jwt.ErrTokenExpired}
	}
	return id, nil
}

// Validator verifies HS256 tokens signed with a shared secret.
type Validator struct {
	secret []byte
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

func (v *Validator) ValidateToken(tokenString string) (Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Identity{}, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, errors.Wrap(err, "parse token")
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	id := identityFromClaims(claims)
	if id.UserID == "" {
		return Identity{}, errors.New("token has no user id")
	}
	return id, nil
}

// Issue signs a token for userID. The relay uses it to mint development tokens; production tokens
// come from the marketplace's auth service.
func (v *Validator) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	ss, err := token.SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return ss, nil
}

func identityFromClaims(c *Claims) Identity {
	id := Identity{UserID: c.UserID, Username: c.Username}
	if id.UserID == "" {
		id.UserID = c.Subject
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}
