package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fathima-sithara/groupsync/internal/errs"
	"github.com/fathima-sithara/groupsync/internal/models"
)

// Provider is the authentication collaborator: it resolves a bearer
// token to the current user, or errs.ErrAuthRequired.
type Provider interface {
	CurrentUser(token string) (*models.User, error)
}

type Claims struct {
	Name string `json:"real_name,omitempty"`
	jwt.RegisteredClaims
}

type JWTValidator struct {
	secret []byte
	pub    *rsa.PublicKey
}

func NewHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("empty HS256 secret")
	}
	return &JWTValidator{secret: []byte(secret)}, nil
}

func NewRS256(publicKeyPath string) (*JWTValidator, error) {
	pem, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return &JWTValidator{pub: pub}, nil
}

func (v *JWTValidator) CurrentUser(tokenStr string) (*models.User, error) {
	if tokenStr == "" {
		return nil, errs.ErrAuthRequired
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthRequired, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errs.ErrAuthRequired
	}
	return &models.User{ID: claims.Subject, Name: claims.Name}, nil
}

func (v *JWTValidator) keyFunc(t *jwt.Token) (interface{}, error) {
	if v.pub != nil {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.pub, nil
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	return v.secret, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", errs.ErrAuthRequired
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errs.ErrAuthRequired
	}
	return parts[1], nil
}
