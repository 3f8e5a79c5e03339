// Package auth handles password hashing, access tokens and the request principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Claims are the fields carried by an access token.
type Claims struct {
	OrganizationID *int64 `json:"organization_id"`
	Superuser      bool   `json:"superuser"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a user id.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subject %q: %w", c.Subject, models.ErrUnauthorized)
	}
	return id, nil
}

// Issuer signs and verifies HS256 access tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue creates a signed access token for u.
func (i *Issuer) Issue(u *models.User) (string, error) {
	now := i.now()
	claims := Claims{
		OrganizationID: u.OrganizationID,
		Superuser:      u.IsSuperuser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry of token.
func (i *Issuer) Parse(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	return &claims, nil
}

// UserLookup is the slice of the store the authenticator needs.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
}

var (
	compare = CheckPassword

	dummyOnce sync.Once
	dummy     string
)

// dummyHash is compared against on unknown logins so they cost as much as a
// wrong password.
func dummyHash() string {
	dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
		if err == nil {
			dummy = string(hash)
		}
	})
	return dummy
}

// Login checks credentials and returns the user.
func Login(ctx context.Context, users UserLookup, login, password string) (*models.User, error) {
	u, err := users.GetUserByLogin(ctx, login)
	if errors.Is(err, models.ErrNotFound) {
		compare(dummyHash(), password)
		return nil, models.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !compare(u.HashedPassword, password) {
		return nil, models.ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, fmt.Errorf("user: %w", models.ErrInactive)
	}
	return u, nil
}

type principalKey struct{}

// WithPrincipal stores the authenticated user in ctx.
func WithPrincipal(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, principalKey{}, u)
}

// Principal returns the authenticated user, or nil.
func Principal(ctx context.Context) *models.User {
	u, _ := ctx.Value(principalKey{}).(*models.User)
	return u
}
