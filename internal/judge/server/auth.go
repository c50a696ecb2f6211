package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultTokenTTL = 7 * 24 * time.Hour
	tokenTypeJudge  = "judge"
)

// Account is a judge account. PasswordHash is a bcrypt hash.
type Account struct {
	Uname        string `yaml:"uname"`
	PasswordHash string `yaml:"passwordHash"`
}

// AuthConfig configures judge logins.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"tokenTTL"`
	Accounts []Account     `yaml:"accounts"`
}

// Authenticator checks judge passwords and issues the session tokens
// workers connect with.
type Authenticator struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	accounts map[string]string
	now      func() time.Time
}

func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	accounts := make(map[string]string, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		if acc.Uname == "" || acc.PasswordHash == "" {
			return nil, fmt.Errorf("account needs uname and passwordHash")
		}
		accounts[acc.Uname] = acc.PasswordHash
	}
	return &Authenticator{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: ttl, accounts: accounts, now: time.Now}, nil
}

// HashPassword returns the bcrypt hash stored in AuthConfig.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type tokenClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Login checks the password of uname and returns a signed session token.
func (a *Authenticator) Login(ctx context.Context, uname, password string) (string, error) {
	hash, ok := a.accounts[uname]
	if !ok {
		return "", appErr.New(appErr.InvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		logger.Warn(ctx, "judge login rejected", zap.String("uname", uname))
		return "", appErr.New(appErr.InvalidCredentials)
	}
	now := a.now()
	claims := tokenClaims{
		TokenType: tokenTypeJudge,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   uname,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "sign token failed")
	}
	return signed, nil
}

// Authenticate validates raw and returns the account it was issued to.
func (a *Authenticator) Authenticate(raw string) (string, error) {
	if raw == "" {
		return "", appErr.New(appErr.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", appErr.New(appErr.TokenExpired)
		}
		return "", appErr.New(appErr.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.TokenType != tokenTypeJudge || claims.Subject == "" {
		return "", appErr.New(appErr.TokenInvalid)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", appErr.New(appErr.TokenInvalid)
	}
	if _, ok := a.accounts[claims.Subject]; !ok {
		return "", appErr.New(appErr.TokenInvalid)
	}
	return claims.Subject, nil
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
