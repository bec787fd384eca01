package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/elskow/binder-build/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSigningUnavailable = errors.New("tokens require auth.api_key to be set")
)

// KeySubject is the subject reported for requests that present the shared
// key itself rather than a token.
const KeySubject = "api-key"

type Service struct {
	config *config.AuthConfig
	log    *zap.Logger
	now    func() time.Time
}

type Claims struct {
	jwt.RegisteredClaims
}

func NewService(config *config.AuthConfig, log *zap.Logger) *Service {
	return &Service{
		config: config,
		log:    log,
		now:    time.Now,
	}
}

func (s *Service) HashKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckKey reports whether key matches the configured shared key. A
// configured hash takes precedence over the plain key.
func (s *Service) CheckKey(key string) bool {
	if key == "" {
		return false
	}
	if s.config.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.config.APIKeyHash), []byte(key)) == nil
	}
	if s.config.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1
}

// GenerateToken issues an HS256 token for subject signed with the shared
// key.
func (s *Service) GenerateToken(subject string) (string, error) {
	if s.config.APIKey == "" {
		return "", ErrSigningUnavailable
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.APIKey))
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if s.config.APIKey == "" {
		return nil, ErrSigningUnavailable
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.APIKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// Authenticate checks an Authorization header value. It accepts the shared
// key, "Bearer <key>" and "Bearer <token>", and returns the caller's
// subject.
func (s *Service) Authenticate(header string) (string, error) {
	credential := strings.TrimSpace(header)
	if len(credential) > 7 && strings.EqualFold(credential[:7], "bearer ") {
		credential = strings.TrimSpace(credential[7:])
	}
	if credential == "" {
		return "", ErrMissingCredentials
	}

	if s.CheckKey(credential) {
		return KeySubject, nil
	}
	if strings.Count(credential, ".") == 2 {
		if claims, err := s.ValidateToken(credential); err == nil {
			return claims.Subject, nil
		}
	}
	return "", ErrInvalidCredentials
}
