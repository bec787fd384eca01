package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elskow/binder-build/internal/config"
)

func TestService_HashKey(t *testing.T) {
	svc := newTestService(t)

	hash, err := svc.HashKey("another-key")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	hashed := NewService(&config.AuthConfig{APIKeyHash: hash}, newTestLogger(t))
	assert.True(t, hashed.CheckKey("another-key"))
	assert.False(t, hashed.CheckKey(testKey))
}

func TestService_CheckKey(t *testing.T) {
	tests := []struct {
		name   string
		config *config.AuthConfig
		key    string
		want   bool
	}{
		{
			name:   "matching key",
			config: newTestConfig(),
			key:    testKey,
			want:   true,
		},
		{
			name:   "wrong key",
			config: newTestConfig(),
			key:    "nope",
			want:   false,
		},
		{
			name:   "empty key",
			config: newTestConfig(),
			key:    "",
			want:   false,
		},
		{
			name:   "no key configured",
			config: &config.AuthConfig{},
			key:    "",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config, newTestLogger(t))
			assert.Equal(t, tt.want, svc.CheckKey(tt.key))
		})
	}
}

func TestService_ValidateToken(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name        string
		setupToken  func() string
		wantErr     bool
		wantSubject string
	}{
		{
			name: "valid token",
			setupToken: func() string {
				token, _ := svc.GenerateToken("ci")
				return token
			},
			wantSubject: "ci",
		},
		{
			name: "expired token",
			setupToken: func() string {
				expiredConfig := newTestConfig()
				expiredConfig.TokenExpiration = -time.Hour
				token, _ := NewService(expiredConfig, newTestLogger(t)).GenerateToken("ci")
				return token
			},
			wantErr: true,
		},
		{
			name: "signed with another key",
			setupToken: func() string {
				other := newTestConfig()
				other.APIKey = "other-key"
				token, _ := NewService(other, newTestLogger(t)).GenerateToken("ci")
				return token
			},
			wantErr: true,
		},
		{
			name: "unexpected algorithm",
			setupToken: func() string {
				token := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{})
				signed, _ := token.SignedString([]byte(testKey))
				return signed
			},
			wantErr: true,
		},
		{
			name: "invalid token",
			setupToken: func() string {
				return "invalid.token.here"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.ValidateToken(tt.setupToken())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantSubject, claims.Subject)
		})
	}
}

func TestService_GenerateTokenWithoutKey(t *testing.T) {
	svc := NewService(&config.AuthConfig{APIKeyHash: "$2a$10$abc"}, newTestLogger(t))
	_, err := svc.GenerateToken("ci")
	assert.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestService_Authenticate(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.GenerateToken("ci")
	require.NoError(t, err)

	tests := []struct {
		name        string
		header      string
		wantSubject string
		wantErr     error
	}{
		{name: "raw key", header: testKey, wantSubject: KeySubject},
		{name: "bearer key", header: "Bearer " + testKey, wantSubject: KeySubject},
		{name: "lowercase bearer", header: "bearer " + testKey, wantSubject: KeySubject},
		{name: "bearer token", header: "Bearer " + token, wantSubject: "ci"},
		{name: "missing", header: "", wantErr: ErrMissingCredentials},
		{name: "bare bearer", header: "Bearer ", wantErr: ErrMissingCredentials},
		{name: "wrong key", header: "Bearer wrong", wantErr: ErrInvalidCredentials},
		{name: "garbage token", header: "Bearer a.b.c", wantErr: ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, err := svc.Authenticate(tt.header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubject, subject)
		})
	}
}
