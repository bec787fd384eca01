package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	builderrors "github.com/elskow/binder-build/internal/errors"
)

type contextKey string

const (
	// SubjectContextKey is the key used to store the caller's subject in the context
	SubjectContextKey contextKey = "subject"
)

type AuthMiddleware struct {
	service *Service
	log     *zap.Logger
}

func NewAuthMiddleware(service *Service, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		service: service,
		log:     log,
	}
}

// Handler rejects requests without a valid Authorization header with 403.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := m.service.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			m.log.Warn("authentication failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeForbidden(w)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetSubjectFromContext(ctx context.Context) (string, error) {
	subject, ok := ctx.Value(SubjectContextKey).(string)
	if !ok {
		return "", errors.New("subject not found in context")
	}
	return subject, nil
}

func writeForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(builderrors.New(builderrors.CodeForbidden))
}
