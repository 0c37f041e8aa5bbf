package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ProPass/common"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessTokenExpiry = 24 * time.Hour
	defaultBcryptCost        = 12
	tokenIssuer              = "propass"

	// ServiceKeyHeader carries the shared key of trusted payment callers.
	ServiceKeyHeader = "X-Service-Key"
)

// Config for service parameters
type Config struct {
	JWTSecret         []byte
	AccessTokenExpiry time.Duration
	// ServiceKeyHash is the bcrypt hash of the key trusted payment callers present.
	ServiceKeyHash []byte
}

// Service authenticates app users and trusted payment callers
type Service struct {
	config Config
}

// MyClaims extends JWT claims with user info
type MyClaims struct {
	UserID int `json:"user_id"`
	jwt.RegisteredClaims
}

// NewService initializes a new service
func NewService(config Config) *Service {
	if config.AccessTokenExpiry <= 0 {
		config.AccessTokenExpiry = defaultAccessTokenExpiry
	}
	return &Service{config: config}
}

// AuthMiddleware checks the Authorization header for a valid token.
func (s *Service) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context())

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			logger.Debug().Msg("Auth failed: missing Authorization header")
			common.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			logger.Debug().Msg("Auth failed: invalid Authorization header format")
			common.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := s.ParseToken(parts[1])
		if errors.Is(err, jwt.ErrTokenExpired) {
			common.WriteError(w, http.StatusUnauthorized, "token expired")
			return
		}
		if err != nil {
			logger.Debug().Err(err).Msg("Auth failed: token rejected")
			common.WriteError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), common.UserIDCtxKey, claims.UserID)
		ctx = zerolog.Ctx(ctx).With().Int("user_id", claims.UserID).Logger().WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// ParseToken validates an HS256 access token and returns its claims.
func (s *Service) ParseToken(raw string) (*MyClaims, error) {
	if len(s.config.JWTSecret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	token, err := jwt.ParseWithClaims(raw, &MyClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.config.JWTSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*MyClaims)
	if !ok || !token.Valid || claims.UserID <= 0 {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// GenerateToken issues a signed access token for userID.
func (s *Service) GenerateToken(userID int) (string, error) {
	if len(s.config.JWTSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := MyClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTokenExpiry)),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.JWTSecret)
}

// ServiceKeyMiddleware admits callers presenting the configured payment service key.
func (s *Service) ServiceKeyMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context())

		if len(s.config.ServiceKeyHash) == 0 {
			common.WriteError(w, http.StatusServiceUnavailable, "payment service key not configured")
			return
		}

		key := strings.TrimSpace(r.Header.Get(ServiceKeyHeader))
		if key == "" || bcrypt.CompareHashAndPassword(s.config.ServiceKeyHash, []byte(key)) != nil {
			logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected payment call with invalid service key")
			common.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	}
}

// HashServiceKey produces the value for PAYMENT_SERVICE_KEY_HASH.
func HashServiceKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("service key is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), defaultBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
