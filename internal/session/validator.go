package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "app_session"

const claimsContextKey = "session_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.missing_issuer")
	ErrMissingToken      = errors.New("session.missing_token")
	ErrInvalidToken      = errors.New("session.invalid_token")
	ErrInvalidIssuer     = errors.New("session.invalid_issuer")
	ErrTokenExpired      = errors.New("session.expired")
	ErrMissingUserID     = errors.New("session.missing_user_id")
)

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
}

// Claims identify the application user behind a request.
type Claims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// Validator checks HS256 session tokens issued by the upstream identity service.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	clock      Clock
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.new: %w", ErrMissingIssuer)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		cookieName: cookieName,
		clock:      clock,
	}, nil
}

// ValidateToken parses tokenString and returns its claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(validator.clock.Now))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validate_token: %w", ErrInvalidIssuer)
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, fmt.Errorf("session.validate_token: %w", ErrMissingUserID)
	}
	return claims, nil
}

// ValidateRequest validates the session cookie, falling back to a bearer token.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validate_request: %w", ErrMissingToken)
	}
	if cookie, cookieErr := request.Cookie(validator.cookieName); cookieErr == nil && strings.TrimSpace(cookie.Value) != "" {
		return validator.ValidateToken(cookie.Value)
	}
	authorization := strings.TrimSpace(request.Header.Get("Authorization"))
	if scheme, token, found := strings.Cut(authorization, " "); found && strings.EqualFold(scheme, "Bearer") {
		return validator.ValidateToken(strings.TrimSpace(token))
	}
	return nil, fmt.Errorf("session.validate_request: %w", ErrMissingToken)
}

// GinMiddleware rejects requests without a valid session and stores the claims.
func (validator *Validator) GinMiddleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Set(claimsContextKey, claims)
		contextGin.Next()
	}
}

// ClaimsFrom returns the claims stored by GinMiddleware.
func ClaimsFrom(contextGin *gin.Context) (*Claims, bool) {
	value, exists := contextGin.Get(claimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok && claims != nil
}

// UserID returns the authenticated application user id, or "" when there is none.
func UserID(contextGin *gin.Context) string {
	claims, ok := ClaimsFrom(contextGin)
	if !ok {
		return ""
	}
	return claims.UserID
}
