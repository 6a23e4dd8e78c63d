package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"busline/internal/shared/config"
	"busline/internal/shared/utils/response"
	"busline/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"

	// RequestIDHeader carries the request id in and out
	RequestIDHeader = "X-Request-ID"

	// GuestTokenHeader carries a guest holder token on REST calls. The
	// WebSocket handshake sends it as the guest_token query parameter.
	GuestTokenHeader = "X-Guest-Token"
	GuestTokenQuery  = "guest_token"

	guestPrefix = "guest-"
)

// Auth validates access tokens issued by the account service and issues
// guest tokens for anonymous seat holders. Guest holder ids only come from
// tokens signed here, so an anonymous caller cannot pick someone else's id.
type Auth struct {
	secret   []byte
	guestTTL time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewAuth creates the JWT middleware set
func NewAuth(cfg *config.Config, log *logger.Logger) *Auth {
	if log == nil {
		log = logger.GetDefault()
	}
	ttl := cfg.JWT.GuestTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{secret: []byte(cfg.JWT.Secret), guestTTL: ttl, log: log, now: time.Now}
}

// GuestIdentity is a server-issued anonymous holder
type GuestIdentity struct {
	HolderID  string    `json:"holder_id"`
	Token     string    `json:"guest_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueGuest creates a new guest holder id and the token proving it
func (a *Auth) IssueGuest() (GuestIdentity, error) {
	id := guestPrefix + uuid.NewString()
	exp := a.now().Add(a.guestTTL)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": id,
		"type":    "guest",
		"exp":     exp.Unix(),
		"iat":     a.now().Unix(),
	}).SignedString(a.secret)
	if err != nil {
		return GuestIdentity{}, err
	}
	return GuestIdentity{HolderID: id, Token: token, ExpiresAt: exp}, nil
}

// VerifyGuest returns the holder id a guest token was issued for
func (a *Auth) VerifyGuest(token string) (string, error) {
	claims, reason := a.verify(token, "guest")
	if claims == nil {
		return "", errors.New(reason)
	}
	id, _ := claims["user_id"].(string)
	if !strings.HasPrefix(id, guestPrefix) {
		return "", errors.New("guest token has a foreign subject")
	}
	return id, nil
}

// RequireAuth rejects requests without a valid access token
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.RespondJSON(c, "error", http.StatusUnauthorized, "Authorization header is required", nil, nil)
			c.Abort()
			return
		}

		claims, reason := a.parse(authHeader)
		if claims == nil {
			a.log.LogAuthFailure(c.Request.Context(), reason, c.ClientIP())
			response.RespondJSON(c, "error", http.StatusUnauthorized, reason, nil, nil)
			c.Abort()
			return
		}

		setIdentity(c, claims)
		c.Next()
	}
}

// OptionalAuth sets the identity when a valid access token is present.
// Otherwise a valid guest token sets the guest holder, and the request
// carries on anonymously when there is neither.
func (a *Auth) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			if claims, _ := a.parse(authHeader); claims != nil {
				setIdentity(c, claims)
				c.Next()
				return
			}
		}

		token := c.GetHeader(GuestTokenHeader)
		if token == "" {
			token = c.Query(GuestTokenQuery)
		}
		if token != "" {
			if id, err := a.VerifyGuest(token); err == nil {
				c.Set("guest_id", id)
			} else {
				a.log.LogAuthFailure(c.Request.Context(), "guest token: "+err.Error(), c.ClientIP())
			}
		}
		c.Next()
	}
}

// RequireRole middleware checks if user has required role
func RequireRole(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, exists := c.Get("user_role")
		if !exists {
			response.RespondJSON(c, "error", http.StatusUnauthorized, "user role not found in context", nil, nil)
			c.Abort()
			return
		}

		if role, _ := userRole.(string); role != requiredRole {
			response.RespondJSON(c, "error", http.StatusForbidden, "Insufficient permissions", nil, nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware that requires admin role
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(RoleAdmin)
}

// RequestID propagates or creates a request id
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs every request once it is served, tagged with the id set
// by RequestID
func RequestLogger(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		reqLog := l
		if id := c.GetString("request_id"); id != "" {
			reqLog = l.WithRequestID(id)
		}
		reqLog.LogHTTPRequest(c, time.Since(start))
	}
}

// UserID returns the authenticated user id, if any
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get("user_id")
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// GuestID returns the verified guest holder id, if any
func GuestID(c *gin.Context) (string, bool) {
	v, ok := c.Get("guest_id")
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func (a *Auth) parse(authHeader string) (jwt.MapClaims, string) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, "authorization header format must be Bearer {token}"
	}
	return a.verify(parts[1], "access")
}

func (a *Auth) verify(raw, wantType string) (jwt.MapClaims, string) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, "invalid or expired token"
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, "invalid token claims"
	}
	if tokenType, ok := claims["type"]; !ok || tokenType != wantType {
		return nil, "invalid token type"
	}
	if id, _ := claims["user_id"].(string); id == "" {
		return nil, "token has no subject"
	}
	return claims, ""
}

func setIdentity(c *gin.Context, claims jwt.MapClaims) {
	c.Set("user_id", claims["user_id"])
	c.Set("user_email", claims["email"])
	c.Set("user_role", claims["role"])
}
