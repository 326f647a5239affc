package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// APIKeyHeader carries the agent key on ingestion requests.
const APIKeyHeader = "X-API-Key"

// Gin context keys set by RequireAuth.
const (
	SubjectKey = "subject"
	RolesKey   = "roles"
	ClaimsKey  = "claims"
)

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Error: message,
		Code:  models.ErrCodeUnauthorized,
	})
}

// RequireAPIKey is a Gin middleware that admits agents presenting the
// configured key in the X-API-Key header
func RequireAPIKey(verifier *APIKeyVerifier, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := middlewareTracer.Start(c.Request.Context(), "auth.require_api_key")
		defer span.End()

		key := c.GetHeader(APIKeyHeader)
		span.SetAttributes(attribute.Bool("auth.key_present", key != ""))

		if !verifier.Verify(key) {
			span.SetAttributes(attribute.Bool("auth.key_valid", false))
			logger.Warn("rejected agent credential", "path", c.Request.URL.Path, "client_ip", c.ClientIP())
			unauthorized(c, "Missing or invalid API key")
			return
		}

		span.SetAttributes(attribute.Bool("auth.key_valid", true))
		c.Set(SubjectKey, "agent")
		c.Next()
	}
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter that browsers must use for websockets.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		const prefix = "Bearer "
		if len(header) < len(prefix) || !strings.HasPrefix(header, prefix) {
			return "", false
		}
		return strings.TrimSpace(header[len(prefix):]), true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// RequireAuth is a Gin middleware that validates JWT tokens
func RequireAuth(jwtManager *JWTManager, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_auth")
		defer span.End()

		token, ok := bearerToken(c)
		if !ok {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			unauthorized(c, "Missing or invalid authorization header")
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			logger.Warn("invalid token", "error", err, "path", c.Request.URL.Path)
			unauthorized(c, "Invalid or expired token")
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("jwt.subject", claims.Subject),
		)

		c.Set(SubjectKey, claims.Subject)
		c.Set(RolesKey, claims.Roles)
		c.Set(ClaimsKey, claims)

		logger.Debug("dashboard client authenticated", "subject", claims.Subject, "path", c.Request.URL.Path)
		c.Next()
	}
}

// RequireRole is a Gin middleware that checks the authenticated client has
// role. Must be used after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := middlewareTracer.Start(c.Request.Context(), "auth.require_role")
		defer span.End()

		span.SetAttributes(attribute.String("required.role", role))

		value, exists := c.Get(ClaimsKey)
		claims, ok := value.(*Claims)
		if !exists || !ok || !claims.HasRole(role) {
			span.SetAttributes(attribute.Bool("auth.role_authorized", false))
			c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
				Error: "Insufficient permissions",
				Code:  models.ErrCodeForbidden,
			})
			return
		}

		span.SetAttributes(attribute.Bool("auth.role_authorized", true))
		c.Next()
	}
}
