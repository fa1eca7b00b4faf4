package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"marketplace/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig describes the tokens issued by the identity service.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// AuthRequired is a middleware that enforces authentication for protected routes.
// It verifies the bearer token and stores "userID" and "tenantID" in Fiber locals.
func AuthRequired(cfg AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Authorization header required")
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return unauthorized(c, "Invalid authorization header format")
		}

		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
		if cfg.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(cfg.Issuer))
		}
		if cfg.Audience != "" {
			opts = append(opts, jwt.WithAudience(cfg.Audience))
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(_ *jwt.Token) (interface{}, error) {
			return []byte(cfg.Secret), nil
		}, opts...)
		if err != nil || !token.Valid {
			return unauthorized(c, "Invalid or expired token")
		}

		subStr, err := claims.GetSubject()
		if err != nil || subStr == "" {
			return unauthorized(c, "Invalid token structure - missing subject")
		}
		userID, err := strconv.ParseUint(subStr, 10, 32)
		if err != nil || userID == 0 {
			return unauthorized(c, "Invalid user ID in token")
		}

		tenantID, err := uintClaim(claims, "tenant_id")
		if err != nil {
			return unauthorized(c, "Invalid tenant in token")
		}

		c.Locals("userID", uint(userID))
		c.Locals("tenantID", tenantID)
		c.SetUserContext(WithIdentity(c.UserContext(), uint(userID), tenantID))

		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, message string) error {
	return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(message))
}

// uintClaim reads a positive integer claim encoded either as a JSON number or a string.
func uintClaim(claims jwt.MapClaims, name string) (uint, error) {
	raw, ok := claims[name]
	if !ok {
		return 0, fmt.Errorf("missing %s claim", name)
	}
	var value uint64
	switch v := raw.(type) {
	case float64:
		if v <= 0 || v != float64(uint32(v)) {
			return 0, fmt.Errorf("invalid %s claim", name)
		}
		value = uint64(v)
	case string:
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid %s claim: %w", name, err)
		}
		value = parsed
	default:
		return 0, fmt.Errorf("invalid %s claim type", name)
	}
	if value == 0 {
		return 0, fmt.Errorf("invalid %s claim", name)
	}
	return uint(value), nil
}

// UserID returns the authenticated user id stored by AuthRequired.
func UserID(c *fiber.Ctx) (uint, bool) {
	id, ok := c.Locals("userID").(uint)
	return id, ok && id != 0
}

// TenantID returns the authenticated tenant id stored by AuthRequired.
func TenantID(c *fiber.Ctx) (uint, bool) {
	id, ok := c.Locals("tenantID").(uint)
	return id, ok && id != 0
}
