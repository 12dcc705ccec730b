package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the fiber local holding the authenticated user id.
const UserIDKey = "user_id"

// UserAuth identifies the caller. With auth.jwt_secret set it requires an
// HS256 bearer token (or ?token= for websocket upgrades) whose subject is
// the user id; without it the X-User-ID header is trusted.
func UserAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := cfg.Auth.JWTSecret
		if secret == "" {
			userID := strings.TrimSpace(c.Get("X-User-ID"))
			if userID == "" {
				return unauthorized(c, "missing X-User-ID header")
			}
			c.Locals(UserIDKey, userID)
			return c.Next()
		}

		token, ok := bearerToken(c.Get("Authorization"))
		if !ok {
			token = c.Query("token")
		}
		if token == "" {
			return unauthorized(c, "missing bearer token")
		}
		userID, err := ParseUserToken(token, secret)
		if err != nil {
			return unauthorized(c, "invalid token")
		}
		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

// AgentAuth guards the callback API used by external agent workers.
func AgentAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := cfg.Auth.AgentToken
		if token == "" {
			return c.Next()
		}

		headerToken := c.Get("X-Agent-Token")
		if headerToken == "" {
			headerToken, _ = bearerToken(c.Get("Authorization"))
		}

		if headerToken != token {
			return unauthorized(c, "unauthorized")
		}

		return c.Next()
	}
}

// UserID returns the id stored by UserAuth.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDKey).(string)
	return id
}

func ParseUserToken(token, secret string) (string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

// IssueUserToken signs a token for userID, used by the token command.
func IssueUserToken(userID, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "forgeflow",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
		Error: msg,
		Code:  "unauthorized",
	})
}
