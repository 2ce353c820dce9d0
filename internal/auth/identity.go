package auth

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity token minted by the gateway.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// IdentityMiddleware resolves the caller and stores user_id in locals.
// Authentication itself happens at the gateway. With a secret the gateway's
// signed bearer token is verified; without one the X-User-ID header the
// gateway forwards is taken as is. Browsers cannot set headers on a
// websocket upgrade, so the token and user_id query params are accepted too.
func IdentityMiddleware(secret string) fiber.Handler {
	secretBytes := []byte(secret)
	return func(c *fiber.Ctx) error {
		if secret == "" {
			userID := strings.TrimSpace(c.Get("X-User-ID"))
			if userID == "" {
				userID = strings.TrimSpace(c.Query("user_id"))
			}
			if userID == "" {
				return fiber.NewError(fiber.StatusUnauthorized, "missing user identity")
			}
			c.Locals("user_id", userID)
			return c.Next()
		}

		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		parsed, err := parseClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
			return secretBytes, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		claims, ok := parsed.Claims.(*Claims)
		if !ok || !parsed.Valid || claims.UserID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token invalid")
		}

		c.Locals("user_id", claims.UserID)
		return c.Next()
	}
}

var parseClaimsFn = jwt.ParseWithClaims

// SignIdentity mints an identity token the way the gateway does. It is used
// by tooling and tests.
func SignIdentity(secret, userID string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
