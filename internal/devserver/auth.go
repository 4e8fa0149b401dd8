package devserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"feedsync/internal/models"
	"feedsync/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "feedsync-devserver"
	localUserID = "userID"
)

// IssueToken signs an HS256 token for user. Its claims are the ones
// session.FromToken reads.
func IssueToken(secret string, user models.User, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("JWT secret not configured")
	}
	now := time.Now()
	claims := session.Claims{
		Name: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// parseToken verifies tokenString and returns its subject.
func parseToken(secret, tokenString string) (string, error) {
	var claims session.Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid or expired token")
	}
	if claims.Subject == "" {
		return "", errors.New("invalid token structure - missing subject")
	}
	return claims.Subject, nil
}

// AuthRequired enforces a bearer token from the Authorization header or, for
// websocket upgrades, the token query parameter.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := c.Query("token")
		if tokenString == "" {
			authHeader := c.Get("Authorization")
			if authHeader == "" {
				return respondError(c, models.NewUnauthorizedError("Authorization header required"))
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return respondError(c, models.NewUnauthorizedError("Invalid authorization header format"))
			}
			tokenString = parts[1]
		}

		userID, err := parseToken(secret, tokenString)
		if err != nil {
			return respondError(c, models.NewUnauthorizedError(err.Error()))
		}
		c.Locals(localUserID, userID)
		return c.Next()
	}
}

func currentUserID(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

// respondError maps an error to its HTTP status and the standard error body.
func respondError(c *fiber.Ctx, err error) error {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		appErr = models.NewInternalError(err)
	}

	status := appErr.HTTPStatus()
	body := models.ErrorResponse{Error: appErr.Message, Code: appErr.Code}
	if status == fiber.StatusInternalServerError && appErr.Err != nil {
		body.Details = appErr.Err.Error()
	}
	return c.Status(status).JSON(body)
}
