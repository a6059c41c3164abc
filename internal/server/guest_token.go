package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Guest tokens only bind a browser to its session id. They carry no
// identity beyond that.

var errGuestTokenMissing = errors.New("guest token required")

func (a *App) issueGuestToken(sessionID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		Issuer:    a.cfg.AppName,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.GuestTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.cfg.GuestTokenSecret))
	if err != nil {
		return "", fmt.Errorf("sign guest token: %w", err)
	}
	return signed, nil
}

func (a *App) parseGuestToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errGuestTokenMissing
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return []byte(a.cfg.GuestTokenSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(a.cfg.AppName))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid guest token: %w", err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", errors.New("guest token subject missing")
	}
	return sub, nil
}

func guestTokenFromRequest(c *gin.Context) string {
	if token := strings.TrimSpace(c.GetHeader(guestTokenHeader)); token != "" {
		return token
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return ""
}

func (a *App) guestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := a.parseGuestToken(guestTokenFromRequest(c))
		if err != nil {
			message := "Invalid guest token"
			if errors.Is(err, errGuestTokenMissing) {
				message = "Guest token required"
			}
			writeError(c, http.StatusUnauthorized, "Unauthorized", message)
			return
		}
		c.Set("sessionID", sessionID)
		c.Next()
	}
}

func sessionIDFromContext(c *gin.Context) (string, bool) {
	value, ok := c.Get("sessionID")
	if !ok {
		return "", false
	}
	sessionID, ok := value.(string)
	return sessionID, ok && sessionID != ""
}
