// Package middleware содержит HTTP middleware сервиса заказов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const staffIDKey contextKey = "staffID"

const (
	staffCookieName = "staff_token"
	staffCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware выполняет проверку доступа персонала по подписанному cookie.
// Защищает панель заказов и переходы статусов от посетителей.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie персонала и добавляет идентификатор сотрудника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(staffCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		staffID, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), staffIDKey, staffID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie доступа для указанного идентификатора сотрудника.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, staffID int64) {
	value := a.signStaffID(strconv.FormatInt(staffID, 10))

	cookie := &http.Cookie{
		Name:     staffCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(staffCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) signStaffID(idStr string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idStr))
	signature := mac.Sum(nil)
	return idStr + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (int64, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return 0, false
	}

	idStr := parts[0]
	signature := parts[1]

	expected := a.signStaffID(idStr)
	expectedParts := strings.Split(expected, ".")
	if len(expectedParts) != 2 {
		return 0, false
	}

	if !hmac.Equal([]byte(signature), []byte(expectedParts[1])) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

// GetStaffIDFromContext извлекает идентификатор сотрудника из контекста запроса.
func GetStaffIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(staffIDKey).(int64)
	return id, ok
}
