package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"ledgerlink-server/src/util"
)

var logger = loggo.GetLogger("ledgerlink.middleware")

type contextKey string

const userIDKey contextKey = "user_id"

// ParseTokenFromRequest extracts and validates the bearer token, returning its claims.
func ParseTokenFromRequest(r *http.Request, secret []byte) (jwt.MapClaims, error) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		return nil, errors.New("missing token")
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// JWTAuthMiddleware requires an HS256 bearer token carrying a string user_id
// claim, and stores that id on the request context.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := ParseTokenFromRequest(r, key)
			if err != nil {
				logger.Debugf("rejected %s %s: %v", r.Method, r.URL.Path, err)
				util.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}

			userID, _ := claims["user_id"].(string)
			if strings.TrimSpace(userID) == "" {
				util.WriteError(w, http.StatusUnauthorized, "token has no user_id")
				return
			}

			ctx := WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// AuthorizeUser checks that the authenticated caller, if any, is acting on its own
// userId. Requests that passed no auth middleware are let through, and a missing
// userId is left for the services to reject.
func AuthorizeUser(ctx context.Context, userID string) error {
	authenticated, ok := UserIDFromContext(ctx)
	userID = strings.TrimSpace(userID)
	if !ok || userID == "" {
		return nil
	}
	if authenticated != userID {
		return errors.WithType(errors.New("userId does not match the authenticated user"), util.ErrForbidden)
	}
	return nil
}
