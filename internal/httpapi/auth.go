package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles form a strict hierarchy: admin may do everything an editor may,
// an editor everything a viewer may. Push requires editor, pull requires
// viewer, admin surfaces require admin.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleRank = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func authorizeBearer(authHeader, jwtSecret, requiredRole string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredRole != "" && roleRank[claims.Role] < roleRank[requiredRole] {
		return tokenClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "requires role: " + requiredRole,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		message := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			message = "token expired"
		}
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: message}
	}
	if claims.Subject == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	if _, ok := roleRank[claims.Role]; !ok {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: fmt.Sprintf("unknown role %q", claims.Role)}
	}
	return claims, nil
}

// SignToken mints an HS256 bearer token for the given principal and role.
// Used by the agent tooling and by tests.
func SignToken(jwtSecret, subject, role string, expiresAt time.Time) (string, error) {
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
