package config

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DescribeToken inspects a bearer token's claims without verifying its
// signature (this runtime has no auth store to verify against; it only
// forwards the token) and returns an operator-facing diagnostic string,
// e.g. "subject user-42, token expires in 3 days", or "" when the token is not a
// JWT or carries no recognizable claims.
func DescribeToken(token string) string {
	if token == "" {
		return ""
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}

	var parts []string
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		parts = append(parts, fmt.Sprintf("subject %s", sub))
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		remaining := time.Until(exp.Time)
		switch {
		case remaining < 0:
			parts = append(parts, "token has expired")
		case remaining < 24*time.Hour:
			parts = append(parts, fmt.Sprintf("token expires in %s", remaining.Round(time.Minute)))
		default:
			parts = append(parts, fmt.Sprintf("token expires in %d days", int(remaining.Hours()/24)))
		}
	}
	if len(parts) == 0 {
		return ""
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
