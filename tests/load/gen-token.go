//go:build ignore

// Prints an HS256 bearer token for the admin API, for load and smoke tests:
//
//	go run tests/load/gen-token.go
//
// JWT_SECRET, JWT_ISSUER, and JWT_AUDIENCE override the defaults, which match
// tests/integration and configs/shield.yaml.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	secret := envOr("JWT_SECRET", "integration-test-secret-key-32chars!!")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "loadtest-user",
		"iss":   envOr("JWT_ISSUER", "shield-admin"),
		"aud":   envOr("JWT_AUDIENCE", "shield"),
		"exp":   time.Now().Add(2 * time.Hour).Unix(),
		"scope": "admin",
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
