// Command devtoken mints access tokens for local testing against the API.
//
//	go run ./cmd/devtoken -user t1 -role TEACHER -name "Bu Sari"
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/internal/service"
	"github.com/noah-isme/geoattend-api/pkg/config"
)

func main() {
	userID := flag.String("user", "", "user id placed in the token subject")
	role := flag.String("role", string(models.RoleStudent), "TEACHER or STUDENT")
	name := flag.String("name", "", "display name")
	email := flag.String("email", "", "optional email")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	fullName := *name
	if fullName == "" {
		fullName = *userID
	}

	auth := service.NewAuthService(nil, nil, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	token, expiresAt, err := auth.IssueAccessToken(dto.IssueTokenRequest{
		Identity: models.Identity{
			UserID:   *userID,
			Role:     models.UserRole(strings.ToUpper(*role)),
			Email:    *email,
			FullName: fullName,
		},
		TTL: *ttl,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "devtoken: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println(token)
}
