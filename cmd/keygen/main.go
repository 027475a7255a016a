package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ksred/schemaflow/internal/api"
	"github.com/ksred/schemaflow/internal/config"
)

func main() {
	var (
		configPath string
		subject    string
		ttl        time.Duration
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file (for the JWT secret)")
	flag.StringVar(&subject, "subject", "", "Also issue a bearer token for this subject")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "Bearer token lifetime")
	flag.Parse()

	fmt.Println("Generating inspection API key...")

	key, hash, err := api.GenerateAPIKey()
	if err != nil {
		log.Fatalf("Failed to generate API key: %v", err)
	}

	fmt.Println("\nAPI key (send as X-API-Key):")
	fmt.Println(key)
	fmt.Println("\nAdd the hash to your configuration or environment as:")
	fmt.Printf("SCHEMAFLOW_AUTH_API_KEY_HASH='%s'\n", hash)

	if subject == "" {
		fmt.Println("\nIMPORTANT: Only the hash is stored. Keep the key somewhere safe.")
		return
	}

	cfg := config.LoadConfigOrDefault(configPath)
	auth := api.NewAuthenticator(cfg.Auth, cfg.JWT)
	token, err := auth.IssueToken(subject, ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Printf("\nBearer token for %q (expires in %s):\n", subject, ttl)
	fmt.Println(token)
	fmt.Println("\nIMPORTANT: Only the hash is stored. Keep the key somewhere safe.")
}
