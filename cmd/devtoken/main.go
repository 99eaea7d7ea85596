// Command devtoken mints access tokens for local testing against the API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"uniattend/internal/auth"
	"uniattend/internal/config"
	"uniattend/internal/model"
)

func main() {
	sub := flag.String("sub", "", "subject (user id)")
	role := flag.String("role", model.RoleStudent, "student, instructor or admin")
	flag.Parse()

	if *sub == "" {
		fmt.Fprintln(os.Stderr, "-sub is required")
		os.Exit(2)
	}
	switch *role {
	case model.RoleStudent, model.RoleInstructor, model.RoleAdmin:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.IsProd() {
		fmt.Fprintln(os.Stderr, "refusing to mint tokens in production")
		os.Exit(1)
	}

	pair, err := auth.Issue(*sub, *role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(pair)
}
