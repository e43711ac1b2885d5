// Package main is a development utility for generating an admin bearer token
// with its bcrypt hash pre-computed. It prints the raw token and the hash so
// operators can quickly provision CNUP_ADMIN_TOKEN_HASH for a new deployment
// without running the full server. The raw token is shown once and never
// stored anywhere.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		log.Fatal(err)
	}

	token := "cnup_" + base64.RawURLEncoding.EncodeToString(randomBytes)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Admin token (give to the operator, shown once):\n  %s\n\n", token)
	fmt.Printf("Token hash (set as CNUP_ADMIN_TOKEN_HASH):\n  %s\n", string(hashBytes))
}
