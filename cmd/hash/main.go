// Package main is a utility for generating the bcrypt hash of an admin
// bearer token. The server stores only the hash (CNUP_ADMIN_TOKEN_HASH),
// never the raw token, so this tool is used when provisioning or rotating
// the operator token without running the full server.
package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <token>\n", os.Args[0])
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[1]), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}
