// Package main is a development utility for generating a test service secret
// with its stored hash pre-computed. It prints the raw secret, the hash, and a
// ready-to-run SQL UPDATE statement so developers can quickly seed a usable
// token in a local database without running the full server flow. It also
// prints a fresh pepper salt and archive encryption key for wiring up a local
// config. Do not use generated secrets in production — create tokens through
// the API so expiry, scopes, and audit events are recorded properly.
package main

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/crypto"
)

func main() {
	secret, err := auth.GenerateSecret("agw_")
	if err != nil {
		log.Fatal(err)
	}

	hasher, err := auth.NewHasher("", "")
	if err != nil {
		log.Fatal(err)
	}
	hash := hasher.Hash(secret)

	salt, err := crypto.GenerateSalt(16)
	if err != nil {
		log.Fatal(err)
	}

	archiveKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Service Secret Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nSecret: %s\n", secret)
	fmt.Printf("\nStored Hash (no pepper): %s\n", hash)
	fmt.Println("\n==========================================================")
	fmt.Println("SQL Update:")
	fmt.Println("==========================================================")
	fmt.Printf(`
UPDATE service_tokens
SET secret_hash = '%s'
WHERE name = 'dev-token';
`, hash)
	fmt.Println("\n==========================================================")
	fmt.Println("Config material:")
	fmt.Println("==========================================================")
	fmt.Printf("\nPepper Salt: %s\n", hex.EncodeToString(salt))
	fmt.Printf("Archive Encryption Key: %s\n", hex.EncodeToString(archiveKey))
	fmt.Printf("\nAuthorization Header: Bearer %s\n", secret)
	fmt.Println("==========================================================")
}
