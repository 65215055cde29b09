// Package main is a utility for computing the stored hash of a service
// secret. The gateway stores only hashes of secrets — never the raw
// values — so this tool is used when manually seeding or verifying token
// records in the database without running the full server. It reads the
// secret from the first argument and, when the deployment uses a pepper,
// the passphrase and salt from PEPPER_PASSPHRASE / PEPPER_SALT.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/auth-gateway/auth-gateway/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: hash <secret>")
	}

	hasher, err := auth.NewHasher(os.Getenv("PEPPER_PASSPHRASE"), os.Getenv("PEPPER_SALT"))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(hasher.Hash(os.Args[1]))
}
