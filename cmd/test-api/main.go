// Package main is a smoke-test utility that verifies the gateway's HTTP API
// is reachable and returning valid responses. It hits the health endpoint,
// then optionally lists tokens using a secret from SERVICE_SECRET, printing
// status codes and response bodies. Useful for quick post-deployment checks
// without needing external tooling like curl or a full integration test suite.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	base := os.Getenv("GATEWAY_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	dump("GET "+base+"/healthz", func() (*http.Response, error) {
		return http.Get(base + "/healthz")
	})

	secret := os.Getenv("SERVICE_SECRET")
	if secret == "" {
		fmt.Println("\nSERVICE_SECRET not set, skipping authenticated check")
		return
	}

	dump("GET "+base+"/v1/tokens", func() (*http.Response, error) {
		req, err := http.NewRequest(http.MethodGet, base+"/v1/tokens", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+secret)
		return http.DefaultClient.Do(req)
	})
}

func dump(label string, do func() (*http.Response, error)) {
	fmt.Printf("\n=== %s ===\n", label)

	resp, err := do()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading body: %v\n", err)
		return
	}

	fmt.Printf("Status: %d\n", resp.StatusCode)
	fmt.Printf("Response:\n%s\n", string(body))
}
