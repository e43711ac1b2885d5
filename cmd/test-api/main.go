// Package main is a smoke-test utility that verifies the update server's
// HTTP API is reachable and serving a manifest. It issues a real HTTP request
// to the cloudnet line's repository endpoint and prints the status code and
// response body, making it useful for quick post-deployment checks without
// needing external tooling like curl or a full integration test suite.
package main

import (
	"fmt"
	"io"
	"net/http"
)

func main() {
	resp, err := http.Get("http://localhost:8080/versions/cloudnet/repository")
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
	fmt.Printf("Manifest:\n%s\n", string(body))
}
