//go:build tools

// Development tool dependencies, pinned in go.sum.
// Run the linter with: go run github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
