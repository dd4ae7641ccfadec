//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are run via `go run` or installed with `go install` and are
// not tracked in go.mod since they are not runtime dependencies.
package tools

// Development tools:
//
// mockgen - regenerates internal/mocks from the repository ports in internal/core
//   Run: go generate ./internal/mocks
//   Version: go.uber.org/mock v0.6.0 (matches the go.mod require)
//
// golangci-lint - static checks; nolint directives in the tree target it
//   Install: go install github.com/golangci/golangci-lint/v2/cmd/golangci-lint@latest
