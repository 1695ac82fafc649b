//go:build tools

// Package tools tracks Go-based tools invoked via go generate (mockgen) so
// they stay pinned in go.mod.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
