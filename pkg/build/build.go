// Package build describes the build under test and where it comes from.
package build

import (
	"context"
	"strings"
)

// Info identifies the build an invocation runs against.
type Info struct {
	ID         string
	Branch     string
	Flavor     string
	TestTarget string
	Attributes map[string]string
}

// String renders the build for logs, e.g. "main walleye-userdebug @1234".
func (i Info) String() string {
	parts := make([]string, 0, 3)
	if b := strings.TrimSpace(i.Branch); b != "" {
		parts = append(parts, b)
	}
	if f := strings.TrimSpace(i.Flavor); f != "" {
		parts = append(parts, f)
	}
	id := strings.TrimSpace(i.ID)
	if id == "" {
		id = "unknown"
	}
	parts = append(parts, "@"+id)
	return strings.Join(parts, " ")
}

// Provider retrieves build information. Failures are not retried by callers.
type Provider interface {
	GetBuild(ctx context.Context) (Info, error)
}

// Static is a Provider that always returns the same build.
type Static Info

func (s Static) GetBuild(ctx context.Context) (Info, error) {
	return Info(s), nil
}
