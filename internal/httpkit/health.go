package httpkit

import (
	"context"
	"time"
)

const checkTimeout = 5 * time.Second

// Check tests one dependency.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunChecks runs every check with its own timeout and reports each result
// and whether all of them passed.
func RunChecks(ctx context.Context, checks []Check) (map[string]any, bool) {
	out := make(map[string]any, len(checks))
	ok := true
	for _, c := range checks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Run(checkCtx)
		cancel()

		result := map[string]any{
			"status":     "ok",
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			ok = false
			result["status"] = "error"
			result["error"] = err.Error()
		}
		out[c.Name] = result
	}
	return out, ok
}
