package health

import (
	"context"
	"sync"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Target is a named checker, e.g. one upstream or the proxy itself
type Target struct {
	Name    string
	Checker Checker
}

// Report pairs a target with the result of checking it
type Report struct {
	Name   string
	Type   CheckType
	Result Result
}

// RunAll checks every target concurrently and returns the reports in target
// order.
func RunAll(ctx context.Context, targets []Target) []Report {
	reports := make([]Report, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			reports[i] = Report{
				Name:   target.Name,
				Type:   target.Checker.Type(),
				Result: target.Checker.Check(ctx),
			}
		}(i, target)
	}
	wg.Wait()

	return reports
}

// AllHealthy reports whether every report is healthy
func AllHealthy(reports []Report) bool {
	for _, r := range reports {
		if !r.Result.Healthy {
			return false
		}
	}
	return true
}

func failed(start time.Time, message string) Result {
	return Result{
		Healthy:   false,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
