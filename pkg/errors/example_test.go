package errors_test

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
)

// Example demonstrates basic error creation with details.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "failed to reach pos api").
		WithDetail("host", "pos.example.com").
		WithDetail("attempt", 2)

	fmt.Println(err.Error())

	// Output:
	// connection: failed to reach pos api
}

// Example_errorChain shows how pipeline stages wrap lower level failures.
func Example_errorChain() {
	cause := errors.New(errors.ErrorTypeConnection, "connection reset")
	err := errors.Wrap(cause, errors.ErrorTypeIngestion, "batch b-1 failed")
	err = errors.Wrap(err, errors.ErrorTypeOrchestration, "run r-9 failed")

	fmt.Println(err)

	// Output:
	// orchestration: run r-9 failed: ingestion: batch b-1 failed: connection: connection reset
}

// ExampleRetryAfter shows how a rate limit hint survives wrapping.
func ExampleRetryAfter() {
	limited := errors.New(errors.ErrorTypeRateLimit, "429 from upstream").WithRetryAfter(2 * time.Second)
	wrapped := errors.Wrap(limited, errors.ErrorTypeData, "page 3")

	d, ok := errors.RetryAfter(wrapped)
	fmt.Println(d, ok, errors.IsRetryable(limited))

	// Output:
	// 2s true true
}
