package pkg

import "errors"

// Failure taxonomy. Empty query results are not errors; callers check
// MetricsSummary.Total instead.
var (
	// ErrTransport marks router unreachable or a non-2xx device response.
	// The monitor loop logs it, skips the tick and continues.
	ErrTransport = errors.New("router transport failure")

	// ErrPersistence marks an I/O failure writing the metric log. The
	// sample is dropped and the loop continues.
	ErrPersistence = errors.New("metric persistence failure")

	// ErrConfiguration marks malformed caller input, rejected before any
	// router call.
	ErrConfiguration = errors.New("configuration error")
)
