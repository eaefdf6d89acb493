package errors

// ErrorCode represents a Watchtower error code
type ErrorCode string

// Configuration Error Codes
const (
	// ErrInvalidConfig indicates invalid configuration. This is the only
	// error class that aborts startup; nothing else is fatal at runtime.
	ErrInvalidConfig ErrorCode = "INVALID_CONFIG"
)

// Queue Error Codes
const (
	// ErrQueueFull indicates the event queue is at capacity
	ErrQueueFull ErrorCode = "QUEUE_FULL"

	// ErrQueueClosed indicates the event queue has been closed
	ErrQueueClosed ErrorCode = "QUEUE_CLOSED"

	// ErrEventExpired indicates an event exceeded its maximum age
	ErrEventExpired ErrorCode = "EVENT_EXPIRED"
)

// Processing Error Codes
const (
	// ErrProcessingRetryable indicates the processor asked for a retry
	ErrProcessingRetryable ErrorCode = "PROCESSING_RETRYABLE"

	// ErrProcessingPermanent indicates the processor declared permanent failure
	ErrProcessingPermanent ErrorCode = "PROCESSING_PERMANENT"

	// ErrNoCapacity indicates no healthy instance was available
	ErrNoCapacity ErrorCode = "NO_CAPACITY"

	// ErrInstanceNotFound indicates an instance id is not registered
	ErrInstanceNotFound ErrorCode = "INSTANCE_NOT_FOUND"

	// ErrInstanceDraining indicates an instance is draining and accepts no work
	ErrInstanceDraining ErrorCode = "INSTANCE_DRAINING"
)

// HTTP Pool Error Codes
const (
	// ErrCircuitOpen indicates the pool's circuit breaker refused the handout
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// ErrPoolNotFound indicates an unknown pool name
	ErrPoolNotFound ErrorCode = "POOL_NOT_FOUND"

	// ErrPoolExhausted indicates no client slot became free in time
	ErrPoolExhausted ErrorCode = "POOL_EXHAUSTED"

	// ErrPoolClosed indicates the pool has been shut down
	ErrPoolClosed ErrorCode = "POOL_CLOSED"
)

// Health Error Codes
const (
	// ErrProbeFailure indicates a health probe failed
	ErrProbeFailure ErrorCode = "PROBE_FAILURE"
)

// Lifecycle Error Codes
const (
	// ErrTimeout indicates a blocking call exceeded its deadline
	ErrTimeout ErrorCode = "TIMEOUT"

	// ErrCancelled indicates a blocking call was cancelled
	ErrCancelled ErrorCode = "CANCELLED"

	// ErrShutdown indicates the runtime is shutting down
	ErrShutdown ErrorCode = "SHUTDOWN"

	// ErrInternal indicates an unexpected internal error
	ErrInternal ErrorCode = "INTERNAL"
)

// Severity levels for error codes
const (
	SeverityLow      = 1
	SeverityNormal   = 2
	SeverityHigh     = 3
	SeverityCritical = 4
)

// ErrorCodeInfo provides information about an error code
type ErrorCodeInfo struct {
	Code        ErrorCode `json:"code"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Severity    int       `json:"severity"`
	Retryable   bool      `json:"retryable"`
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code ErrorCode) ErrorCodeInfo {
	info, exists := errorCodeInfoMap[code]
	if !exists {
		return ErrorCodeInfo{
			Code:        code,
			Category:    "unknown",
			Description: "Unknown error code",
			Severity:    SeverityNormal,
			Retryable:   false,
		}
	}
	return info
}

// IsRetryableCode checks if an error code is retryable
func IsRetryableCode(code ErrorCode) bool {
	return GetErrorCodeInfo(code).Retryable
}

// GetCategory returns the category of an error code
func GetCategory(code ErrorCode) string {
	return GetErrorCodeInfo(code).Category
}

// GetSeverity returns the severity of an error code
func GetSeverity(code ErrorCode) int {
	return GetErrorCodeInfo(code).Severity
}

// Error code information mapping
var errorCodeInfoMap = map[ErrorCode]ErrorCodeInfo{
	ErrInvalidConfig: {
		Code: ErrInvalidConfig, Category: "configuration", Description: "Invalid configuration provided",
		Severity: SeverityCritical, Retryable: false,
	},

	ErrQueueFull: {
		Code: ErrQueueFull, Category: "queue", Description: "Event queue is at capacity",
		Severity: SeverityHigh, Retryable: false,
	},
	ErrQueueClosed: {
		Code: ErrQueueClosed, Category: "queue", Description: "Event queue has been closed",
		Severity: SeverityNormal, Retryable: false,
	},
	ErrEventExpired: {
		Code: ErrEventExpired, Category: "queue", Description: "Event exceeded maximum age",
		Severity: SeverityNormal, Retryable: false,
	},

	ErrProcessingRetryable: {
		Code: ErrProcessingRetryable, Category: "processing", Description: "Processor requested a retry",
		Severity: SeverityNormal, Retryable: true,
	},
	ErrProcessingPermanent: {
		Code: ErrProcessingPermanent, Category: "processing", Description: "Processor declared permanent failure",
		Severity: SeverityHigh, Retryable: false,
	},
	ErrNoCapacity: {
		Code: ErrNoCapacity, Category: "processing", Description: "No healthy instance available",
		Severity: SeverityHigh, Retryable: true,
	},
	ErrInstanceNotFound: {
		Code: ErrInstanceNotFound, Category: "processing", Description: "Instance is not registered",
		Severity: SeverityNormal, Retryable: false,
	},
	ErrInstanceDraining: {
		Code: ErrInstanceDraining, Category: "processing", Description: "Instance is draining",
		Severity: SeverityNormal, Retryable: true,
	},

	ErrCircuitOpen: {
		Code: ErrCircuitOpen, Category: "pool", Description: "Circuit breaker is open",
		Severity: SeverityHigh, Retryable: true,
	},
	ErrPoolNotFound: {
		Code: ErrPoolNotFound, Category: "pool", Description: "HTTP client pool does not exist",
		Severity: SeverityNormal, Retryable: false,
	},
	ErrPoolExhausted: {
		Code: ErrPoolExhausted, Category: "pool", Description: "No pooled client became available",
		Severity: SeverityHigh, Retryable: true,
	},
	ErrPoolClosed: {
		Code: ErrPoolClosed, Category: "pool", Description: "HTTP client pool has been shut down",
		Severity: SeverityNormal, Retryable: false,
	},

	ErrProbeFailure: {
		Code: ErrProbeFailure, Category: "health", Description: "Health probe failed",
		Severity: SeverityNormal, Retryable: true,
	},

	ErrTimeout: {
		Code: ErrTimeout, Category: "lifecycle", Description: "Operation exceeded its deadline",
		Severity: SeverityNormal, Retryable: true,
	},
	ErrCancelled: {
		Code: ErrCancelled, Category: "lifecycle", Description: "Operation was cancelled",
		Severity: SeverityNormal, Retryable: false,
	},
	ErrShutdown: {
		Code: ErrShutdown, Category: "lifecycle", Description: "Runtime is shutting down",
		Severity: SeverityNormal, Retryable: false,
	},
	ErrInternal: {
		Code: ErrInternal, Category: "lifecycle", Description: "Unexpected internal error",
		Severity: SeverityHigh, Retryable: false,
	},
}
