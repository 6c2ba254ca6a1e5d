package utils

// Key constants used throughout the application for context storage
const (
	// KeyServer is the context key for storing the relay server state
	KeyServer = "chatServer"
	// KeyClientIP is the context key for the resolved client IP
	KeyClientIP = "clientIP"
	// KeyMessage is the context key for the trimmed user message
	KeyMessage = "userMessage"

	// UnknownClientIP identifies requests without any usable address
	UnknownClientIP = "unknown"

	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRetryAfter   = "Retry-After"
)

// Response bodies returned to the chat page.
const (
	MessageEmptyInput    = "Please provide a message."
	MessageMisconfigured = "Server misconfigured. Missing %s."
	MessageLimitReached  = "Public demo limit reached. Please try again later or run locally."
	MessageUpstreamError = "Upstream error. Please try again."
)
