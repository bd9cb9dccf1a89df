package ir

// Version constants for the log record format and the server.
const (
	// LogVersion is the operation log record format version. It is stored
	// with every record and checked on recovery.
	LogVersion = "1"

	// ServerVersion is the space server version.
	ServerVersion = "0.1.0"
)
