package constants

// Default retry/backoff configuration values
const (
	DefaultRetryBackoffMs = 1000
	DefaultMaxBackoffMs   = 30000
	DefaultMaxAttempts    = 5
)

// Default outbox configuration values
const (
	DefaultOutboxMaxEntries = 100
	DefaultOutboxEvictBatch = 20
	DefaultResendDelayMs    = 250
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec          = 30
	DefaultDatabaseRetryAttempts   = 3
	DefaultDatabaseRetryBackoffMs  = 100
	DefaultGracefulShutdownSec     = 15
	DefaultHeartbeatIntervalSec    = 25
	DefaultJoinTimeoutSec          = 10
	DefaultNetworkProbeIntervalSec = 10
	DefaultPresenceReconcileSec    = 30
	DefaultServerPort              = 8083
	DefaultServerReadTimeoutSec    = 15
	DefaultServerWriteTimeoutSec   = 15
)

// Validation limits
const (
	MaxMessageTextLength = 4000
	MaxSessionCodeLength = 12
	MaxUserIDLength      = 64
	MaxSessionIDLength   = 64
)

// Privacy settings
const (
	DefaultUserMaskLength    = 4
	DefaultMessageIDLogChars = 8
)

// At-rest encryption parameters for the outbox database
const (
	EncryptionSalt       = "pairlink-outbox-v1"
	EncryptionNonceSize  = 12
	EncryptionKeySize    = 32
	EncryptionIterations = 100000
	MinEncryptionSecret  = 32
)
