package constants

import "time"

const AppName = "lvbridge"

// Network defaults
const (
	DefaultListenAddr = "0.0.0.0:3621"
	DefaultRedisHost  = "127.0.0.1"
	DefaultRedisPort  = "6379"
	WSBufferSize      = 4096
	MaxWSMessageSize  = 1 << 20 // 1MB, LVSP frames are small JSON
	SendQueueSize     = 256
)

// Handshake and heartbeat defaults
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 1 // seconds, Litecord's unusually tight cadence
	DefaultHeartbeatGrace    = 2 // missed beats tolerated before eviction
	NonceLength              = 10
)

// Relay settings
const (
	SessionTopicPrefix = "lvsp:session:"
	PublishRetries     = 3
	PublishBackoff     = 250 * time.Millisecond
	BusRecoveryProbe   = 5 * time.Second
)

// Server lifecycle
const (
	DrainTimeout      = 5 * time.Second
	WriteWait         = 10 * time.Second
	CloseGracePeriod  = 100 * time.Millisecond
	ReadHeaderTimeout = 10 * time.Second
)

// Abuse protection
const (
	MaxConnectionsPerIP   = 10
	MaxAuthAttempts       = 5
	BlockDuration         = 15 * time.Minute
	MaxAuditLogsPerMinute = 1000
)

// API endpoints
const (
	EndpointWebSocket = "/ws"
	EndpointHealth    = "/healthz"
	EndpointMetrics   = "/metrics"
)
