// Copyright 2023-2024 The subrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Engine Related Config

// SubscribeDefaultsConfig defines the per-subscription option defaults. All of
// these are advisory hints for the transport layer except where noted.
type SubscribeDefaultsConfig struct {
	// BufferSize is the advisory per-subscriber delivery buffer size
	BufferSize int `mapstructure:"buffer_size" json:"buffer_size" validate:"gte=1"`
	// KeepAlive indicates whether transport level keep-alive probing is requested
	KeepAlive bool `mapstructure:"keep_alive" json:"keep_alive"`
	// KeepAliveInterval is the keep-alive probe interval in seconds
	KeepAliveInterval int `mapstructure:"keep_alive_interval_sec" json:"keep_alive_interval_sec" validate:"gte=1"`
	// ConnectionTimeout is the inactivity period in seconds after which a
	// connection is reported as a close candidate
	ConnectionTimeout int `mapstructure:"connection_timeout_sec" json:"connection_timeout_sec" validate:"gte=1"`
	// EnableCompression requests transport level message compression
	EnableCompression bool `mapstructure:"enable_compression" json:"enable_compression"`
	// EnableBatching requests transport level message batching
	EnableBatching bool `mapstructure:"enable_batching" json:"enable_batching"`
}

// KeepAliveIntervalDur keep-alive interval as a time.Duration
func (c SubscribeDefaultsConfig) KeepAliveIntervalDur() time.Duration {
	return time.Second * time.Duration(c.KeepAliveInterval)
}

// ConnectionTimeoutDur connection inactivity timeout as a time.Duration
func (c SubscribeDefaultsConfig) ConnectionTimeoutDur() time.Duration {
	return time.Second * time.Duration(c.ConnectionTimeout)
}

// EngineConfig defines the subscription engine parameters
type EngineConfig struct {
	// MaxConnections is the max number of concurrently active connections. This
	// limit is enforced when registering a connection.
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"required,gte=1"`
	// TaskQueueLen is the buffer length of the engine mutation task queue
	TaskQueueLen int `mapstructure:"task_queue_len" json:"task_queue_len" validate:"gte=1"`
	// SubscribeDefaults are the per-subscription option defaults
	SubscribeDefaults SubscribeDefaultsConfig `mapstructure:"subscribe_defaults" json:"subscribe_defaults" validate:"required,dive"`
}

// ===============================================================================
// Health Monitor Related Config

// HealthConfig defines the health monitor thresholds
type HealthConfig struct {
	// ErrorRateThreshold is the delivery error rate above which the engine is
	// reported unhealthy
	ErrorRateThreshold float64 `mapstructure:"error_rate_threshold" json:"error_rate_threshold" validate:"gt=0,lte=1"`
	// MemoryWarnPercent is the system memory usage percent which triggers a warning
	MemoryWarnPercent float64 `mapstructure:"memory_warn_percent" json:"memory_warn_percent" validate:"gt=0,lte=100"`
	// MemoryCriticalPercent is the system memory usage percent above which the
	// engine is reported unhealthy
	MemoryCriticalPercent float64 `mapstructure:"memory_critical_percent" json:"memory_critical_percent" validate:"gt=0,lte=100"`
	// StaleCriticalCount is the stale connection count at which the stale
	// connection warning escalates to an error. Zero disables escalation.
	StaleCriticalCount int `mapstructure:"stale_critical_count" json:"stale_critical_count" validate:"gte=0"`
}

// ===============================================================================
// Auth Related Config

// StaticTokenConfig defines one static bearer token credential
type StaticTokenConfig struct {
	// Token is the bearer token value
	Token string `mapstructure:"token" json:"token" validate:"required"`
	// UserID is the user this token authenticates as
	UserID string `mapstructure:"user_id" json:"user_id" validate:"required"`
	// Topics is the set of topic prefixes the user may subscribe to. An empty
	// list allows all topics.
	Topics []string `mapstructure:"topics" json:"topics"`
}

// AuthConfig defines the auth capability parameters
type AuthConfig struct {
	// Mode selects the auth implementation
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=none static"`
	// Tokens are the static credentials when mode is "static"
	Tokens []StaticTokenConfig `mapstructure:"tokens" json:"tokens" validate:"omitempty,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// APIEndpointConfig defines API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the API server
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// NATS Ingress Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ProducerConfig defines the NATS event ingress parameters. Events arriving on
// the subject tree are pushed into the engine as topic publishes; the engine
// itself never pulls from the producer.
type ProducerConfig struct {
	// NATS are the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Subject is the NATS subject tree to ingest events from
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// SubjectPrefix is stripped from the NATS subject to form the topic name
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Engine are the subscription engine config parameters
	Engine EngineConfig `mapstructure:"engine" json:"engine" validate:"required,dive"`
	// Health are the health monitor config parameters
	Health HealthConfig `mapstructure:"health" json:"health" validate:"required,dive"`
	// Auth are the auth capability config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// API are the API server configs
	API *APIServerConfig `mapstructure:"api,omitempty" json:"api,omitempty" validate:"omitempty,dive"`
	// Producer are the NATS event ingress configs
	Producer *ProducerConfig `mapstructure:"producer,omitempty" json:"producer,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default engine settings
	viper.SetDefault("engine.max_connections", 4096)
	viper.SetDefault("engine.task_queue_len", 64)
	viper.SetDefault("engine.subscribe_defaults.buffer_size", 100)
	viper.SetDefault("engine.subscribe_defaults.keep_alive", true)
	viper.SetDefault("engine.subscribe_defaults.keep_alive_interval_sec", 30)
	viper.SetDefault("engine.subscribe_defaults.connection_timeout_sec", 300)
	viper.SetDefault("engine.subscribe_defaults.enable_compression", false)
	viper.SetDefault("engine.subscribe_defaults.enable_batching", false)

	// Default health monitor settings
	viper.SetDefault("health.error_rate_threshold", 0.1)
	viper.SetDefault("health.memory_warn_percent", 80.0)
	viper.SetDefault("health.memory_critical_percent", 95.0)
	viper.SetDefault("health.stale_critical_count", 0)

	// Default auth settings
	viper.SetDefault("auth.mode", "none")

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Subrelay-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
