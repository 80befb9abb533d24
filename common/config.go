// Copyright 2022 The tickstream Authors
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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

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
	//
	// Stream sessions are long lived, so the gateway leaves this at zero.
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

// ===============================================================================
// Session Registry Related Config

// RegistryConfig defines session registry and admission control parameters
type RegistryConfig struct {
	// MaxSessions is the global cap on concurrently active stream sessions
	MaxSessions int `mapstructure:"max_sessions" json:"max_sessions" validate:"required,gt=0"`
	// IdleTimeout is the hard ceiling on a session's lifetime in seconds.
	//
	// A fixed deadline measured from admission. Delivery activity does not
	// extend it.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"required,gt=0"`
	// BaseUpdateInterval is the pre-scaling data update interval in milliseconds
	BaseUpdateInterval int `mapstructure:"base_update_interval_ms" json:"base_update_interval_ms" validate:"required,gt=0"`
	// BaseHeartbeatInterval is the pre-scaling heartbeat interval in milliseconds
	BaseHeartbeatInterval int `mapstructure:"base_heartbeat_interval_ms" json:"base_heartbeat_interval_ms" validate:"required,gt=0"`
	// ReconnectHint is the suggested client reconnect delay in milliseconds.
	//
	// Sent as the SSE retry hint on stream open, and inside shutdown notices.
	ReconnectHint int `mapstructure:"reconnect_hint_ms" json:"reconnect_hint_ms" validate:"required,gt=0"`
}

// ===============================================================================
// Subscriber Identity Related Config

// IdentityConfig defines how the subscriber identity is read off a request
type IdentityConfig struct {
	// OwnerIDHeader is the HTTP header carrying the subscriber's owner ID
	OwnerIDHeader string `mapstructure:"owner_id_header" json:"owner_id_header" validate:"required"`
	// TierHeader is the HTTP header carrying the subscriber's tier
	TierHeader string `mapstructure:"tier_header" json:"tier_header" validate:"required"`
}

// ===============================================================================
// Market Data Producer Related Config

// ProducerConfig defines the NATS backed market data producer parameters
type ProducerConfig struct {
	// SubjectPrefix is the NATS subject prefix quote requests are issued under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// RequestTimeout is the max duration of one quote fetch in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"required,gte=1"`
}

// ===============================================================================
// Monitoring Related Config

// MonitoringConfig defines operational monitoring parameters
type MonitoringConfig struct {
	// HostSampleInterval is the host resource sampling period in seconds
	HostSampleInterval int `mapstructure:"host_sample_interval_sec" json:"host_sample_interval_sec" validate:"required,gte=1"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// GatewayServerConfig defines configuration for the gateway API server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway API server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the gateway
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Registry are the session registry config parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Identity are the subscriber identity config parameters
	Identity IdentityConfig `mapstructure:"identity" json:"identity" validate:"required,dive"`
	// Producer are the market data producer config parameters
	Producer ProducerConfig `mapstructure:"producer" json:"producer" validate:"required,dive"`
	// Monitoring are the operational monitoring config parameters
	Monitoring MonitoringConfig `mapstructure:"monitoring" json:"monitoring" validate:"required,dive"`
	// Gateway are the gateway API server configs
	Gateway GatewayServerConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default session registry settings
	viper.SetDefault("registry.max_sessions", 1000)
	viper.SetDefault("registry.idle_timeout_sec", 1800)
	viper.SetDefault("registry.base_update_interval_ms", 30000)
	viper.SetDefault("registry.base_heartbeat_interval_ms", 10000)
	viper.SetDefault("registry.reconnect_hint_ms", 30000)

	// Default subscriber identity settings
	viper.SetDefault("identity.owner_id_header", "Tickstream-Owner-ID")
	viper.SetDefault("identity.tier_header", "Tickstream-Owner-Tier")

	// Default market data producer settings
	viper.SetDefault("producer.subject_prefix", "tickstream.data")
	viper.SetDefault("producer.request_timeout_sec", 5)

	// Default monitoring settings
	viper.SetDefault("monitoring.host_sample_interval_sec", 15)

	// Default gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Tickstream-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
