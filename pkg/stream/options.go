/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package stream

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rmqstream/internal/config"
	"rmqstream/internal/crypto"
	"rmqstream/internal/logging"
)

// LoadOptions reads a configuration file (empty path for none), applies
// RMQSTREAM_* environment overrides and converts the result.
func LoadOptions(path string) (Options, error) {
	mgr := config.NewManager()
	if path != "" {
		if err := mgr.LoadFromFile(path); err != nil {
			return Options{}, err
		}
	}
	mgr.LoadFromEnv()
	cfg := mgr.Get()
	ApplyLogging(cfg)
	return OptionsFromConfig(cfg)
}

// ApplyLogging sets the process-wide log level and format from cfg.
func ApplyLogging(cfg *config.Config) {
	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)
}

// OptionsFromConfig converts a validated client configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}

	opts := Options{
		URIs: append([]string(nil), cfg.URIs...),
		Connection: ConnectionOptions{
			Username:              cfg.Username,
			Password:              cfg.Password,
			VirtualHost:           cfg.VirtualHost,
			ConnectionName:        cfg.ConnectionName,
			RequestedHeartbeat:    time.Duration(cfg.HeartbeatSeconds) * time.Second,
			RequestedMaxFrameSize: cfg.MaxFrameSize,
			DialTimeout:           time.Duration(cfg.DialTimeoutMs) * time.Millisecond,
		},
		MaxProducersPerConnection: cfg.MaxProducersPerConnection,
		MaxConsumersPerConnection: cfg.MaxConsumersPerConnection,
		Discovery: DiscoveryOptions{
			Enabled: cfg.Discovery.Enabled,
			Service: cfg.Discovery.Service,
			Domain:  cfg.Discovery.Domain,
			Timeout: time.Duration(cfg.Discovery.TimeoutMs) * time.Millisecond,
		},
	}
	if cfg.HeartbeatSeconds == 0 {
		// No client preference: the broker's value is used.
		opts.Connection.RequestedHeartbeat = -1
	}

	if cfg.IsTLSEnabled() {
		tc := crypto.TLSConfig{
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		}
		tlsConfig, err := crypto.NewClientTLSConfig(tc)
		if err != nil {
			return Options{}, fmt.Errorf("client tls: %w", err)
		}
		opts.Connection.TLSConfig = tlsConfig
		if tc.HasClientCertificate() {
			opts.Connection.SASLMechanism = MechanismExternal
		}
	}

	if cfg.LoadBalancerAddr != "" {
		lb, err := ParseEndpoint(cfg.LoadBalancerAddr)
		if err != nil {
			return Options{}, fmt.Errorf("load balancer address: %w", err)
		}
		lb.TLS = lb.TLS || cfg.TLS.Enabled
		opts.AddressResolver = func(Endpoint) Endpoint { return lb }
	}

	if cfg.MetricsEnabled {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	return opts, nil
}
