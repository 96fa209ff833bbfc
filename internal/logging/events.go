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

package logging

import (
	"fmt"
	"time"
)

// ConnectionLogger records the lifecycle of a broker connection.
type ConnectionLogger struct {
	logger *Logger
}

// NewConnectionLogger creates a new connection logger.
func NewConnectionLogger(logger *Logger) *ConnectionLogger {
	return &ConnectionLogger{logger: logger}
}

// LogOpened logs a connection that completed its handshake.
func (cl *ConnectionLogger) LogOpened(name, addr string, tlsEnabled bool, frameMax, heartbeat uint32) {
	cl.logger.Info("Connection opened",
		"connection_name", name,
		"addr", addr,
		"tls_enabled", tlsEnabled,
		"frame_max", frameMax,
		"heartbeat_seconds", heartbeat,
	)
}

// LogClosed logs a connection leaving the open state.
// A nil cause means a graceful close.
func (cl *ConnectionLogger) LogClosed(name, addr string, cause error, duration time.Duration) {
	if cause == nil {
		cl.logger.Info("Connection closed",
			"connection_name", name,
			"addr", addr,
			"duration_seconds", duration.Seconds(),
		)
		return
	}
	cl.logger.Warn("Connection lost",
		"connection_name", name,
		"addr", addr,
		"error", cause.Error(),
		"duration_seconds", duration.Seconds(),
	)
}

// LogAuthentication logs the outcome of the SASL exchange.
func (cl *ConnectionLogger) LogAuthentication(addr, mechanism, username string, err error) {
	if err == nil {
		cl.logger.Debug("Authenticated",
			"addr", addr,
			"mechanism", mechanism,
			"username", username,
		)
		return
	}
	cl.logger.Warn("Authentication failed",
		"addr", addr,
		"mechanism", mechanism,
		"username", username,
		"error", err.Error(),
	)
}

// LogRecovery logs a panic recovered from an application callback.
func (cl *ConnectionLogger) LogRecovery(panicValue any, operation string) {
	cl.logger.Error("Panic recovered",
		"operation", operation,
		"panic_value", fmt.Sprintf("%v", panicValue),
	)
}

// SanitizePayload describes a payload by size without exposing content.
func SanitizePayload(data []byte) string {
	if len(data) == 0 {
		return "[empty]"
	}
	return fmt.Sprintf("[%d bytes]", len(data))
}
