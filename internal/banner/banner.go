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

/*
Package banner renders the header printed by the rmqstream tools: a logo,
the version and, for commands that connect, a summary of the client
configuration in use.

	banner.Write(os.Stdout, "rmqstream", "Stream Protocol Client", true)
	banner.WriteConfig(os.Stdout, cfg, true)
*/
package banner

import (
	"fmt"
	"io"
	"strings"

	"rmqstream/internal/config"
)

// ANSI escape codes for terminal text formatting.
const (
	AnsiGreen  = "\033[32m"
	AnsiYellow = "\033[33m"
	AnsiCyan   = "\033[36m"
	AnsiReset  = "\033[0m"
	AnsiBold   = "\033[1m"
	AnsiDim    = "\033[2m"
)

// Version information
const (
	Version   = "0.4.0"
	Copyright = "Copyright (c) 2026 Firefly Software Solutions Inc."
	License   = "Licensed under Apache License 2.0"
)

var logo = []string{
	"+-+-+-+-+-+-+-+-+-+",
	"|r|m|q|s|t|r|e|a|m|",
	"+-+-+-+-+-+-+-+-+-+",
}

// Lines returns the logo as individual lines.
func Lines() []string {
	return append([]string(nil), logo...)
}

type painter bool

func (p painter) paint(code, text string) string {
	if !p {
		return text
	}
	return code + text + AnsiReset
}

// Write prints the logo, the tool name with its version and a tagline.
func Write(w io.Writer, tool, tagline string, color bool) {
	p := painter(color)
	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, "  "+p.paint(AnsiCyan+AnsiBold, line))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  "+p.paint(AnsiGreen+AnsiBold, tool)+" "+p.paint(AnsiDim, "v"+Version))
	if tagline != "" {
		fmt.Fprintln(w, "  "+p.paint(AnsiDim, tagline))
	}
	fmt.Fprintln(w)
}

// WriteVersion prints the version block shown by "version".
func WriteVersion(w io.Writer, tool string, color bool) {
	p := painter(color)
	fmt.Fprintln(w, p.paint(AnsiCyan+AnsiBold, tool)+" "+p.paint(AnsiDim, "v"+Version))
	fmt.Fprintln(w, p.paint(AnsiDim, Copyright))
	fmt.Fprintln(w, p.paint(AnsiDim, License))
}

// WriteConfig prints the connection settings of cfg in two sections.
// Passwords are never printed.
func WriteConfig(w io.Writer, cfg *config.Config, color bool) {
	p := painter(color)
	source := "defaults + environment"
	if cfg.ConfigFile != "" {
		source = cfg.ConfigFile
	}
	fmt.Fprintf(w, "  %s %s\n\n", p.paint(AnsiDim, "Config:"), p.paint(AnsiYellow, source))

	section(w, p, "Brokers")
	for _, uri := range cfg.URIs {
		row(w, p, "URI", redact(uri))
	}
	if cfg.LoadBalancerAddr != "" {
		row(w, p, "Load balancer", cfg.LoadBalancerAddr)
	}
	row(w, p, "Virtual host", cfg.VirtualHost)
	row(w, p, "User", cfg.Username)
	if cfg.Discovery.Enabled {
		row(w, p, "Discovery", cfg.Discovery.Service+" in "+cfg.Discovery.Domain)
	}
	fmt.Fprintln(w)

	section(w, p, "Protocol")
	row(w, p, "Heartbeat", heartbeat(cfg.HeartbeatSeconds))
	row(w, p, "Max frame", formatBytes(int64(cfg.MaxFrameSize)))
	row(w, p, "TLS", enabled(p, cfg.IsTLSEnabled()))
	if cfg.TLS.CertFile != "" {
		row(w, p, "Auth", "EXTERNAL ("+cfg.TLS.CertFile+")")
	} else {
		row(w, p, "Auth", "PLAIN")
	}
	row(w, p, "Metrics", enabled(p, cfg.MetricsEnabled))
	fmt.Fprintln(w)
}

func section(w io.Writer, p painter, title string) {
	const width = 60
	pad := width - len(title) - 6
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(w, "  %s[ %s ]%s\n", p.paint(AnsiDim, "--"), p.paint(AnsiCyan+AnsiBold, title), p.paint(AnsiDim, strings.Repeat("-", pad)))
}

func row(w io.Writer, p painter, key, value string) {
	fmt.Fprintf(w, "    %-14s %s\n", p.paint(AnsiDim, key+":"), value)
}

func enabled(p painter, on bool) string {
	if on {
		return p.paint(AnsiGreen, "enabled")
	}
	return p.paint(AnsiDim, "disabled")
}

func heartbeat(seconds int) string {
	if seconds == 0 {
		return "broker default"
	}
	return fmt.Sprintf("%ds", seconds)
}

// redact hides the password of a uri with credentials.
func redact(uri string) string {
	u, err := config.ParseURI(uri)
	if err != nil || u.Password == "" {
		return uri
	}
	return strings.Replace(uri, ":"+u.Password+"@", ":****@", 1)
}

func formatBytes(bytes int64) string {
	if bytes == 0 {
		return "client default"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
