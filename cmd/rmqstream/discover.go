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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"rmqstream/internal/config"
	"rmqstream/internal/discovery"
)

// discoveryQuery replaces mdns.Query in tests.
var discoveryQuery discovery.QueryFunc

func cmdDiscover(_ context.Context, a *app, args []string) error {
	var (
		cfg        discovery.Config
		jsonOutput bool
		quiet      bool
	)
	fs := newFlagSet("discover")
	fs.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "how long to listen for answers")
	fs.StringVar(&cfg.Service, "service", discovery.DefaultService, "mDNS service name")
	fs.StringVar(&cfg.Domain, "domain", discovery.DefaultDomain, "mDNS domain")
	fs.BoolVar(&jsonOutput, "json", false, "print results as JSON")
	fs.BoolVar(&quiet, "quiet", false, "print a comma separated uri list only")
	if positional, err := parseArgs(fs, args); err != nil || len(positional) != 0 {
		return a.usage("discover [--timeout D] [--service S] [--domain D] [--json] [--quiet]")
	}

	// The mdns package logs IPv6 socket errors through the standard logger.
	log.SetOutput(io.Discard)

	if !quiet && !jsonOutput {
		a.out.Info("Browsing for %s brokers (timeout %s)...", cfg.Service, cfg.Timeout)
	}
	brokers, err := discovery.New(cfg, discoveryQuery).Discover()
	if err != nil {
		return err
	}

	switch {
	case jsonOutput:
		type brokerOutput struct {
			Name string `json:"name,omitempty"`
			Host string `json:"host"`
			Port int    `json:"port"`
			TLS  bool   `json:"tls"`
			URI  string `json:"uri"`
		}
		out := make([]brokerOutput, len(brokers))
		for i, b := range brokers {
			out[i] = brokerOutput{Name: b.Name, Host: b.Host, Port: b.Port, TLS: b.TLS, URI: brokerURI(b)}
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out.Out(), string(data))
	case quiet:
		uris := make([]string, len(brokers))
		for i, b := range brokers {
			uris[i] = brokerURI(b)
		}
		fmt.Fprintln(a.out.Out(), strings.Join(uris, ","))
	case len(brokers) == 0:
		a.out.Warning("No brokers found")
		a.out.Hint("mDNS uses UDP port 5353; brokers must share the network segment")
	default:
		a.out.Success("Found %d broker(s)", len(brokers))
		rows := make([][]string, len(brokers))
		for i, b := range brokers {
			rows[i] = []string{b.Host, strconv.Itoa(b.Port), strconv.FormatBool(b.TLS), b.Name}
		}
		a.out.Table([]string{"host", "port", "tls", "name"}, rows)
		a.out.Hint("use --quiet to get a value for --uri")
	}
	return nil
}

func brokerURI(b discovery.Broker) string {
	if b.TLS {
		return config.SchemeTLS + "://" + b.Addr()
	}
	return config.SchemePlain + "://" + b.Addr()
}
