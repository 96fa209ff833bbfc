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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"rmqstream/pkg/stream"
)

func cmdStreams(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return a.usage("streams <create|delete|describe> <name>")
	}
	switch args[0] {
	case "create":
		return cmdStreamsCreate(ctx, a, args[1:])
	case "delete", "rm":
		return cmdStreamsDelete(ctx, a, args[1:])
	case "describe", "info":
		return cmdStreamsDescribe(ctx, a, args[1:])
	default:
		return a.usage("streams <create|delete|describe> <name>")
	}
}

func cmdStreamsCreate(ctx context.Context, a *app, args []string) error {
	var opts stream.StreamOptions
	fs := newFlagSet("streams create")
	fs.DurationVar(&opts.MaxAge, "max-age", 0, "retention by age")
	fs.Int64Var(&opts.MaxLengthBytes, "max-bytes", 0, "retention by size")
	fs.Int64Var(&opts.MaxSegmentSizeBytes, "segment-bytes", 0, "segment size")
	fs.StringVar(&opts.LeaderLocator, "locator", "", "client-local, balanced, least-leaders or random")
	names, err := parseArgs(fs, args)
	if err != nil || len(names) != 1 {
		return a.usage("streams create <name> [--max-age D] [--max-bytes N] [--segment-bytes N] [--locator L]")
	}

	return a.withEnvironment(ctx, func(env *stream.Environment) error {
		rctx, cancel := a.requestContext(ctx)
		defer cancel()
		if err := env.CreateStream(rctx, names[0], opts); err != nil {
			return err
		}
		a.out.Success("Stream %s ready", names[0])
		return nil
	})
}

func cmdStreamsDelete(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return a.usage("streams delete <name>")
	}
	return a.withEnvironment(ctx, func(env *stream.Environment) error {
		rctx, cancel := a.requestContext(ctx)
		defer cancel()
		if err := env.DeleteStream(rctx, args[0]); err != nil {
			return err
		}
		a.out.Success("Stream %s deleted", args[0])
		return nil
	})
}

func cmdStreamsDescribe(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return a.usage("streams describe <name>...")
	}
	return a.withEnvironment(ctx, func(env *stream.Environment) error {
		rctx, cancel := a.requestContext(ctx)
		defer cancel()
		md, err := env.QueryMetadata(rctx, args...)
		if err != nil {
			return err
		}

		for i, name := range args {
			if i > 0 {
				fmt.Fprintln(a.out.Out())
			}
			t := md[name]
			a.out.Header(name)
			if t.Code != stream.CodeOK {
				a.out.Warning("%v", stream.CodeError(t.Code))
				continue
			}
			a.out.KeyValue("leader", t.Leader.Addr())
			replicas := make([]string, 0, len(t.Replicas))
			for _, r := range t.Replicas {
				replicas = append(replicas, r.Addr())
			}
			a.out.KeyValue("replicas", strings.Join(replicas, ", "))

			stats, err := env.StreamStats(rctx, name)
			if err != nil {
				a.out.Warning("stats unavailable: %v", err)
				continue
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				a.out.KeyValue(k, stats[k])
			}
		}
		return nil
	})
}

// parseOffset parses the --from value of consume.
func parseOffset(s string) (stream.OffsetSpec, error) {
	switch s {
	case "first":
		return stream.OffsetFirst(), nil
	case "last":
		return stream.OffsetLast(), nil
	case "next", "":
		return stream.OffsetNext(), nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return stream.OffsetAt(n), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return stream.OffsetTimestamp(t), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return stream.OffsetTimestamp(time.Now().Add(-d)), nil
	}
	return stream.OffsetSpec{}, fmt.Errorf("invalid offset %q: want first, last, next, a number, an RFC 3339 time or a duration", s)
}
