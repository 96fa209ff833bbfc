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
	"bufio"
	"context"
	"fmt"
	"sync/atomic"

	"rmqstream/internal/compression"
	"rmqstream/pkg/stream"
)

func cmdPublish(ctx context.Context, a *app, args []string) error {
	var (
		opts      stream.ProducerOptions
		codecName string
	)
	fs := newFlagSet("publish")
	fs.StringVar(&opts.Reference, "reference", "", "producer reference for deduplication")
	fs.IntVar(&opts.BatchSize, "batch", 0, "messages per publish frame")
	fs.IntVar(&opts.SubEntrySize, "sub-entry", 0, "messages per compressed sub-entry")
	fs.StringVar(&codecName, "compression", "none", "none, gzip, snappy, lz4 or zstd")
	positional, err := parseArgs(fs, args)
	if err != nil || len(positional) == 0 {
		return a.usage("publish <stream> [message]... [--reference R] [--batch N] [--sub-entry N --compression C]")
	}
	if opts.Compression, err = compression.ParseType(codecName); err != nil {
		return err
	}
	name, messages := positional[0], positional[1:]
	if len(messages) == 0 {
		scanner := bufio.NewScanner(a.stdin)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			messages = append(messages, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	var confirmed, rejected, undetermined atomic.Int64
	opts.ConfirmHandler = func(ids []uint64) { confirmed.Add(int64(len(ids))) }
	opts.ErrorHandler = func(errs []stream.PublishError) {
		rejected.Add(int64(len(errs)))
		for _, e := range errs {
			a.out.Error("message %d rejected: %v", e.PublishingID, e.Err)
		}
	}
	opts.UndeterminedHandler = func(ids []uint64, err error) { undetermined.Add(int64(len(ids))) }

	return a.withEnvironment(ctx, func(env *stream.Environment) error {
		rctx, cancel := a.requestContext(ctx)
		defer cancel()
		p, err := env.NewProducer(rctx, name, opts)
		if err != nil {
			return err
		}

		next := uint64(1)
		if opts.Reference != "" {
			last, err := p.LastPublishingID(rctx)
			if err != nil {
				p.Close(rctx)
				return err
			}
			next = last + 1
		}
		for i, msg := range messages {
			if err := p.Publish(next+uint64(i), []byte(msg)); err != nil {
				p.Close(rctx)
				return err
			}
		}
		cctx, cancelClose := a.requestContext(context.Background())
		defer cancelClose()
		if err := p.Close(cctx); err != nil {
			return err
		}

		if n := rejected.Load() + undetermined.Load(); n > 0 {
			return fmt.Errorf("%d of %d message(s) not confirmed", n, len(messages))
		}
		a.out.Success("Published %d message(s) to %s", confirmed.Load(), name)
		return nil
	})
}
