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
	"errors"
	"fmt"
	"sync"
	"time"

	"rmqstream/pkg/cli"
	"rmqstream/pkg/stream"
)

// printer writes consumed messages until a limit is reached.
type printer struct {
	a     *app
	raw   bool
	limit int

	mu      sync.Mutex
	printed int
	last    uint64
	done    chan struct{}
	once    sync.Once
	active  chan struct{}
}

func (p *printer) handle(msgs []stream.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if p.limit > 0 && p.printed >= p.limit {
			break
		}
		if p.raw {
			fmt.Fprintln(p.a.out.Out(), string(m.Data))
		} else {
			fmt.Fprintf(p.a.out.Out(), "%s %s\n", p.a.out.Paint(cli.Dim, fmt.Sprintf("[%d]", m.Offset)), m.Data)
		}
		p.printed++
		p.last = m.Offset
	}
	select {
	case p.active <- struct{}{}:
	default:
	}
	if p.limit > 0 && p.printed >= p.limit {
		p.once.Do(func() { close(p.done) })
	}
}

func (p *printer) position() (count int, last uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printed, p.last
}

func cmdConsume(ctx context.Context, a *app, args []string) error {
	var (
		from string
		opts stream.ConsumerOptions
		idle time.Duration
		p    = &printer{a: a, done: make(chan struct{}), active: make(chan struct{}, 1)}
	)
	fs := newFlagSet("consume")
	fs.StringVar(&from, "from", "next", "first, last, next, an offset, an RFC 3339 time or a duration ago")
	fs.IntVar(&p.limit, "count", 0, "stop after N messages")
	fs.StringVar(&opts.Reference, "reference", "", "consumer reference; resumes from and stores its offset")
	fs.BoolVar(&p.raw, "raw", false, "print payloads only")
	fs.DurationVar(&idle, "idle", 0, "stop after no message arrived for this long")
	positional, err := parseArgs(fs, args)
	if err != nil || len(positional) != 1 {
		return a.usage("consume <stream> [--from F] [--count N] [--reference R] [--raw] [--idle D]")
	}
	name := positional[0]
	if opts.Offset, err = parseOffset(from); err != nil {
		return err
	}

	return a.withEnvironment(ctx, func(env *stream.Environment) error {
		rctx, cancel := a.requestContext(ctx)
		defer cancel()
		if opts.Reference != "" {
			stored, err := env.QueryOffset(rctx, opts.Reference, name)
			switch {
			case err == nil:
				opts.Offset = stream.OffsetAt(stored + 1)
			case !errors.Is(err, stream.ErrNoOffset):
				return err
			}
		}

		c, err := env.NewConsumer(rctx, name, p.handle, opts)
		if err != nil {
			return err
		}
		err = p.wait(ctx, c, idle)
		closeErr := c.Close(context.Background())
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}

		count, last := p.position()
		if opts.Reference != "" && count > 0 {
			sctx, cancel := a.requestContext(context.Background())
			defer cancel()
			if err := env.StoreOffset(sctx, opts.Reference, name, last); err != nil {
				return err
			}
		}
		if !p.raw {
			a.out.Info("Consumed %d message(s) from %s", count, name)
		}
		return nil
	})
}

// wait blocks until the limit is reached, the consumer stops, ctx ends or
// the stream stays idle.
func (p *printer) wait(ctx context.Context, c *stream.Consumer, idle time.Duration) error {
	var idleC <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		idleC = timer.C
	}
	for {
		select {
		case <-p.done:
			return nil
		case <-c.Done():
			return c.Err()
		case <-ctx.Done():
			return nil
		case <-p.active:
			if timer != nil {
				timer.Reset(idle)
			}
		case <-idleC:
			return nil
		}
	}
}
