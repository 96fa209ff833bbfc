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
	"strconv"

	"rmqstream/pkg/stream"
)

func cmdOffset(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return a.usage("offset <query|store> <reference> <stream> [offset]")
	}
	switch {
	case args[0] == "query" && len(args) == 3:
		return a.withEnvironment(ctx, func(env *stream.Environment) error {
			rctx, cancel := a.requestContext(ctx)
			defer cancel()
			off, err := env.QueryOffset(rctx, args[1], args[2])
			if err != nil {
				return err
			}
			a.out.KeyValue(args[1]+"@"+args[2], off)
			return nil
		})
	case args[0] == "store" && len(args) == 4:
		off, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return a.usage("offset store <reference> <stream> <offset>")
		}
		return a.withEnvironment(ctx, func(env *stream.Environment) error {
			rctx, cancel := a.requestContext(ctx)
			defer cancel()
			if err := env.StoreOffset(rctx, args[1], args[2], off); err != nil {
				return err
			}
			a.out.Success("Stored offset %d for %s on %s", off, args[1], args[2])
			return nil
		})
	default:
		return a.usage("offset <query|store> <reference> <stream> [offset]")
	}
}
