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
	"sync"

	"rmqstream/internal/logging"
)

// callbackQueue runs application callbacks in FIFO order on one worker
// goroutine so that connection read loops never wait on user code. push
// never blocks.
type callbackQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
	events *logging.ConnectionLogger
}

func newCallbackQueue(logger *logging.Logger) *callbackQueue {
	q := &callbackQueue{
		done:   make(chan struct{}),
		events: logging.NewConnectionLogger(logger),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
}

func (q *callbackQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.call(fn)
	}
}

func (q *callbackQueue) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.events.LogRecovery(r, "callback")
		}
	}()
	fn()
}

// close stops accepting callbacks and waits until the queued ones have run.
// It must not be called from inside a callback.
func (q *callbackQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
