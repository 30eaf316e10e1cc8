// Copyright 2024 The Rpcz Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	log "github.com/lyager/rpcz/logger"
	"sync/atomic"
)

// CountDownFuture completes exactly once: with the first error handed to
// CountDown, or with nil once the count reaches zero. Anything after the
// first completion is dropped, so a party failing late cannot complete the
// future a second time.
type CountDownFuture struct {
	count     int32
	completed atomic.Bool
	onDone    func(error)
}

func NewCountDownFuture(count int, onDone func(error)) *CountDownFuture {
	return &CountDownFuture{
		count:  int32(count),
		onDone: onDone,
	}
}

func (f *CountDownFuture) CountDown(err error) {
	if err != nil {
		if f.completed.CompareAndSwap(false, true) {
			f.onDone(err)
		} else {
			log.Debugf("countdown future already complete, dropping error %v", err)
		}
		return
	}
	n := atomic.AddInt32(&f.count, -1)
	if n < 0 {
		panic("countdown future counted down too many times")
	}
	if n == 0 && f.completed.CompareAndSwap(false, true) {
		f.onDone(nil)
	}
}
