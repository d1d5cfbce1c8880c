// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proctest

// cleanup is a scoped clean-up action that runs at most once: either when Run
// gets called (typically deferred), or when the action has been taken over
// using Release and then gets called by its new owner. The lifecycle harness
// uses one cleanup for killing its child and a second, independent one for
// reaping it, so that an already taken step never runs redundantly, whereas
// steps not yet taken when unwinding are still guaranteed to run.
type cleanup struct {
	fn func()
}

// newCleanup returns a new armed cleanup for the passed action.
func newCleanup(fn func()) *cleanup {
	return &cleanup{fn: fn}
}

// Run runs the clean-up action unless it has already run or been released.
func (c *cleanup) Run() {
	fn := c.fn
	c.fn = nil
	if fn != nil {
		fn()
	}
}

// Release disarms this cleanup and hands the action over to the caller, who
// becomes responsible for running it. Releasing an already disarmed cleanup
// returns a no-op function.
func (c *cleanup) Release() func() {
	fn := c.fn
	c.fn = nil
	if fn == nil {
		return func() {}
	}
	return fn
}
