// Copyright 2024 The Authfleet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testclock

import (
	"context"
	"testing"
	"time"

	"github.com/authfleet/authfleet/common/clock"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTestClock(t *testing.T) {
	Convey("With a test clock in the context", t, func() {
		ctx := context.Background()
		ctx, tc := UseTime(ctx, TestTimeUTC)

		Convey("Now reads the injected clock", func() {
			So(clock.Now(ctx), ShouldEqual, TestTimeUTC)
			tc.Add(time.Minute)
			So(clock.Now(ctx), ShouldEqual, TestTimeUTC.Add(time.Minute))
		})

		Convey("Sleep advances the clock instead of blocking", func() {
			So(clock.Sleep(ctx, time.Hour), ShouldBeNil)
			So(clock.Now(ctx), ShouldEqual, TestTimeUTC.Add(time.Hour))
		})

		Convey("Sleep respects context cancellation", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			So(clock.Sleep(cctx, time.Hour), ShouldEqual, context.Canceled)
			So(clock.Now(ctx), ShouldEqual, TestTimeUTC)
		})

		Convey("Set can not go backwards", func() {
			tc.Set(TestTimeUTC.Add(time.Minute))
			So(func() { tc.Set(TestTimeUTC) }, ShouldPanic)
		})
	})
}
