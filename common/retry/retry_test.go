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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/authfleet/authfleet/common/clock/testclock"
	"github.com/authfleet/authfleet/common/errors"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRetry(t *testing.T) {
	Convey("With a test clock", t, func() {
		ctx := context.Background()
		ctx, tc := testclock.UseTime(ctx, testclock.TestTimeUTC)

		errFail := errors.New("fail")

		Convey("Returns nil on the first success", func() {
			calls := 0
			err := Retry(ctx, Default, func() error {
				calls++
				return nil
			}, nil)
			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 1)
		})

		Convey("Retries until success", func() {
			calls := 0
			err := Retry(ctx, Default, func() error {
				calls++
				if calls < 3 {
					return errFail
				}
				return nil
			}, nil)
			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 3)
		})

		Convey("Gives up after the retry budget", func() {
			calls := 0
			err := Retry(ctx, Default, func() error {
				calls++
				return errFail
			}, nil)
			So(err, ShouldEqual, errFail)
			So(calls, ShouldEqual, 4) // the first attempt plus 3 retries
		})

		Convey("A nil factory means a single attempt", func() {
			calls := 0
			err := Retry(ctx, nil, func() error {
				calls++
				return errFail
			}, nil)
			So(err, ShouldEqual, errFail)
			So(calls, ShouldEqual, 1)
		})

		Convey("The callback observes each sleep", func() {
			var waits []time.Duration
			Retry(ctx, Default, func() error { return errFail }, func(err error, wait time.Duration) {
				So(err, ShouldEqual, errFail)
				waits = append(waits, wait)
			})
			So(waits, ShouldResemble, []time.Duration{
				50 * time.Millisecond,
				100 * time.Millisecond,
				200 * time.Millisecond,
			})
		})

		Convey("A canceled context stops the loop", func() {
			cctx, cancel := context.WithCancel(ctx)
			calls := 0
			err := Retry(cctx, Default, func() error {
				calls++
				cancel()
				return errFail
			}, nil)
			So(err, ShouldEqual, errFail)
			So(calls, ShouldEqual, 1)
		})

		Convey("The test clock advances instead of sleeping", func() {
			start := tc.Now()
			Retry(ctx, Default, func() error { return errFail }, nil)
			So(tc.Now().Sub(start), ShouldEqual, 350*time.Millisecond)
		})
	})
}

func TestExponentialBackoff(t *testing.T) {
	Convey("ExponentialBackoff caps at MaxDelay", t, func() {
		ctx := context.Background()
		it := &ExponentialBackoff{
			Limited:  Limited{Delay: time.Second, Retries: 5},
			MaxDelay: 3 * time.Second,
		}
		err := errors.New("boom")
		var waits []time.Duration
		for {
			d := it.Next(ctx, err)
			if d == Stop {
				break
			}
			waits = append(waits, d)
		}
		So(waits, ShouldResemble, []time.Duration{
			time.Second,
			2 * time.Second,
			3 * time.Second,
			3 * time.Second,
			3 * time.Second,
		})
	})
}
