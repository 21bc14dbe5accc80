// Copyright 2024-2025
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch_test

import (
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sigmasight/ss-api/batch"
)

var _ = Describe("Run tracker", func() {
	var tracker *batch.Tracker

	BeforeEach(func() {
		tracker = batch.NewTracker()
	})

	It("reports started runs as running", func() {
		id := uuid.New()
		tracker.Start(id, batch.SourceCron)

		run, ok := tracker.Get(id)
		Expect(ok).To(BeTrue())
		Expect(run.ID).To(Equal(id))
		Expect(run.Status).To(Equal(batch.StatusRunning))
		Expect(run.Source).To(Equal(batch.SourceCron))
	})

	It("does not know runs that never started", func() {
		_, ok := tracker.Get(uuid.New())
		Expect(ok).To(BeFalse())
	})

	It("applies updates through the mutator", func() {
		id := uuid.New()
		tracker.Start(id, batch.SourceAdmin)

		date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		tracker.Update(id, func(run *batch.TrackedRun) {
			run.CurrentDate = date
			run.Successful = 3
			run.Failed = 1
			run.Status = batch.StatusFailed
		})

		run, _ := tracker.Get(id)
		Expect(run.CurrentDate).To(Equal(date))
		Expect(run.Successful).To(Equal(3))
		Expect(run.Failed).To(Equal(1))
		Expect(run.Status).To(Equal(batch.StatusFailed))
	})

	It("ignores updates for unknown runs", func() {
		tracker.Update(uuid.New(), func(run *batch.TrackedRun) {
			run.Successful = 99
		})
		_, ok := tracker.Get(uuid.New())
		Expect(ok).To(BeFalse())
	})

	It("tolerates concurrent updates to the same run", func() {
		id := uuid.New()
		tracker.Start(id, batch.SourceOnboarding)

		var wg sync.WaitGroup
		for worker := 0; worker < 8; worker++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for iter := 0; iter < 100; iter++ {
					tracker.Update(id, func(run *batch.TrackedRun) {
						run.Successful++
					})
				}
			}()
		}
		wg.Wait()

		run, _ := tracker.Get(id)
		Expect(run.Successful).To(Equal(800))
	})
})
