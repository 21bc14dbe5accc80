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

package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrackedRun is the in-memory view of a run for sub-second status polling.
// The persisted HistoryRecord is authoritative; the tracker only avoids a DB
// round trip for the UI.
type TrackedRun struct {
	ID          uuid.UUID
	Status      string
	Source      string
	StartedAt   time.Time
	CurrentDate time.Time
	TotalJobs   int
	Successful  int
	Failed      int
}

// Tracker holds the live state of recent runs
type Tracker struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]TrackedRun
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[uuid.UUID]TrackedRun)}
}

func (t *Tracker) Start(id uuid.UUID, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[id] = TrackedRun{
		ID:        id,
		Status:    StatusRunning,
		Source:    source,
		StartedAt: time.Now().UTC(),
	}
}

// Update mutates the live run through fn while holding the lock
func (t *Tracker) Update(id uuid.UUID, fn func(*TrackedRun)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[id]
	if !ok {
		return
	}
	fn(&run)
	t.runs[id] = run
}

// Get returns a copy of the live run state
func (t *Tracker) Get(id uuid.UUID) (TrackedRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[id]
	return run, ok
}
