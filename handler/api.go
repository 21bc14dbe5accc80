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

// Package handler implements the HTTP surface: batch invocation and status
// polling plus analytics reads. Analytics responses use a common envelope;
// when a calculation was skipped the envelope carries available=false and the
// persisted data_quality payload instead of data.
package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/goccy/go-json"
	"github.com/sigmasight/ss-api/common"
)

// Envelope is the analytics response shape
type Envelope struct {
	Available   bool            `json:"available"`
	Data        interface{}     `json:"data"`
	DataQuality json.RawMessage `json:"data_quality,omitempty"`
}

// Ping responds to health checks with the running version
func Ping(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "version": common.CurrentVersion.String()})
}
