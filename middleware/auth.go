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

package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// InviteCode gates the beta API behind a single shared invite code. The
// comparison is upper-cased and whitespace-trimmed on both sides; an empty
// configured code disables the gate.
func InviteCode() fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := strings.ToUpper(strings.TrimSpace(viper.GetString("auth.invite_code")))
		if expected == "" {
			return c.Next()
		}

		presented := c.Get("X-Invite-Code")
		if presented == "" {
			presented = c.Query("invite_code")
		}
		presented = strings.ToUpper(strings.TrimSpace(presented))

		if presented != expected {
			log.Warn().Str("IP", c.IP()).Str("Path", c.Path()).Msg("invalid invite code")
			return c.Status(fiber.StatusUnauthorized).
				JSON(fiber.Map{"status": "error", "message": "invalid invite code", "data": nil})
		}
		return c.Next()
	}
}
