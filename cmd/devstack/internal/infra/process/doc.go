// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package process provides low-level process utilities for the devstack CLI:
// a command runner with captured stdout/stderr and exit codes, and an
// flock-based lock that keeps two manage-devstack instances from mutating
// the stack at the same time.
package process
