/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package version

// Version is set at build time via -ldflags.
var Version = "dev"
