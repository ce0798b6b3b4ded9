// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package diag

import "github.com/pterm/pterm"

// WarnTrxLeak logs a Session found with an open transaction at release
// time, together with the stack captured when it was acquired
// (internal/pool's enableTrxLeakCheck). This never fails the release.
func WarnTrxLeak(sessionID uint32, acquireStack string) {
	pterm.Warning.Printf("transaction leak: session %d released with an open transaction\nacquired at:\n%s\n", sessionID, acquireStack)
}
