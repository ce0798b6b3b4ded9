// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package diag presents driver errors (transport/timeout/acquire) to a
// human, and provides a terminal live-redraw helper for pool statistics.
// It is a pure presentation layer: nothing here changes driver behavior.
package diag

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// FormatNetworkError converts a TransportError/Timeout/AcquireTimeout into
// a user-friendly message describing what likely went wrong talking to a
// storage-node Target, and returns a wrapped error for logging.
func FormatNetworkError(err error, context string) error {
	if err == nil {
		return nil
	}
	displayErrorMessage(err, context)
	return fmt.Errorf("network error: %w", err)
}

func displayErrorMessage(err error, context string) {
	switch {
	case xerrors.Is(err, xerrors.AcquireTimeout):
		showAcquireTimeout(context)
	case isTimeoutError(err):
		showTimeoutError(context)
	case isDNSError(err):
		showDNSError(context)
	case isConnectionRefusedError(err):
		showConnectionRefusedError(context)
	default:
		showGenericError(context, err.Error())
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isConnectionRefusedError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNREFUSED)
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

func showAcquireTimeout(context string) {
	pterm.Printf("⏱️  Pool exhausted while %s\n", context)
	pterm.Println()
	pterm.Println("Every Transport/Session slot for this Target is in use. This could mean:")
	pterm.Println("  • maxTransportsPerTarget/maxSessionsPerTransport are too low for the load")
	pterm.Println("  • Callers are not closing Handles promptly")
	pterm.Println("  • acquireTimeoutNanos is too short for current load")
	pterm.Println()
}

func showTimeoutError(context string) {
	pterm.Printf("⏱️  Network timeout while %s\n", context)
	pterm.Println()
	pterm.Println("The storage node took too long to respond. This could mean:")
	pterm.Println("  • Slow or congested network path to the Target")
	pterm.Println("  • The storage node is under heavy load")
	pterm.Println("  • networkTimeoutNanos is too aggressive for this workload")
	pterm.Println()
}

func showDNSError(context string) {
	pterm.Printf("🌐 Cannot resolve Target host while %s\n", context)
	pterm.Println()
	pterm.Println("Unable to look up the storage node's address. Please check:")
	pterm.Println("  • The Target host in the DSN is spelled correctly")
	pterm.Println("  • DNS settings are correct")
	pterm.Println()
}

func showConnectionRefusedError(context string) {
	pterm.Printf("🚫 Connection refused while %s\n", context)
	pterm.Println()
	pterm.Println("The storage node is not accepting connections. This could mean:")
	pterm.Println("  • The storage node process is down")
	pterm.Println("  • A firewall is blocking the connection")
	pterm.Println("  • Wrong host or port in the Target DSN")
	pterm.Println()
}

func showGenericError(context string, errDetails string) {
	pterm.Printf("❌ Transport failure while %s\n", context)
	pterm.Println()
	pterm.Println("Please check:")
	pterm.Println("  • Network connectivity to the Target")
	pterm.Println("  • Firewall settings on the path to the storage node")
	pterm.Println()
	if errDetails != "" {
		shortErr := errDetails
		if len(shortErr) > 100 {
			shortErr = shortErr[:100] + "..."
		}
		pterm.Debug.Printf("Technical details: %s\n", shortErr)
		pterm.Println()
	}
}
