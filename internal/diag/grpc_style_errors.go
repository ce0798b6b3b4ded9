// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package diag

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

// StreamErrorType categorizes a Transport/Session stream interruption.
type StreamErrorType int

const (
	StreamErrorUnknown StreamErrorType = iota
	StreamErrorNetwork
	StreamErrorKilled
	StreamErrorTimeout
	StreamErrorInternal
	StreamErrorUnavailable
)

// ParseStreamError categorizes a Transport/Session error message.
func ParseStreamError(errMsg string) StreamErrorType {
	lower := strings.ToLower(errMsg)

	switch {
	case strings.Contains(lower, "reset") || strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return StreamErrorNetwork
	case strings.Contains(lower, "killed") || strings.Contains(lower, "session_killed"):
		return StreamErrorKilled
	case strings.Contains(lower, "unavailable") || strings.Contains(lower, "no transport"):
		return StreamErrorUnavailable
	case strings.Contains(lower, "deadline") || strings.Contains(lower, "timeout"):
		return StreamErrorTimeout
	case strings.Contains(lower, "frame_error") || strings.Contains(lower, "internal"):
		return StreamErrorInternal
	default:
		return StreamErrorUnknown
	}
}

// FormatStreamError formats a Session/Transport interruption in a
// user-friendly way.
func FormatStreamError(errMsg string) string {
	errType := ParseStreamError(errMsg)

	var builder strings.Builder

	builder.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Session Lost"))
	builder.WriteString("\n\n")

	switch errType {
	case StreamErrorNetwork:
		builder.WriteString("The Transport carrying this Session was interrupted unexpectedly.\n")
		builder.WriteString("This usually happens when:\n")
		builder.WriteString("  • The TCP connection to the storage node was reset\n")
		builder.WriteString("  • A firewall or proxy closed the connection\n")
		builder.WriteString("  • The storage node process restarted\n")

	case StreamErrorKilled:
		builder.WriteString("The Session was killed, either by this client or another connection.\n")
		builder.WriteString("This could mean:\n")
		builder.WriteString("  • A KILL request targeted this Session's id\n")
		builder.WriteString("  • The Pool reaped an idle Session that was still in use\n")

	case StreamErrorUnavailable:
		builder.WriteString("No Transport is currently available for this Target.\n")
		builder.WriteString("Possible reasons:\n")
		builder.WriteString("  • Every Transport for the Target failed and has not reconnected\n")
		builder.WriteString("  • The storage node is unreachable\n")

	case StreamErrorTimeout:
		builder.WriteString("The request to the storage node timed out.\n")
		builder.WriteString("This could be due to:\n")
		builder.WriteString("  • Slow or unstable network path\n")
		builder.WriteString("  • The storage node taking too long to respond\n")
		builder.WriteString("  • networkTimeoutNanos being too aggressive\n")

	case StreamErrorInternal:
		builder.WriteString("The wire protocol reported an internal error.\n")
		builder.WriteString("This could mean:\n")
		builder.WriteString("  • A malformed frame was received from the storage node\n")
		builder.WriteString("  • The storage node hit an unexpected condition\n")

	default:
		builder.WriteString("The Session was interrupted.\n")
		builder.WriteString("This could mean:\n")
		builder.WriteString("  • The underlying Transport connection dropped\n")
		builder.WriteString("  • The storage node is restarting or under maintenance\n")
	}

	builder.WriteString("\n")
	builder.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Acquire a new Handle and retry the request"))
	builder.WriteString("\n")

	if strings.TrimSpace(errMsg) != "" {
		builder.WriteString("\n")
		builder.WriteString(pterm.NewStyle(pterm.FgGray).Sprint("Technical details: " + errMsg))
	}

	return builder.String()
}

// PresentStreamError displays a formatted Session/Transport error.
func PresentStreamError(errMsg string) {
	fmt.Println()
	fmt.Println(FormatStreamError(errMsg))
	fmt.Println()
}
