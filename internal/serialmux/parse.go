package serialmux

import "strings"

const (
	LineTypeRange   = "range"
	LineTypeAck     = "ack"
	LineTypeError   = "error"
	LineTypeBanner  = "banner"
	LineTypeUnknown = "unknown"
)

// ClassifyLine inspects a line from either board and returns a simple type
// token. Range lines start with "R,"; the motor board answers each command
// with a line containing OK or ERR and greets with "READY" after reset.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "R,"):
		return LineTypeRange
	case strings.HasPrefix(line, "ERR"):
		return LineTypeError
	case strings.Contains(line, "OK"):
		return LineTypeAck
	case strings.HasPrefix(line, "READY"):
		return LineTypeBanner
	default:
		return LineTypeUnknown
	}
}

// IsAck reports whether line acknowledges or rejects a command.
func IsAck(line string) bool {
	switch ClassifyLine(line) {
	case LineTypeAck, LineTypeError:
		return true
	}
	return false
}
