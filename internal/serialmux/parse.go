package serialmux

import "strings"

// Line classes emitted by the controller.
const (
	LineSensor  = "sensor"
	LineAck     = "ack"
	LineError   = "error"
	LineUnknown = "unknown"
)

// ClassifyLine returns the class of one controller line: JSON sensor
// reports, "OK" acknowledgements and "ERR ..." failures.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "{"):
		return LineSensor
	case line == "OK" || strings.HasPrefix(line, "OK "):
		return LineAck
	case strings.HasPrefix(line, "ERR"):
		return LineError
	}
	return LineUnknown
}
