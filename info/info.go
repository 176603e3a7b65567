// Package info provides helpers for picking apart the info lines returned
// by the modem in response to AT commands.
package info

import "strings"

// HasPrefix reports whether the line carries the info prefix for the command.
func HasPrefix(line, cmd string) bool {
	return strings.HasPrefix(line, cmd+":")
}

// TrimPrefix strips the command's info prefix, if present, along with any
// space following it.
func TrimPrefix(line, cmd string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, cmd+":"), " ")
}

// IsHex returns true if the line consists solely of uppercase hexadecimal
// digits, as contained in PDU lines returned by AT+CMGR and AT+CMGL.
func IsHex(line string) bool {
	if len(line) == 0 {
		return false
	}
	for _, c := range line {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// Unquote removes any double quotes surrounding a field from an info line.
func Unquote(field string) string {
	return strings.Trim(field, "\"")
}
