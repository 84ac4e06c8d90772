package terminal

import "strings"

// deniedSequences are terminal control sequences that must never reach the
// PTY from a client. They target the emulator or the host rather than the
// shell: device control strings, application program commands, clipboard
// writes, and media-copy (printer) requests.
var deniedSequences = []struct {
	pattern string
	reason  string
}{
	{"\x1bP", "device control string"},
	{"\x1b_", "application program command"},
	{"\x1b]52;", "clipboard write"},
	{"\x1b[5i", "media copy on"},
	{"\x1b[4i", "media copy off"},
	{"\x1b[0i", "media copy screen"},
	{"\x1b[>", "device attributes request"},
	{"\x1bc", "full terminal reset"},
}

// ValidateInput checks an input payload against the control-sequence
// deny-list. A non-empty return names the rejected sequence.
func ValidateInput(data string) (reason string, ok bool) {
	for _, d := range deniedSequences {
		if strings.Contains(data, d.pattern) {
			return d.reason, false
		}
	}
	return "", true
}
