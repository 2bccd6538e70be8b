package ingest

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Messages stored on failed runs when no better text exists.
const (
	FallbackError = "Test command failed"
	CanceledError = "Canceled by user"
)

var (
	npmNotice    = regexp.MustCompile(`(?i)^npm notice\b`)
	npmMajorNote = regexp.MustCompile(`(?i)New major version of npm available!`)
)

// CleanRunnerError strips ANSI sequences from runner stderr and drops blank
// lines and npm update notices. It returns "" when nothing is left.
func CleanRunnerError(stderr string) string {
	lines := strings.Split(strings.ReplaceAll(ansi.Strip(stderr), "\r\n", "\n"), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || npmNotice.MatchString(line) || npmMajorNote.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// RunError is the message stored on a failed run for the given stderr.
func RunError(stderr string) string {
	if msg := CleanRunnerError(stderr); msg != "" {
		return msg
	}
	return FallbackError
}

// SanitizeMessage prepares an arbitrary error message for storage.
func SanitizeMessage(msg string) string {
	return strings.TrimSpace(ansi.Strip(msg))
}
