// Package compare implements deterministic output comparison.
package compare

import (
	"bytes"
	"strings"

	appErr "autograder/pkg/errors"
)

// Mode selects how expected and actual output are compared.
type Mode string

const (
	// ModeExact requires a byte-identical match.
	ModeExact Mode = "exact"
	// ModeNormalized ignores leading/trailing whitespace per line,
	// normalizes line endings and drops trailing blank lines.
	ModeNormalized Mode = "normalized"
)

// ParseMode validates a comparison mode string. An empty string maps
// to ModeExact so that suite manifests may omit the field.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case "":
		return ModeExact, nil
	case ModeExact, ModeNormalized:
		return Mode(raw), nil
	default:
		return "", appErr.Newf(appErr.InvalidParams, "unsupported compare mode: %s", raw)
	}
}

// Equal reports whether actual matches expected under the given mode.
// It is pure and side-effect free.
func Equal(expected, actual []byte, mode Mode) bool {
	switch mode {
	case ModeNormalized:
		return normalize(expected) == normalize(actual)
	default:
		return bytes.Equal(expected, actual)
	}
}

func normalize(data []byte) string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
