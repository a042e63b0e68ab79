// Package dist builds distribution metadata for release packaging: the
// package version extracted from a marker line in a named file, the
// README embedded verbatim as the long description, and the dependency
// list read from go.mod.
package dist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultMarker is the version assignment marker scanned for in the
// version file.
const DefaultMarker = "VERSION"

// ErrNoVersion is returned when the version file contains no line
// beginning with the marker. Packaging must fail before producing any
// artifact in that case.
var ErrNoVersion = errors.New("version marker not found")

// ExtractVersion scans r line by line for the first line beginning with
// marker and returns the quoted literal assigned on that line, e.g.
//
//	VERSION = "1.2.0"
//
// yields "1.2.0". The marker must start at column zero. Both single and
// double quotes are accepted. Returns ErrNoVersion when no marker line
// exists, and a parse error when the marker line carries no quoted
// literal.
func ExtractVersion(r io.Reader, marker string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, marker) {
			continue
		}

		rest := strings.TrimSpace(strings.TrimPrefix(line, marker))
		rest, ok := strings.CutPrefix(rest, "=")
		if !ok {
			continue // marker prefix but not an assignment (e.g. VERSIONS)
		}
		rest = strings.TrimSpace(rest)

		version, err := unquote(rest)
		if err != nil {
			return "", fmt.Errorf("version line %q: %w", line, err)
		}
		if version == "" {
			return "", fmt.Errorf("version line %q: empty version", line)
		}
		return version, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan version file: %w", err)
	}
	return "", ErrNoVersion
}

// ReadVersionFile extracts the version from the named file.
func ReadVersionFile(path, marker string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open version file: %w", err)
	}
	defer f.Close()

	version, err := ExtractVersion(f, marker)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return version, nil
}

// unquote strips one level of matching single or double quotes.
func unquote(s string) (string, error) {
	if len(s) < 2 {
		return "", errors.New("expected quoted literal")
	}
	q := s[0]
	if q != '\'' && q != '"' {
		return "", errors.New("expected quoted literal")
	}
	if s[len(s)-1] != q {
		return "", errors.New("unterminated quoted literal")
	}
	return s[1 : len(s)-1], nil
}
