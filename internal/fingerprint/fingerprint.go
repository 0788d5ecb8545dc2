// Package fingerprint derives stable identities for errors from their class,
// normalized message, and source location.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	separator        = "|"
	maxMessageLength = 1000
)

// Normalization regexes compiled once at package init.
//
// The rules are deliberately lossy: two messages that differ only in embedded
// numbers (status codes, counts, ids) collapse to one fingerprint. Stability of
// grouping is preferred over granularity.
var (
	reObjectInspect = regexp.MustCompile(`#<[^>]*:0x[0-9a-fA-F]+[^>]*>`)
	reUUID          = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	reHexID         = regexp.MustCompile(`(?i)\b[0-9a-f]{24}\b`)
	reIDAssign      = regexp.MustCompile(`\bid=\d+`)
	reInteger       = regexp.MustCompile(`\b\d+\b`)
)

// Frame shapes seen in backtraces:
//
//	/app/models/user.rb:42:in `find'
//	/app/internal/store/postgres.go:118 github.com/acme/app/internal/store.(*PostgresStore).Get
//	/app/main.go:12
var reFrame = regexp.MustCompile("^\\s*(.+?):(\\d+)(?::in [`'](.*)'|\\s+(\\S.*))?\\s*$")

// DependencyMarkers identify frames that belong to third-party code.
var DependencyMarkers = []string{
	"/vendor/",
	"/pkg/mod/",
	"/gems/",
	"/node_modules/",
	"/site-packages/",
	"/go/src/runtime/",
	"/libexec/src/",
}

// Location is the source position an error is attributed to.
// Zero fields mean the frame could not be parsed.
type Location struct {
	FilePath   string
	LineNumber int
	MethodName string
}

// IsZero reports whether no location information is present.
func (l Location) IsZero() bool {
	return l.FilePath == "" && l.LineNumber == 0 && l.MethodName == ""
}

// SanitizeMessage replaces volatile tokens in an error message with placeholders.
// Integers are replaced last so that digit runs inside UUIDs and hex ids do not
// break those patterns first.
func SanitizeMessage(msg string) string {
	msg = reObjectInspect.ReplaceAllString(msg, "#<OBJECT>")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reHexID.ReplaceAllString(msg, "ID")
	msg = reIDAssign.ReplaceAllString(msg, "id=N")
	msg = reInteger.ReplaceAllString(msg, "N")
	msg = strings.TrimSpace(msg)
	return truncateString(msg, maxMessageLength)
}

// ExtractLocation picks the first backtrace frame inside appRoot that is not in a
// dependency directory, falling back to the first frame. An empty appRoot accepts
// every non-dependency frame.
func ExtractLocation(backtrace []string, appRoot string) Location {
	if len(backtrace) == 0 {
		return Location{}
	}

	frame := backtrace[0]
	for _, f := range backtrace {
		if isApplicationFrame(f, appRoot) {
			frame = f
			break
		}
	}

	loc := ParseFrame(frame)
	loc.FilePath = relativePath(loc.FilePath, appRoot)
	return loc
}

// ParseFrame splits a frame string into file, line, and method. Frames that do not
// match any known shape return a zero Location.
func ParseFrame(frame string) Location {
	m := reFrame.FindStringSubmatch(frame)
	if m == nil {
		return Location{}
	}
	line, err := strconv.Atoi(m[2])
	if err != nil {
		return Location{}
	}
	method := m[3]
	if method == "" {
		method = m[4]
	}
	return Location{
		FilePath:   m[1],
		LineNumber: line,
		MethodName: strings.TrimSpace(method),
	}
}

// Fingerprint returns the hex SHA-256 digest identifying an error group.
func Fingerprint(exceptionClass, message string, loc Location, extra ...string) string {
	parts := []string{
		exceptionClass,
		SanitizeMessage(message),
		loc.FilePath,
	}
	if loc.LineNumber > 0 {
		parts = append(parts, strconv.Itoa(loc.LineNumber))
	} else {
		parts = append(parts, "")
	}
	parts = append(parts, extra...)

	hash := sha256.Sum256([]byte(strings.Join(parts, separator)))
	return fmt.Sprintf("%x", hash)
}

func isApplicationFrame(frame, appRoot string) bool {
	for _, marker := range DependencyMarkers {
		if strings.Contains(frame, marker) {
			return false
		}
	}
	if appRoot == "" {
		return true
	}
	path := strings.TrimSpace(frame)
	root := strings.TrimRight(appRoot, string(filepath.Separator)+"/") + string(filepath.Separator)
	return strings.HasPrefix(path, root) || !filepath.IsAbs(path)
}

func relativePath(path, appRoot string) string {
	if appRoot == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(appRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
