// Package sources tracks the source files that belong to a circuit, the
// content hash each one had when it was last synthesized, and whether the
// live editor text of a source still matches that hash.
package sources

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
)

// ErrNoSources is returned when synthesis is requested with no eligible
// tracked file.
var ErrNoSources = errors.New("no source file added for synthesis")

// ScriptExt is the extension of scripting-language files. Scripts are
// tracked like any other source but never fed to synthesis.
const ScriptExt = ".lua"

// IsScript reports whether locator names a script file.
func IsScript(locator string) bool {
	return strings.EqualFold(filepath.Ext(locator), ScriptExt)
}

// Hash returns the hex SHA-512 digest of content.
func Hash(content []byte) string {
	sum := sha512.Sum512(content)
	return hex.EncodeToString(sum[:])
}

// HashString is Hash for string content.
func HashString(content string) string {
	return Hash([]byte(content))
}

// Canonical returns the absolute, cleaned form of a locator. Locators are
// compared by this form.
func Canonical(locator string) string {
	if locator == "" {
		return ""
	}
	if !filepath.IsAbs(locator) {
		if abs, err := filepath.Abs(locator); err == nil {
			locator = abs
		}
	}
	return filepath.Clean(locator)
}

// Info is one entry of the source map.
type Info struct {
	Locator string
	// Hash is empty until the file has been synthesized.
	Hash string

	// match caches whether the live editor text hashes to Hash. nil means
	// unknown and is recomputed on the next lookup.
	match *bool
	// gen counts text changes, so a match computed from older text is not
	// cached.
	gen uint64
}

// SessionEntry is the session form of a source map entry.
type SessionEntry struct {
	Locator string `json:"uri"`
	Hash    string `json:"sha512"`
}

// DocumentEntry is the document form of a source map entry, with the
// locator relative to the circuit file's directory.
type DocumentEntry struct {
	RelPath string `json:"relpath"`
	Hash    string `json:"sha512"`
}

// FilesState is the session form of the file registry.
type FilesState struct {
	Circuit string   `json:"circuit_uri,omitempty"`
	Sources []string `json:"sources_uri"`
}

// ScriptState reports whether a tracked script is running.
type ScriptState struct {
	Locator string `json:"path"`
	Running bool   `json:"running"`
}

// Relative expresses locator relative to the directory of circuitPath. When
// circuitPath is empty, or the path cannot be made relative, locator is
// returned unchanged.
func Relative(circuitPath, locator string) string {
	if circuitPath == "" {
		return locator
	}
	rel, err := filepath.Rel(filepath.Dir(circuitPath), locator)
	if err != nil {
		return locator
	}
	return filepath.ToSlash(rel)
}

// Resolve is the inverse of Relative.
func Resolve(circuitPath, rel string) string {
	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) || circuitPath == "" {
		return Canonical(rel)
	}
	return Canonical(filepath.Join(filepath.Dir(circuitPath), rel))
}
