package prediction

import (
	"path/filepath"
	"strings"
)

const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-"

// SanitizeFilename keeps the base name of a client supplied filename and
// drops every character outside [A-Za-z0-9._-].
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(safeChars, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// extension returns the lower-cased extension without its dot.
func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
