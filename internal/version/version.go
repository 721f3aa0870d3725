// Package version defines devicelink version information and build metadata.
//
// CommitHash should be set using -ldflags during compilation.
package version

import (
	"fmt"
	"strings"
)

// CommitHash stores the current git commit hash of this build.
var CommitHash string

// semanticAlphabet is the allowed character set for pre-release strings.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

const (
	appMajor uint = 0
	appMinor uint = 3
	appPatch uint = 0

	// appPreRelease MUST only contain characters from semanticAlphabet.
	appPreRelease = ""
)

// Version returns the semantic version of this build.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if pre := normalize(appPreRelease); pre != "" {
		version += "-" + pre
	}
	return version
}

// RichVersion returns the version with the commit hash when one was linked in.
func RichVersion() string {
	hash := strings.TrimSpace(CommitHash)
	if hash == "" {
		return Version()
	}
	return fmt.Sprintf("%s commit_hash=%s", Version(), hash)
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(semanticAlphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
