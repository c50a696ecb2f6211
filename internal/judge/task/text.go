package task

import (
	"regexp"
	"strings"
)

// CompilerTextLimit caps each compiler output stream.
const CompilerTextLimit = 1024 * 1024

var (
	emptyText = regexp.MustCompile(`^[ \r\n\t]*$`)
	nixPath   = regexp.MustCompile(`/nix/store/[a-z0-9]{32}-`)
)

// CompilerText joins the non blank outputs of a compiler, each truncated
// to CompilerTextLimit bytes.
func CompilerText(stdout, stderr string) string {
	var parts []string
	for _, s := range []string{stdout, stderr} {
		if emptyText.MatchString(s) {
			continue
		}
		parts = append(parts, truncate(s, CompilerTextLimit))
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// do not cut a multi byte rune in half
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// RemoveNixPath shortens nix store paths in user visible text.
func RemoveNixPath(s string) string {
	return nixPath.ReplaceAllString(s, "/nix/")
}
