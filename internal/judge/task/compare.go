package task

import (
	"bytes"
)

// sameOutput compares program output with the answer, ignoring trailing
// whitespace on each line and trailing blank lines.
func sameOutput(got, want []byte) bool {
	g := normalizeLines(got)
	w := normalizeLines(want)
	if len(g) != len(w) {
		return false
	}
	for i := range g {
		if !bytes.Equal(g[i], w[i]) {
			return false
		}
	}
	return true
}

func normalizeLines(b []byte) [][]byte {
	lines := bytes.Split(bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n")), []byte("\n"))
	for i, l := range lines {
		lines[i] = bytes.TrimRight(l, " \t\r")
	}
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
