package core

import (
	"bytes"
	"regexp"
)

// OutputNormalizer rewrites captured step output before it is stored in a layer.
type OutputNormalizer interface {
	Normalize(content []byte) []byte
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// LogNormalizer makes installer output readable when replayed from a layer.
//
// Package managers and pip redraw progress bars with carriage returns and
// colour them with ANSI escapes. Only the last redraw of each line is kept,
// escapes are dropped and CRLF becomes LF.
type LogNormalizer struct{}

// NewLogNormalizer creates a LogNormalizer.
func NewLogNormalizer() *LogNormalizer {
	return &LogNormalizer{}
}

func (n *LogNormalizer) Normalize(content []byte) []byte {
	if len(content) == 0 {
		return content
	}
	out := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	out = ansiEscape.ReplaceAll(out, nil)

	lines := bytes.Split(out, []byte("\n"))
	for i, line := range lines {
		if j := bytes.LastIndexByte(line, '\r'); j >= 0 {
			lines[i] = line[j+1:]
		}
	}
	return bytes.Join(lines, []byte("\n"))
}

// RawNormalizer keeps output byte-for-byte.
type RawNormalizer struct{}

func (RawNormalizer) Normalize(content []byte) []byte { return content }
