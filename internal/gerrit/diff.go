package gerrit

import (
	"fmt"
	"strings"
)

// FileDiff is the structured diff Gerrit returns for one file in a revision
// (GET .../files/{file}/diff). Content chunks appear in file order.
type FileDiff struct {
	DiffHeader []string    `json:"diff_header,omitempty"`
	Content    []DiffChunk `json:"content,omitempty"`
}

// DiffChunk is one element of a file diff. Exactly one shape is populated:
// Skip elides common lines, or any combination of AB (common), A (removed)
// and B (added) forms a hunk.
type DiffChunk struct {
	Skip int      `json:"skip,omitempty"`
	AB   []string `json:"ab,omitempty"`
	A    []string `json:"a,omitempty"`
	B    []string `json:"b,omitempty"`
}

// Render converts a structured diff into annotated unified-diff text for the
// analyzer. Each surviving line carries its new-side line number so the model
// can anchor inline comments; removed lines carry none, because Gerrit inline
// comments cannot target them.
func (d *FileDiff) Render() string {
	var out []string

	if len(d.DiffHeader) > 0 {
		out = append(out, strings.Join(d.DiffHeader, "\n"))
	}

	// Running counters: lineA tracks the old side, lineB the new side.
	lineA, lineB := 1, 1

	for _, chunk := range d.Content {
		switch {
		case chunk.Skip > 0:
			lineA += chunk.Skip
			lineB += chunk.Skip
			out = append(out, fmt.Sprintf("... skipped %d lines ...", chunk.Skip))

		case len(chunk.AB) > 0 || len(chunk.A) > 0 || len(chunk.B) > 0:
			lenA := len(chunk.AB) + len(chunk.A)
			lenB := len(chunk.AB) + len(chunk.B)
			out = append(out, fmt.Sprintf("@@ -%d,%d +%d,%d @@", lineA, lenA, lineB, lenB))

			for _, line := range chunk.AB {
				out = append(out, fmt.Sprintf(" %4d |  %s", lineB, line))
				lineA++
				lineB++
			}
			for _, line := range chunk.A {
				out = append(out, fmt.Sprintf("      | -%s", line))
				lineA++
			}
			for _, line := range chunk.B {
				out = append(out, fmt.Sprintf(" %4d | +%s", lineB, line))
				lineB++
			}
		}
	}

	return strings.Join(out, "\n")
}
