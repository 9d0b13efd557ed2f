package pipeline

import (
	"sort"
	"strings"
)

// Merge joins per-tile texts into one document in tile index order.
//
// Lines are right-trimmed, runs of blank lines collapse to one, and a line
// equal to the last non-blank output line is dropped; that is the line the
// tile overlap repeats at a seam. Only the immediately preceding line is
// compared, so content repeated elsewhere in the document survives.
//
// Tiles are separated by one blank line. When the first content line of a
// tile is the seam duplicate, the separator is dropped too: the overlap shows
// the text continues across the boundary.
//
// Tiles that are not completed contribute no text. Merge never fails and
// does not modify results.
func Merge(results []TileResult) string {
	ordered := make([]TileResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	m := merger{}
	for _, r := range ordered {
		text := ""
		if r.Status == StatusCompleted {
			text = r.Text
		}
		m.addTile(text)
	}
	return m.String()
}

type merger struct {
	lines        []string
	lastNonBlank string
	hasNonBlank  bool
	// separator owed between the previous tile and the next content line.
	separator bool
}

func (m *merger) addTile(text string) {
	atSeam := m.separator
	if text != "" {
		text = strings.ReplaceAll(text, "\r\n", "\n")
		// A final terminator ends the last line; it does not open a new one.
		text = strings.TrimSuffix(text, "\n")
		for _, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimRight(line, " \t\r\f\v")
			switch {
			case trimmed == "":
				m.blank()
			case m.hasNonBlank && trimmed == m.lastNonBlank:
				if atSeam && m.separator {
					m.separator = false
				}
			default:
				if m.separator {
					m.blank()
				}
				m.lines = append(m.lines, trimmed)
				m.lastNonBlank = trimmed
				m.hasNonBlank = true
			}
			atSeam = false
		}
	}
	if len(m.lines) > 0 {
		m.separator = true
	}
}

// blank appends one blank line unless the output is empty or already ends blank.
func (m *merger) blank() {
	m.separator = false
	if n := len(m.lines); n == 0 || m.lines[n-1] == "" {
		return
	}
	m.lines = append(m.lines, "")
}

func (m *merger) String() string {
	end := len(m.lines)
	for end > 0 && m.lines[end-1] == "" {
		end--
	}
	return strings.Join(m.lines[:end], "\n")
}
