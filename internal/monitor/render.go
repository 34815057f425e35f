package monitor

import (
	"strings"
)

// Render draws one row per identifier, oldest column first. Seen ticks are
// '#', quiet ticks '.'.
func (s Snapshot) Render() []string {
	rows := make([]string, len(s.IDs))
	width := len(s.Columns)
	for r, id := range s.IDs {
		var b strings.Builder
		b.WriteString(id.Hex())
		b.WriteByte(' ')
		for i := 0; i < width; i++ {
			col := s.Columns[(s.Cursor+i)%width]
			if r < len(col) && col[r] {
				b.WriteByte('#')
			} else {
				b.WriteByte('.')
			}
		}
		rows[r] = b.String()
	}
	return rows
}
