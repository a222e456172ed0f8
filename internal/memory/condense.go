package memory

import "strings"

const (
	maxSummaryLen = 500
	maxKeyPoints  = 10
)

// Condense derives a naive summary from the textual items of a conversation
// and stores it as the condensed memory. Requests become key points; the
// summary is the most recent textual content, truncated.
func (s *Store) Condense(id string) (Condensed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return Condensed{}, false
	}

	all := make([]Item, 0, len(t.long)+len(t.short))
	all = append(all, t.long...)
	all = append(all, t.short...)

	var points []string
	for _, it := range all {
		if text, ok := it.Text(); ok && it.Type == TypeRequest && strings.TrimSpace(text) != "" {
			points = append(points, firstLine(text))
		}
	}
	if len(points) > maxKeyPoints {
		points = points[len(points)-maxKeyPoints:]
	}

	var summary string
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Type == TypeResponseChunk || all[i].Type == TypeLegacyResponseChunk {
			continue
		}
		if text, ok := all[i].Text(); ok && strings.TrimSpace(text) != "" {
			summary = strings.TrimSpace(text)
			break
		}
	}
	if len(summary) > maxSummaryLen {
		summary = strings.ToValidUTF8(summary[:maxSummaryLen], "")
	}
	if points == nil {
		points = []string{}
	}
	t.condensed = Condensed{Summary: summary, KeyPoints: points, LastUpdated: s.now()}
	s.save(id)

	c := t.condensed
	c.KeyPoints = append([]string{}, c.KeyPoints...)
	return c, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = strings.ToValidUTF8(s[:120], "")
	}
	return s
}
