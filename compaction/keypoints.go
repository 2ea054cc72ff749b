package compaction

import (
	"strings"
	"unicode/utf8"

	"github.com/sellscope/memorypg/types"
)

// maxKeyPointTopicLen bounds the topic portion of a parsed key point.
const maxKeyPointTopicLen = 50

// ParseKeyPoints derives key points from summary text by scanning lines for
// bullet or numbered markers. At most types.MaxKeyPoints entries are
// returned; each topic is the line trimmed to maxKeyPointTopicLen with the
// full line as detail.
func ParseKeyPoints(summaryText string) []types.KeyPoint {
	var points []types.KeyPoint

	for _, line := range strings.Split(summaryText, "\n") {
		line = strings.TrimSpace(line)
		text, ok := stripListMarker(line)
		if !ok || text == "" {
			continue
		}

		topic := text
		if len(topic) > maxKeyPointTopicLen {
			// Back off to a rune boundary so the cut never splits a
			// multi-byte character.
			cut := maxKeyPointTopicLen
			for cut > 0 && !utf8.RuneStart(topic[cut]) {
				cut--
			}
			topic = topic[:cut]
		}

		points = append(points, types.KeyPoint{
			Topic:      topic,
			Detail:     text,
			Importance: 1,
		})
		if len(points) == types.MaxKeyPoints {
			break
		}
	}

	return points
}

// stripListMarker removes a leading bullet ("-", "*", "•") or numbered
// ("1.", "2)") marker, reporting whether the line carried one.
func stripListMarker(line string) (string, bool) {
	for _, marker := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(line[len(marker):]), true
		}
	}

	// Numbered markers: digits followed by "." or ")".
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:]), true
	}

	return "", false
}
