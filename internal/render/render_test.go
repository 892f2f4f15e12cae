package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/internal/domain"
)

func msg(name, content string, ts time.Time) domain.Message {
	return domain.Message{Sender: domain.Agent{Name: name}, Content: content, Timestamp: ts}
}

func TestLineStyles(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 7, 3, 0, time.UTC)
	m := msg("Mara", "venue confirmed", ts)
	assert.Equal(t, "[09:07:03] Mara: venue confirmed\n", Line(StyleLog, m))
	assert.Equal(t, "09:07 Mara\nvenue confirmed\n\n", Line(StyleBubble, m))
}

func TestHeaderMarksInProgress(t *testing.T) {
	meta := Meta{Event: "Spring meetup", Context: "120 guests", Agents: 4, Phases: 3, SubEvents: 2}
	live := Header(StyleLog, meta, true, 0)
	assert.Contains(t, live, InProgressMarker)
	assert.Contains(t, live, "Context: 120 guests")

	final := Header(StyleLog, meta, false, 12)
	assert.NotContains(t, final, InProgressMarker)
	assert.Contains(t, final, "Messages: 12")
}

func TestDocumentSeparatesDays(t *testing.T) {
	day1 := time.Date(2024, 5, 1, 23, 50, 0, 0, time.UTC)
	doc := Document(StyleBubble, Meta{Event: "x"}, []domain.Message{
		msg("A", "one", day1),
		msg("B", "two", day1.Add(5*time.Minute)),
		msg("A", "three", day1.Add(20*time.Minute)),
	})
	assert.Equal(t, 2, strings.Count(doc, dayRule))
	assert.Contains(t, doc, "2024-05-01 (Wed)")
	assert.Contains(t, doc, "2024-05-02 (Thu)")
}

func TestParseStyle(t *testing.T) {
	s, err := ParseStyle("Bubble")
	require.NoError(t, err)
	assert.Equal(t, StyleBubble, s)
	s, err = ParseStyle("")
	require.NoError(t, err)
	assert.Equal(t, StyleLog, s)
	_, err = ParseStyle("qq")
	require.Error(t, err)
}
