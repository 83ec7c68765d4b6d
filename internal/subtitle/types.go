package subtitle

// Cue is a single timestamped subtitle span. Cues are created once by
// parsing or transcription and never mutated; transformed tracks build new
// cue slices. Slice order is meaningful: neighbor context for translation
// is taken from adjacent positions.
//
// Invariant: EndMS > StartMS.
type Cue struct {
	ID      string // position-derived identifier, assigned by parsers
	StartMS int
	EndMS   int
	Text    string // plain text, no inline markup
}

// WithText returns a copy of c carrying different text. Timing and identity
// are preserved.
func (c Cue) WithText(text string) Cue {
	c.Text = text
	return c
}

// EndOfTimeline returns the end timestamp of the last cue, in milliseconds.
// Zero for an empty slice.
func EndOfTimeline(cues []Cue) int {
	end := 0
	for _, c := range cues {
		if c.EndMS > end {
			end = c.EndMS
		}
	}
	return end
}
