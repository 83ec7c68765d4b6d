package subtitle

import (
	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// DetectLanguage guesses the dominant language of a cue list by majority
// vote over per-cue detection. Used as a sanity check on fetched or
// transcribed tracks before spending translation budget on them.
func DetectLanguage(cues []Cue) language.Tag {
	if len(cues) == 0 {
		return language.Und
	}

	votes := make(map[string]int)
	for _, c := range cues {
		if c.Text == "" {
			continue
		}
		iso := whatlanggo.DetectLang(c.Text).Iso6391()
		votes[iso]++
	}

	var top string
	var topCount int
	for iso, count := range votes {
		if count > topCount {
			top = iso
			topCount = count
		}
	}
	if top == "" {
		return language.Und
	}
	return language.All.Make(top)
}
