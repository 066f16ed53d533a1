package graph

import (
	"fmt"
	"strings"
	"unicode"
)

// authorAbbrev maps well-known senders to their two-letter message label
// prefixes. Unknown senders fall back to name initials.
var authorAbbrev = map[int64]string{
	298085237:  "MA",
	5561942654: "YU",
	8521381973: "BS",
}

// AbbrevFor returns the label prefix for a sender. The fallback takes the
// first letter of up to two name words, upper-cased; an unusable name yields
// "XX".
func AbbrevFor(senderID int64, name string) string {
	if abbrev, ok := authorAbbrev[senderID]; ok {
		return abbrev
	}
	var initials []rune
	for _, word := range strings.Fields(name) {
		for _, r := range word {
			if unicode.IsLetter(r) {
				initials = append(initials, unicode.ToUpper(r))
			}
			break
		}
		if len(initials) == 2 {
			break
		}
	}
	switch len(initials) {
	case 0:
		return "XX"
	case 1:
		return string(initials[0]) + string(initials[0])
	default:
		return string(initials)
	}
}

// MessageName renders the per-day human label, e.g. "BS02". Labels are a
// view-layer attribute only; graph identity stays on uid.
func MessageName(abbrev string, seq int64) string {
	return fmt.Sprintf("%s%02d", abbrev, seq)
}
