package signal

import (
	"sort"
	"strings"
	"unicode/utf16"
)

// mentionSentinel is the object replacement character Signal inserts at
// each mention position in the raw message text.
const mentionSentinel = "￼"

// resolveMentions replaces mention sentinels with "@name" using the
// position descriptors. Descriptor offsets are UTF-16 code units into the
// raw text, so replacements run in descending offset order: earlier
// positions stay valid while later ones are rewritten. Descriptors with
// out-of-range positions are skipped. Any sentinel still left afterwards
// (the upstream sometimes omits descriptors) is swept with the assistant's
// own name, since self-mentions are the common case and activation-phrase
// matching depends on it.
func resolveMentions(text string, mentions []mention, selfNumber, assistantName string, contactName func(string) string) string {
	if text == "" {
		return ""
	}
	if len(mentions) > 0 {
		sorted := make([]mention, len(mentions))
		copy(sorted, mentions)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

		units := utf16.Encode([]rune(text))
		for _, m := range sorted {
			if m.Start < 0 || m.Length < 0 || m.Start+m.Length > len(units) {
				continue
			}
			repl := utf16.Encode([]rune("@" + mentionName(m, selfNumber, assistantName, contactName)))
			units = append(units[:m.Start], append(repl, units[m.Start+m.Length:]...)...)
		}
		text = string(utf16.Decode(units))
	}
	if strings.Contains(text, mentionSentinel) {
		text = strings.ReplaceAll(text, mentionSentinel, "@"+assistantName)
	}
	return text
}

func mentionName(m mention, selfNumber, assistantName string, contactName func(string) string) string {
	if m.Number != "" && m.Number == selfNumber {
		// Mentioning the local account must resolve to the assistant's
		// display name so downstream activation matching works.
		return assistantName
	}
	if m.Name != "" {
		return m.Name
	}
	if m.Number != "" {
		return m.Number
	}
	if contactName != nil {
		if n := contactName(m.UUID); n != "" {
			return n
		}
	}
	if m.UUID != "" {
		return m.UUID
	}
	return "unknown"
}
