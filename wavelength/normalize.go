package wavelength

import (
	"regexp"
	"strings"
)

// zeroWidthSpace breaks up broad mentions so they render as the original
// text without triggering a ping on the receiving guild. This is a safety
// requirement: a relayed @everyone must never ping a foreign server.
const zeroWidthSpace = "\u200b"

var broadMentionReplacer = strings.NewReplacer(
	"@everyone", "@"+zeroWidthSpace+"everyone",
	"@here", "@"+zeroWidthSpace+"here",
)

// idMentionPattern matches user (<@123>, <@!123>), role (<@&123>) and
// channel (<#123>) mentions, optionally already wrapped in backticks.
var idMentionPattern = regexp.MustCompile("`?<(@[!&]?|#)([0-9]+)>`?")

// normalizeContent rewrites a raw message body into text safe to re-send
// in a foreign guild: broad mentions are rendered inert with a zero-width
// separator, and ID-mentions are wrapped in backticks so they display as
// literal text instead of resolving against the wrong guild.
//
// Normalizing already-normalized text is a no-op.
func normalizeContent(s string) string {
	if s == "" {
		return ""
	}
	s = broadMentionReplacer.Replace(s)
	return idMentionPattern.ReplaceAllStringFunc(
		s, func(match string) string {
			if strings.HasPrefix(match, "`") && strings.HasSuffix(match, "`") {
				return match
			}
			return "`" + strings.Trim(match, "`") + "`"
		},
	)
}

// MentionResolver looks up a display name for a mentioned ID within the
// origin guild. kind is "@" or "@!" for users, "@&" for roles, "#" for
// channels. ok is false when the ID can't be resolved.
type MentionResolver func(kind string, id string) (name string, ok bool)

// resolveMentions substitutes up to max ID-mentions with display names
// resolved from the origin guild, and renders the rest (and any
// unresolvable mentions) inert. Broad mentions are always made inert.
//
// This is the slow path: each resolution may hit the network, so max caps
// latency and abuse per message.
func resolveMentions(s string, resolve MentionResolver, max int) string {
	if s == "" {
		return ""
	}
	s = broadMentionReplacer.Replace(s)

	resolved := 0
	return idMentionPattern.ReplaceAllStringFunc(
		s, func(match string) string {
			if strings.HasPrefix(match, "`") && strings.HasSuffix(match, "`") {
				return match
			}
			trimmed := strings.Trim(match, "`")
			if resolve != nil && resolved < max {
				groups := idMentionPattern.FindStringSubmatch(trimmed)
				if name, ok := resolve(groups[1], groups[2]); ok {
					resolved++
					if groups[1] == "#" {
						return "#" + name
					}
					return "@" + name
				}
			}
			return "`" + trimmed + "`"
		},
	)
}
