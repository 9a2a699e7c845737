package plugins

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
)

// maxToolNameLen is the longest tool name every supported provider accepts.
const maxToolNameLen = 64

// namespacedToolName builds "<server>_<tool>" from MCP names, reduced to
// lowercase letters, digits and underscores. Names that are too long or
// already used get a short hash suffix.
func namespacedToolName(server, tool string, used map[string]struct{}) string {
	base := sanitizeToolPart(server) + "_" + sanitizeToolPart(tool)
	name := base
	if len(name) > maxToolNameLen {
		name = truncateWithHash(base, server, tool)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, server, tool)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeToolPart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		case !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(server, tool string) string {
	sum := sha1.Sum([]byte(server + ":" + tool))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, server, tool string) string {
	suffix := "_" + toolNameHash(server, tool)
	trimLen := maxToolNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(base, server, tool string) string {
	name := base + "_" + toolNameHash(server, tool)
	if len(name) <= maxToolNameLen {
		return name
	}
	return truncateWithHash(base, server, tool)
}
