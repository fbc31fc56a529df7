package upstream

import (
	"fmt"
	"regexp"
	"strings"
)

// Fully-qualified tool names have the shape mcp__<server>__<tool>: exactly
// three segments separated by the literal two-character sequence "__".
// Server and tool names may contain single underscores, which is why the
// segment count is checked explicitly — a greedy pattern alone would accept
// mcp__a__b__c by folding "a__b" into the server name.

const toolNamePrefix = "mcp__"

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ParseToolName splits a fully-qualified tool name into server and tool.
// Rejects anything that is not exactly mcp__<server>__<tool>.
func ParseToolName(fullName string) (server, tool string, err error) {
	rest, ok := strings.CutPrefix(fullName, toolNamePrefix)
	if !ok {
		return "", "", fmt.Errorf("upstream: tool name %q does not start with %q", fullName, toolNamePrefix)
	}
	segments := strings.Split(rest, "__")
	if len(segments) != 2 {
		return "", "", fmt.Errorf("upstream: tool name %q must have exactly two segments after the prefix, got %d", fullName, len(segments))
	}
	for _, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return "", "", fmt.Errorf("upstream: tool name %q contains an invalid segment %q", fullName, seg)
		}
	}
	return segments[0], segments[1], nil
}

// FullToolName builds the fully-qualified name for a server/tool pair.
func FullToolName(server, tool string) string {
	return toolNamePrefix + server + "__" + tool
}
