package extract

import (
	"regexp"
	"strings"
)

var (
	// (?s) so multi-line payloads (heredocs over ssh) stay in one piece.
	// Flags that take an argument (-p 2222, -i key, -o opt) are matched
	// before bare flags so the argument is never mistaken for the host.
	sshRe    = regexp.MustCompile(`(?s)^ssh\s+(?:-[piolFJ]\s+\S+\s+|-\w+\s+)*(?:[\w.-]+@)?([\w.-]+)\s+(.+)$`)
	dockerRe = regexp.MustCompile(`(?s)^docker\s+(?:exec|run)\s+(?:-{1,2}[\w=-]+\s+)*([\w.-]+)\s+(.+)$`)
	// Shell operators that start a new command. Pipes are left alone so
	// payload text containing | is not torn apart.
	segmentRe = regexp.MustCompile(`\s*(?:&&|\|\||;)\s*`)
)

// peelWrapper unwraps one layer of ssh or docker so extraction sees the
// command that actually ran, plus where it ran.
func peelWrapper(cmd string) (inner, remote string) {
	cmd = strings.TrimSpace(cmd)
	if m := sshRe.FindStringSubmatch(cmd); m != nil {
		return stripOuterQuotes(m[2]), m[1]
	}
	if m := dockerRe.FindStringSubmatch(cmd); m != nil {
		return stripOuterQuotes(m[2]), m[1]
	}
	return cmd, ""
}

func stripOuterQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// splitSegments breaks a compound shell line into its commands.
func splitSegments(cmd string) []string {
	parts := segmentRe.Split(cmd, -1)
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}
