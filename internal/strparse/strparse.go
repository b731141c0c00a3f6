// Package strparse is used to parse strings
package strparse

import (
	"fmt"
	"strings"

	"github.com/regclient/regbuild/types"
)

// SplitCSKV splits a comma separated key=value list into a map.
// Double quotes group characters and a backslash escapes the next character.
func SplitCSKV(s string) (map[string]string, error) {
	result := map[string]string{}
	var key, val strings.Builder
	cur := &key
	inQuote, escape := false, false
	flush := func() {
		if key.Len() > 0 || val.Len() > 0 || cur == &val {
			result[key.String()] = val.String()
		}
		key.Reset()
		val.Reset()
		cur = &key
	}
	for _, c := range s {
		switch {
		case escape:
			cur.WriteRune(c)
			escape = false
		case c == '\\':
			escape = true
		case c == '"':
			inQuote = !inQuote
		case inQuote:
			cur.WriteRune(c)
		case c == '=' && cur == &key:
			cur = &val
		case c == ',':
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	if escape {
		return nil, fmt.Errorf("%w: trailing escape in %q", types.ErrParsingFailed, s)
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote in %q", types.ErrParsingFailed, s)
	}
	flush()
	return result, nil
}
