package relations

import (
	"fmt"
	"strconv"
	"strings"
)

// Include is one parsed entry of the include query parameter.
//
// Grammar: `include=rel,rel.nested,rel(opt;opt)` where options are
// `select:a,b`, `limit:n`, and `filter:expr`. Because a filter expression
// may itself contain `;`, filter must be the last option. Nested includes
// use dotted names; `author.posts` includes posts on each included
// author.
type Include struct {
	Name   string
	Select []string
	Limit  int
	Filter string
	Nested []Include
}

// ParseIncludes parses the raw include parameter. Top-level entries are
// comma separated; commas inside option parentheses do not split.
func ParseIncludes(raw string) ([]Include, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var includes []Include
	byName := make(map[string]int)

	for _, part := range splitTop(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		inc, err := parseEntry(part)
		if err != nil {
			return nil, err
		}

		// Dotted names nest: author.posts attaches under author.
		head, rest, nested := strings.Cut(inc.Name, ".")
		if nested {
			inc.Name = rest
			idx, ok := byName[head]
			if !ok {
				includes = append(includes, Include{Name: head})
				idx = len(includes) - 1
				byName[head] = idx
			}
			includes[idx].Nested = append(includes[idx].Nested, inc)
			continue
		}

		if idx, ok := byName[inc.Name]; ok {
			// Later options win, nested entries merge.
			inc.Nested = append(includes[idx].Nested, inc.Nested...)
			includes[idx] = inc
			continue
		}
		includes = append(includes, inc)
		byName[inc.Name] = len(includes) - 1
	}
	return includes, nil
}

// splitTop splits on commas outside parentheses.
func splitTop(raw string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range raw {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, raw[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, raw[start:])
	return parts
}

func parseEntry(part string) (Include, error) {
	name, opts, hasOpts := strings.Cut(part, "(")
	inc := Include{Name: strings.TrimSpace(name)}
	if inc.Name == "" {
		return inc, fmt.Errorf("empty include name in %q", part)
	}
	if !hasOpts {
		return inc, nil
	}
	if !strings.HasSuffix(opts, ")") {
		return inc, fmt.Errorf("unterminated include options in %q", part)
	}
	opts = strings.TrimSuffix(opts, ")")

	rest := opts
	for rest != "" {
		key, after, ok := strings.Cut(rest, ":")
		if !ok {
			return inc, fmt.Errorf("malformed include option %q", rest)
		}
		key = strings.TrimSpace(key)
		switch key {
		case "filter":
			// Filter swallows the remainder: its expression may contain
			// any option separator.
			inc.Filter = after
			rest = ""
		case "select", "limit":
			value, remaining, _ := strings.Cut(after, ";")
			value = strings.TrimSpace(value)
			if key == "select" {
				for _, col := range strings.Split(value, ",") {
					if col = strings.TrimSpace(col); col != "" {
						inc.Select = append(inc.Select, col)
					}
				}
			} else {
				n, err := strconv.Atoi(value)
				if err != nil || n < 1 {
					return inc, fmt.Errorf("include limit %q is not a positive integer", value)
				}
				inc.Limit = n
			}
			rest = remaining
		default:
			return inc, fmt.Errorf("unknown include option %q", key)
		}
	}
	return inc, nil
}
