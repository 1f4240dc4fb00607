package expressions

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// ResolvePath walks root along a dotted/indexed path such as "user.tags[0]",
// "items.2.name" or `headers["content-type"]`. An empty path returns root.
// The returned value aliases root; callers that keep it must copy it.
func ResolvePath(root any, path string) (any, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	current := root
	for _, seg := range segments {
		next, err := step(current, seg)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "path %q: %s", path, err.Error()).
				WithDetails(map[string]any{"path": path, "reason": reasonReference})
		}
		current = next
	}
	return current, nil
}

// splitPath parses a path into string keys and numeric indexes.
func splitPath(path string) ([]any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}

	var segs []any
	i := 0
	expectKey := true
	for i < len(path) {
		switch c := path[i]; c {
		case '.':
			if expectKey {
				return nil, pathErr(path, i, "empty path segment")
			}
			expectKey = true
			i++
			if i == len(path) {
				return nil, pathErr(path, i, "path ends with '.'")
			}

		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, pathErr(path, i, "unclosed '['")
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			switch {
			case len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0]:
				segs = append(segs, inner[1:len(inner)-1])
			default:
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil, pathErr(path, i, "index %q is not a number or quoted key", inner)
				}
				segs = append(segs, float64(n))
			}
			expectKey = false
			i += end + 1

		default:
			if !expectKey {
				return nil, pathErr(path, i, "expected '.' or '[' before %q", c)
			}
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segs = append(segs, path[i:j])
			expectKey = false
			i = j
		}
	}
	return segs, nil
}

func pathErr(path string, pos int, format string, args ...any) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "invalid path %q: "+format, append([]any{path}, args...)...).
		WithDetails(map[string]any{"path": path, "position": pos, "reason": reasonSyntax})
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
