package amc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// applyPatch applies one JSON-Patch style operation to the raw state tree.
//
// The path syntax follows RFC 6902 with one deviation: numeric segments that
// address a list element match the element's "index" field, not its raw
// position, because the server's own list mutations can shift positions.
// Patches under a "notifications" sub-path are not supported and are skipped
// without error.
func applyPatch(tree map[string]any, p PatchOp) error {
	segs := strings.Split(strings.Trim(p.Path, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return fmt.Errorf("patch has empty path")
	}
	for _, seg := range segs {
		if seg == "notifications" {
			return nil
		}
	}

	var value any
	if len(p.Value) > 0 {
		if err := json.Unmarshal(p.Value, &value); err != nil {
			return decodeError(err)
		}
	}

	// Walk to the container of the final segment, remembering where the
	// container itself lives so list mutations can be written back.
	var parent any
	var parentKey string
	node := any(tree)
	for _, seg := range segs[:len(segs)-1] {
		child, err := childOf(node, seg)
		if err != nil {
			return fmt.Errorf("path %s: %v", p.Path, err)
		}
		parent, parentKey = node, seg
		node = child
	}

	last := segs[len(segs)-1]
	switch container := node.(type) {
	case map[string]any:
		switch p.Op {
		case "add", "replace":
			// A replace where both old and new values are objects merges
			// instead of overwriting, preserving fields absent from the
			// patch. A scalar add against an existing node sets just that
			// field.
			if old, ok := container[last].(map[string]any); ok && p.Op == "replace" {
				if vm, ok := value.(map[string]any); ok {
					for k, v := range vm {
						old[k] = v
					}
					return nil
				}
			}
			container[last] = value
		case "remove":
			delete(container, last)
		default:
			return fmt.Errorf("unsupported patch op %q", p.Op)
		}

	case []any:
		pos, isNum := atoi(last)
		if !isNum {
			return fmt.Errorf("path %s: list segment %q is not numeric", p.Path, last)
		}
		switch p.Op {
		case "add":
			if pos < 0 || pos > len(container) {
				pos = len(container)
			}
			updated := append(container[:pos:pos], append([]any{value}, container[pos:]...)...)
			return setChild(parent, parentKey, updated)
		case "replace":
			i, ok := findByEntryIndex(container, last)
			if !ok {
				return fmt.Errorf("path %s: no entry with index %s", p.Path, last)
			}
			if old, ok := container[i].(map[string]any); ok {
				if vm, ok := value.(map[string]any); ok {
					for k, v := range vm {
						old[k] = v
					}
					return nil
				}
			}
			container[i] = value
		case "remove":
			i, ok := findByEntryIndex(container, last)
			if !ok {
				return fmt.Errorf("path %s: no entry with index %s", p.Path, last)
			}
			updated := append(container[:i], container[i+1:]...)
			return setChild(parent, parentKey, updated)
		default:
			return fmt.Errorf("unsupported patch op %q", p.Op)
		}

	default:
		return fmt.Errorf("path %s: cannot apply %s to %T", p.Path, p.Op, node)
	}
	return nil
}

// childOf resolves one path segment against a map or a list. List segments
// resolve by entry index field.
func childOf(node any, seg string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[seg]
		if !ok {
			return nil, fmt.Errorf("key %q not found", seg)
		}
		return child, nil
	case []any:
		if _, isNum := atoi(seg); !isNum {
			return nil, fmt.Errorf("list segment %q is not numeric", seg)
		}
		i, ok := findByEntryIndex(n, seg)
		if !ok {
			return nil, fmt.Errorf("no entry with index %s", seg)
		}
		return n[i], nil
	default:
		return nil, fmt.Errorf("cannot descend into %T", node)
	}
}

// setChild writes an updated list back into its holder.
func setChild(parent any, key string, value any) error {
	switch p := parent.(type) {
	case map[string]any:
		p[key] = value
		return nil
	case []any:
		i, ok := findByEntryIndex(p, key)
		if !ok {
			return fmt.Errorf("no entry with index %s", key)
		}
		p[i] = value
		return nil
	default:
		return fmt.Errorf("cannot write into %T", parent)
	}
}

// findByEntryIndex locates the list position of the element whose "index"
// field matches the given value. Comparison is string-flexible because the
// server is not consistent about numbers vs. numeric strings.
func findByEntryIndex(list []any, index string) (int, bool) {
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		v, ok := m["index"]
		if !ok {
			continue
		}
		if numString(v) == index {
			return i, true
		}
	}
	return 0, false
}

func numString(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
