package pipeline

import (
	"fmt"
	"strings"
)

// projectRoot is the fixed directory every build's working directory is
// joined onto.
const projectRoot = "/contract"

// normalizeProjectDir joins the user-supplied, possibly-relative
// sub-directory onto projectRoot and resolves "." and ".." segments
// without touching the filesystem. It does not use filepath.Clean:
// that function's handling of a leading ".." differs from what the
// joined-and-resolved semantics below require, and an absolute input
// must be treated as relative to the root rather than replacing it.
//
// Non-ASCII input is rejected explicitly, since the source this
// behavior is modeled on only defines normalization over ASCII paths.
func normalizeProjectDir(sub string) (string, error) {
	for i := 0; i < len(sub); i++ {
		if sub[i] > 127 {
			return "", fmt.Errorf("project directory contains non-ASCII byte at offset %d", i)
		}
	}

	sub = strings.TrimLeft(sub, "/")

	var stack []string
	for _, seg := range strings.Split(sub, "/") {
		switch seg {
		case "", ".":
			// skip
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}

	if len(stack) == 0 {
		return projectRoot, nil
	}

	return projectRoot + "/" + strings.Join(stack, "/"), nil
}
