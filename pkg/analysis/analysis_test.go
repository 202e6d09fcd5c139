package analysis

import (
	"strings"
	"testing"
)

func TestScanUnwrap(t *testing.T) {
	diags := scan(1, 2, "fn main() {\n    let x = foo.unwrap();\n}\n")

	found := false
	for _, d := range diags {
		if strings.Contains(d.Message, "unwrap") {
			found = true
		}
	}
	if !found {
		t.Error("scan() did not flag .unwrap()")
	}
}

func TestScanUnbalancedBraces(t *testing.T) {
	diags := scan(1, 2, "fn main() {\n    let x = 1;\n")

	found := false
	for _, d := range diags {
		if strings.Contains(d.Message, "unbalanced braces") {
			found = true
		}
	}
	if !found {
		t.Error("scan() did not flag unbalanced braces")
	}
}

func TestScanTODO(t *testing.T) {
	diags := scan(1, 2, "// TODO: finish this\nfn main() {}\n")

	found := false
	for _, d := range diags {
		if strings.Contains(d.Message, "TODO") {
			found = true
		}
	}
	if !found {
		t.Error("scan() did not flag TODO marker")
	}
}

func TestScanClean(t *testing.T) {
	diags := scan(1, 2, "fn main() {\n    let x = 1;\n}\n")
	if len(diags) != 0 {
		t.Errorf("scan() on clean source = %d diagnostics, want 0", len(diags))
	}
}
