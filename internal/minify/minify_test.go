package minify

import (
	"strings"
	"testing"
)

const sample = `#!/usr/bin/env python
# -*- coding: utf-8 -*-
"""Module docstring.

Spans several lines.
"""
import os  # trailing comment

# full line comment
def greet(name):
    """Function docstring."""
    prefix = 'hello'  # another comment
    hashes = 'not # a comment'
    return prefix + ' ' + name


class Greeter:
    '''Class docstring.'''
    def __init__(self):
        self.count = 0

    def bump(self):
        self.count += 1
        return self.count
`

func lineCount(s string) int {
	return strings.Count(s, "\n")
}

func TestLineCountPreserved(t *testing.T) {
	out := Minimize(sample)
	if got, want := lineCount(out), lineCount(sample); got != want {
		t.Errorf("line count = %d, want %d", got, want)
	}
}

func TestHashbangAndCodingKept(t *testing.T) {
	lines := strings.Split(Minimize(sample), "\n")
	if lines[0] != "#!/usr/bin/env python" {
		t.Errorf("hashbang lost: %q", lines[0])
	}
	if !strings.Contains(lines[1], "coding") {
		t.Errorf("coding marker lost: %q", lines[1])
	}
}

func TestCommentsStripped(t *testing.T) {
	out := Minimize(sample)
	for _, gone := range []string{"trailing comment", "full line comment", "another comment"} {
		if strings.Contains(out, gone) {
			t.Errorf("comment %q survived", gone)
		}
	}
	if !strings.Contains(out, "'not # a comment'") {
		t.Error("hash inside a string literal was mangled")
	}
}

func TestDocstringsBlanked(t *testing.T) {
	out := Minimize(sample)
	for _, gone := range []string{"Module docstring", "Spans several", "Function docstring", "Class docstring"} {
		if strings.Contains(out, gone) {
			t.Errorf("docstring text %q survived", gone)
		}
	}
}

func TestReindentSingleSpace(t *testing.T) {
	out := Minimize(sample)
	if !strings.Contains(out, "\n prefix = 'hello'") {
		t.Errorf("level-1 body not reindented to one space:\n%s", out)
	}
	if !strings.Contains(out, "\n  self.count = 0") {
		t.Errorf("level-2 body not reindented to two spaces:\n%s", out)
	}
}

func TestCodeSurvives(t *testing.T) {
	out := Minimize(sample)
	for _, kept := range []string{"import os", "def greet(name):", "return prefix + ' ' + name", "class Greeter:", "self.count += 1"} {
		if !strings.Contains(out, kept) {
			t.Errorf("code %q lost:\n%s", kept, out)
		}
	}
}

func TestMemoised(t *testing.T) {
	a := Minimize(sample)
	b := Minimize(sample)
	if a != b {
		t.Error("memoised calls disagree")
	}
}

func TestContinuationLines(t *testing.T) {
	src := `def f():
    x = (1 +
         2)
    return x
`
	out := Minimize(src)
	if got, want := lineCount(out), lineCount(src); got != want {
		t.Errorf("line count = %d, want %d", got, want)
	}
	if !strings.Contains(out, "1 +") || !strings.Contains(out, "2)") {
		t.Errorf("continuation expression damaged:\n%s", out)
	}
}

func TestTripleStringAssignmentKept(t *testing.T) {
	src := `BANNER = """kept
text"""
print(BANNER)
`
	out := Minimize(src)
	if !strings.Contains(out, "kept") || !strings.Contains(out, "text") {
		t.Errorf("assigned triple string treated as docstring:\n%s", out)
	}
}
