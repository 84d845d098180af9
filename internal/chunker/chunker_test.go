package chunker

import (
	"context"
	"strings"
	"testing"
)

func TestSplitGo(t *testing.T) {
	source := []byte(`package sample

// Add returns the sum of a and b.
func Add(a, b int) int {
	return a + b
}

type Greeter struct {
	Name string
}
`)

	chunks, err := Split(context.Background(), "sample.go", source)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	var found bool
	for _, c := range chunks {
		if c.Type == "function_declaration" {
			found = true
			if !strings.Contains(c.Content, "// Add returns the sum") {
				t.Errorf("expected doc comment to be included in chunk content, got: %q", c.Content)
			}
			if !strings.Contains(c.Content, "func Add(a, b int) int") {
				t.Errorf("expected function body in chunk content, got: %q", c.Content)
			}
		}
	}
	if !found {
		t.Error("expected a function_declaration chunk for Add")
	}
}

func TestSplitDuplicateIDsCollapse(t *testing.T) {
	source := []byte(`package sample

func Foo() {}; func Foo() {}
`)
	chunks, err := Split(context.Background(), "dup.go", source)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	seen := make(map[string]int)
	for _, c := range chunks {
		seen[c.ID]++
	}
	for id, count := range seen {
		if count > 1 {
			t.Errorf("expected duplicate chunk id %q to collapse to one chunk, got %d", id, count)
		}
	}
}

func TestSplitUnknownExtensionReturnsEmpty(t *testing.T) {
	chunks, err := Split(context.Background(), "data.bin", []byte{0x00, 0x01, 0x02})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if chunks != nil {
		t.Errorf("expected nil chunks for unsupported extension, got %v", chunks)
	}
}

func TestSplitGenericMarkdown(t *testing.T) {
	source := []byte("# Title\n\nSome body text.\n")
	chunks, err := Split(context.Background(), "README.md", source)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one generic chunk for markdown, got %d", len(chunks))
	}
	if chunks[0].Type != "generic" {
		t.Errorf("expected generic chunk type, got %q", chunks[0].Type)
	}
}

func TestSplitGenericEmptyFile(t *testing.T) {
	chunks, err := Split(context.Background(), "empty.md", []byte{})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if chunks != nil {
		t.Errorf("expected nil chunks for empty file, got %v", chunks)
	}
}

func TestSplitPython(t *testing.T) {
	source := []byte(`class Greeter:
    def greet(self, name):
        return "hello " + name
`)
	chunks, err := Split(context.Background(), "sample.py", source)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	var sawClass, sawMethod bool
	for _, c := range chunks {
		switch c.Type {
		case "class_definition":
			sawClass = true
		case "function_definition":
			sawMethod = true
		}
	}
	if !sawClass {
		t.Error("expected a class_definition chunk")
	}
	if !sawMethod {
		t.Error("expected a function_definition chunk for the method")
	}
}

func TestSplitCSSUsesAnonymousPlaceholder(t *testing.T) {
	source := []byte(`.greeter {
  color: red;
}
`)
	chunks, err := Split(context.Background(), "sample.css", source)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	var found bool
	for _, c := range chunks {
		if c.Type != "rule_set" {
			continue
		}
		found = true
		if !strings.Contains(c.ID, ":anonymous:") {
			t.Errorf("expected chunk id to carry the anonymous placeholder, got %q", c.ID)
		}
	}
	if !found {
		t.Error("expected a rule_set chunk")
	}
}
