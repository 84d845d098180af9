// Package chunker parses source files into semantically meaningful chunks
// using a per-language concrete-syntax grammar and a capture query, the way
// internal/chunk parses source in Aman-CERP-amanmcp (smacker/go-tree-sitter
// wrapped per language) but generalized to a query-driven, table-configured
// set of languages instead of hard-coded per-language switch arms.
package chunker

// Chunk is one semantically meaningful slice of source text.
type Chunk struct {
	ID        string // "{filePath}:{name}:{nodeType}:L{startLine}"
	Type      string // grammar node type, e.g. "method_definition"
	Content   string
	StartLine int // 1-indexed, inclusive
	EndLine   int // 1-indexed, inclusive
}
