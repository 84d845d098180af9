package chunker

import (
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/css"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/html"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammar pairs a tree-sitter language with the capture query used to find
// "block" (a chunk-worthy node) and "name" (its identifier, when present).
type grammar struct {
	lang  *sitter.Language
	query string
}

// registry is the extension -> grammar table, pre-loaded at package init
// time the way spec.md §4.1 describes ("pre-loaded at startup").
type registry struct {
	mu        sync.RWMutex
	grammars  map[string]grammar // keyed by language name
	extToLang map[string]string
}

func newRegistry() *registry {
	r := &registry{
		grammars:  make(map[string]grammar),
		extToLang: make(map[string]string),
	}
	r.register("go", []string{".go"}, golang.GetLanguage(), goQuery)
	r.register("python", []string{".py"}, python.GetLanguage(), pythonQuery)
	r.register("javascript", []string{".js", ".jsx", ".mjs", ".cjs"}, javascript.GetLanguage(), jsQuery)
	r.register("typescript", []string{".ts"}, typescript.GetLanguage(), tsQuery)
	r.register("tsx", []string{".tsx"}, tsx.GetLanguage(), tsQuery)
	r.register("java", []string{".java"}, java.GetLanguage(), javaQuery)
	r.register("c", []string{".c", ".h"}, c.GetLanguage(), cQuery)
	r.register("cpp", []string{".cpp", ".cc", ".cxx", ".c++", ".hpp", ".hh"}, cpp.GetLanguage(), cppQuery)
	r.register("ruby", []string{".rb"}, ruby.GetLanguage(), rubyQuery)
	r.register("rust", []string{".rs"}, rust.GetLanguage(), rustQuery)
	r.register("bash", []string{".sh", ".bash"}, bash.GetLanguage(), bashQuery)
	r.register("css", []string{".css", ".scss"}, css.GetLanguage(), cssQuery)
	r.register("html", []string{".html", ".htm"}, html.GetLanguage(), htmlQuery)
	return r
}

func (r *registry) register(name string, exts []string, lang *sitter.Language, query string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grammars[name] = grammar{lang: lang, query: query}
	for _, e := range exts {
		r.extToLang[e] = name
	}
}

func (r *registry) forExt(ext string) (grammar, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.extToLang[strings.ToLower(ext)]
	if !ok {
		return grammar{}, false
	}
	g, ok := r.grammars[name]
	return g, ok
}

var defaultRegistry = newRegistry()

// Capture queries. Each marks chunk-worthy nodes with @block and, where the
// grammar exposes a direct identifier child, binds it with @name.
const (
	goQuery = `
(function_declaration name: (identifier) @name) @block
(method_declaration name: (field_identifier) @name) @block
(type_declaration (type_spec name: (type_identifier) @name type: (struct_type))) @block
(type_declaration (type_spec name: (type_identifier) @name type: (interface_type))) @block
`
	pythonQuery = `
(function_definition name: (identifier) @name) @block
(class_definition name: (identifier) @name) @block
`
	jsQuery = `
(function_declaration name: (identifier) @name) @block
(class_declaration name: (identifier) @name) @block
(method_definition name: (property_identifier) @name) @block
`
	tsQuery = jsQuery + `
(interface_declaration name: (type_identifier) @name) @block
`
	javaQuery = `
(class_declaration name: (identifier) @name) @block
(interface_declaration name: (identifier) @name) @block
(method_declaration name: (identifier) @name) @block
(constructor_declaration name: (identifier) @name) @block
`
	cQuery = `
(function_definition declarator: (function_declarator declarator: (identifier) @name)) @block
(struct_specifier name: (type_identifier) @name) @block
`
	cppQuery = cQuery + `
(class_specifier name: (type_identifier) @name) @block
`
	rubyQuery = `
(method name: (identifier) @name) @block
(class name: (constant) @name) @block
(module name: (constant) @name) @block
`
	rustQuery = `
(function_item name: (identifier) @name) @block
(struct_item name: (type_identifier) @name) @block
(impl_item type: (type_identifier) @name) @block
(trait_item name: (type_identifier) @name) @block
`
	bashQuery = `
(function_definition name: (word) @name) @block
`
	cssQuery = `
(rule_set) @block
`
	htmlQuery = `
(element) @block
`
)
