package chunker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/rs/zerolog/log"
)

// genericExts get a trivial single-chunk-per-file treatment: common enough
// formats that an empty result would be unhelpful, but without a grammar in
// the registry to parse them properly.
var genericExts = map[string]bool{
	".md": true, ".markdown": true, ".json": true, ".yaml": true, ".yml": true,
}

// Split parses sourceText according to filePath's extension and returns the
// chunks a capture query finds, in source order. Extensions with no
// registered grammar and no generic handling yield an empty, non-error
// result: the caller falls back to treating the whole file as one blob.
func Split(ctx context.Context, filePath string, sourceText []byte) ([]Chunk, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	g, ok := defaultRegistry.forExt(ext)
	if !ok {
		if genericExts[ext] {
			return genericChunk(filePath, sourceText), nil
		}
		return nil, nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(g.lang)

	tree, err := parser.ParseCtx(ctx, nil, sourceText)
	if err != nil {
		return nil, fmt.Errorf("chunker: parse %s: %w", filePath, err)
	}
	root := tree.RootNode()

	query, err := sitter.NewQuery([]byte(g.query), g.lang)
	if err != nil {
		return nil, fmt.Errorf("chunker: compile query for %s: %w", filePath, err)
	}

	cursor := sitter.NewQueryCursor()
	cursor.Exec(query, root)

	var chunks []Chunk
	seen := make(map[string]bool)

	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}

		var blockNode, nameNode *sitter.Node
		for _, capture := range match.Captures {
			switch query.CaptureNameForId(capture.Index) {
			case "block":
				blockNode = capture.Node
			case "name":
				nameNode = capture.Node
			}
		}
		if blockNode == nil {
			continue
		}

		name := "anonymous"
		if nameNode != nil {
			name = nameNode.Content(sourceText)
		}

		startByte, startLine := expandContext(blockNode)
		content := string(sourceText[startByte:blockNode.EndByte()])

		id := fmt.Sprintf("%s:%s:%s:L%d", filePath, name, blockNode.Type(), startLine+1)
		if seen[id] {
			log.Warn().Str("chunkId", id).Str("file", filePath).Msg("chunker: duplicate chunk id, keeping first occurrence")
			continue
		}
		seen[id] = true

		chunks = append(chunks, Chunk{
			ID:        id,
			Type:      blockNode.Type(),
			Content:   content,
			StartLine: int(startLine) + 1,
			EndLine:   int(blockNode.EndPoint().Row) + 1,
		})
	}

	return chunks, nil
}

// expandContext walks backward over contiguous comment/decorator siblings so
// a function's doc comment or a class's decorators are captured as part of
// its chunk, and returns the expanded start byte offset and start row.
func expandContext(block *sitter.Node) (uint32, uint32) {
	startByte := block.StartByte()
	startLine := block.StartPoint().Row

	prev := block.PrevSibling()
	for prev != nil && isContextNode(prev.Type()) {
		startByte = prev.StartByte()
		startLine = prev.StartPoint().Row
		prev = prev.PrevSibling()
	}
	return startByte, startLine
}

func isContextNode(nodeType string) bool {
	return strings.Contains(nodeType, "comment") || strings.Contains(nodeType, "decorator")
}

// genericChunk treats the whole file as a single chunk, used for formats
// that are common in a repository but have no capture-query grammar wired
// up (markdown, json, yaml).
func genericChunk(filePath string, sourceText []byte) []Chunk {
	if len(sourceText) == 0 {
		return nil
	}
	lineCount := strings.Count(string(sourceText), "\n") + 1
	return []Chunk{{
		ID:        fmt.Sprintf("%s::generic:L1", filePath),
		Type:      "generic",
		Content:   string(sourceText),
		StartLine: 1,
		EndLine:   lineCount,
	}}
}
