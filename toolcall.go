package conductor

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// mdParser is shared across calls; goldmark parsers are safe for concurrent use.
var mdParser = goldmark.New().Parser()

// ParseToolCall extracts a tool invocation from a model response. Two forms
// are recognized: the entire response as a single JSON object
// {"tool": "<name>", "arguments": <string|object>}, or a response containing
// exactly one fenced code block holding such an object. Anything else,
// including multiple candidate blocks, reports false and the response stands
// as final text.
func ParseToolCall(response string) (ToolCall, bool) {
	if tc, ok := decodeToolCall(response); ok {
		return tc, true
	}
	var calls []ToolCall
	for _, block := range fencedBlocks(response) {
		if tc, ok := decodeToolCall(block); ok {
			calls = append(calls, tc)
		}
	}
	if len(calls) == 1 {
		return calls[0], true
	}
	return ToolCall{}, false
}

// decodeToolCall parses s as one JSON object of the tool-call shape. Trailing
// content after the object disqualifies it.
func decodeToolCall(s string) (ToolCall, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return ToolCall{}, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	var tc ToolCall
	if err := dec.Decode(&tc); err != nil || tc.Tool == "" {
		return ToolCall{}, false
	}
	if dec.More() {
		return ToolCall{}, false
	}
	if !validArguments(tc.Arguments) {
		return ToolCall{}, false
	}
	return tc, true
}

// validArguments accepts absent arguments, a JSON string, or a JSON object.
func validArguments(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return true
	}
	return trimmed[0] == '"' || trimmed[0] == '{'
}

// ArgumentsText returns the call arguments as plain text: a JSON string is
// unquoted, an object stays as its JSON, absent arguments yield "".
func (c ToolCall) ArgumentsText() string {
	trimmed := bytes.TrimSpace(c.Arguments)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// fencedBlocks returns the contents of every fenced code block in md that is
// tagged json or left untagged.
func fencedBlocks(md string) []string {
	src := []byte(md)
	doc := mdParser.Parse(text.NewReader(src))
	var blocks []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if lang := string(fc.Language(src)); lang != "" && lang != "json" {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}
		blocks = append(blocks, buf.String())
		return ast.WalkContinue, nil
	})
	return blocks
}
