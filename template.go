package conductor

import (
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Template is a compiled prompt template. Placeholders take the form ${name}
// or {{name}}; names may contain letters, digits, underscore, hyphen, and dot
// (dots address prior stage outputs, as in ${research.output}).
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	text string // literal text when name is empty
	name string // placeholder name otherwise
}

// CompileTemplate parses s into a Template. Malformed or unterminated
// placeholders are kept as literal text, so compilation never fails.
func CompileTemplate(s string) *Template {
	t := &Template{raw: s}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{text: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(s) {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			if end := strings.IndexByte(s[i+2:], '}'); end >= 0 {
				name := s[i+2 : i+2+end]
				if placeholderName(name) {
					flush()
					t.segments = append(t.segments, segment{name: name})
					i += 2 + end + 1
					continue
				}
			}
		}
		if s[i] == '{' && i+1 < len(s) && s[i+1] == '{' {
			if end := strings.Index(s[i+2:], "}}"); end >= 0 {
				name := strings.TrimSpace(s[i+2 : i+2+end])
				if placeholderName(name) {
					flush()
					t.segments = append(t.segments, segment{name: name})
					i += 2 + end + 2
					continue
				}
			}
		}
		lit.WriteByte(s[i])
		i++
	}
	flush()
	return t
}

// Render substitutes vars into the template. Unknown placeholders render as
// empty strings. Render has no side effects and is safe for concurrent use.
func (t *Template) Render(vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, seg := range t.segments {
		if seg.name == "" {
			b.WriteString(seg.text)
			continue
		}
		b.WriteString(vars[seg.name])
	}
	return b.String()
}

// Placeholders returns the distinct placeholder names in first-use order.
func (t *Template) Placeholders() []string {
	seen := make(map[string]bool)
	var names []string
	for _, seg := range t.segments {
		if seg.name != "" && !seen[seg.name] {
			seen[seg.name] = true
			names = append(names, seg.name)
		}
	}
	return names
}

// Raw returns the template source text.
func (t *Template) Raw() string { return t.raw }

// placeholderName reports whether s is a valid placeholder name: 1..128
// characters from [A-Za-z0-9_.-].
func placeholderName(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return false
		}
	}
	return true
}

// --- Cached renderer ---

// Renderer compiles templates on demand and keeps compiled forms in an
// expiring LRU keyed by template text. Safe for concurrent use.
type Renderer struct {
	cache *expirable.LRU[string, *Template]
}

// NewRenderer builds a Renderer per cfg. With the cache disabled every Render
// recompiles, which is still cheap for short prompts.
func NewRenderer(cfg TemplateCacheConfig) *Renderer {
	r := &Renderer{}
	if cfg.Enabled {
		r.cache = expirable.NewLRU[string, *Template](cfg.MaxSize, nil, cfg.TTL.Duration())
	}
	return r
}

// Render compiles tmpl (or reuses a cached compilation) and substitutes vars.
func (r *Renderer) Render(tmpl string, vars map[string]string) string {
	return r.Compile(tmpl).Render(vars)
}

// Compile returns the compiled form of tmpl, from cache when possible.
func (r *Renderer) Compile(tmpl string) *Template {
	if r.cache != nil {
		if t, ok := r.cache.Get(tmpl); ok {
			return t
		}
	}
	t := CompileTemplate(tmpl)
	if r.cache != nil {
		r.cache.Add(tmpl, t)
	}
	return t
}
