package fixer

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/joescharf/quorum/internal/models"
)

// transform edits one line (without its line terminator). It returns the
// replacement text, or remove=true to drop the line. It must fail with
// ErrPreconditionNotPresent when the line no longer shows the problem.
type transform func(line string, fix *models.Fix) (out string, remove bool, err error)

var strategies = map[models.FixType]transform{
	models.FixTypeEmojiRemoval:         removeEmoji,
	models.FixTypeConsoleLogRemoval:    removeConsoleCall,
	models.FixTypeUnusedImportRemoval:  removeUnusedImport,
	models.FixTypeCommentedCodeRemoval: removeCommentedCode,
}

// --- emoji ---

var emojiTable = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x231a, Hi: 0x231b, Stride: 1},
		{Lo: 0x23e9, Hi: 0x23f3, Stride: 1},
		{Lo: 0x23f8, Hi: 0x23fa, Stride: 1},
		{Lo: 0x2600, Hi: 0x27bf, Stride: 1},
		{Lo: 0x2b05, Hi: 0x2b07, Stride: 1},
		{Lo: 0x2b1b, Hi: 0x2b1c, Stride: 1},
		{Lo: 0x2b50, Hi: 0x2b55, Stride: 5},
	},
	R32: []unicode.Range32{
		{Lo: 0x1f1e6, Hi: 0x1f1ff, Stride: 1},
		{Lo: 0x1f300, Hi: 0x1faff, Stride: 1},
	},
}

func isEmoji(r rune) bool { return unicode.Is(emojiTable, r) }

// isEmojiModifier covers joiners, variation selectors and keycaps that only
// make sense attached to an emoji.
func isEmojiModifier(r rune) bool {
	return r == 0x200d || r == 0xfe0e || r == 0xfe0f || r == 0x20e3
}

func isWord(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' }

func removeEmoji(line string, _ *models.Fix) (string, bool, error) {
	runes := []rune(line)
	indent := 0
	for indent < len(runes) && (runes[indent] == ' ' || runes[indent] == '\t') {
		indent++
	}

	out := make([]rune, 0, len(runes))
	found := false
	for i := 0; i < len(runes); i++ {
		if !isEmoji(runes[i]) {
			out = append(out, runes[i])
			continue
		}
		found = true
		for i+1 < len(runes) && (isEmoji(runes[i+1]) || isEmojiModifier(runes[i+1])) {
			i++
		}

		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		var last rune
		if len(out) > indent {
			last = out[len(out)-1]
		}
		switch {
		case next == ' ' && (len(out) == indent || !isWord(last)):
			i++ // "🚀 Start" -> "Start", "a 🚀 b" -> "a b"
		case last == ' ' && next != ' ' && !isWord(next):
			out = out[:len(out)-1] // "Done ✅\"" -> "Done\""
		}
	}
	if !found {
		return "", false, fmt.Errorf("%w: no emoji on line", ErrPreconditionNotPresent)
	}
	return string(out), false, nil
}

// --- console ---

var consoleCall = regexp.MustCompile(`\bconsole\.(log|debug|info|warn|error|trace|table|dir)\s*\(`)

func removeConsoleCall(line string, _ *models.Fix) (string, bool, error) {
	if !consoleCall.MatchString(line) {
		return "", false, fmt.Errorf("%w: no console call on line", ErrPreconditionNotPresent)
	}
	trimmed := strings.TrimSpace(line)
	loc := consoleCall.FindStringIndex(trimmed)
	if loc == nil || loc[0] != 0 {
		return "", false, fmt.Errorf("%w: console call shares the line with other code", ErrTransformFailed)
	}
	end := closingParen(trimmed, loc[1]-1)
	if end < 0 {
		return "", false, fmt.Errorf("%w: console call spans multiple lines", ErrTransformFailed)
	}
	if rest := strings.TrimSpace(trimmed[end+1:]); rest != "" && rest != ";" {
		return "", false, fmt.Errorf("%w: console call shares the line with other code", ErrTransformFailed)
	}
	return "", true, nil
}

// closingParen returns the index of the paren closing the one at open,
// skipping string and template literals, or -1 when the line ends first.
func closingParen(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// --- unused import ---

var (
	importLine    = regexp.MustCompile(`^\s*import\b`)
	quotedName    = regexp.MustCompile("[`'\"‘“]([A-Za-z_$][\\w$]*)[`'\"’”]")
	importFromRe  = regexp.MustCompile(`^(\s*)import\s+(type\s+)?(.+?)\s+from\s+(.+)$`)
	quotedModule  = regexp.MustCompile(`^\s*import\s+['"]`)
	namespaceName = regexp.MustCompile(`^\*\s+as\s+([A-Za-z_$][\w$]*)$`)
)

// importedName pulls the unused binding's name out of the issue text.
func importedName(fix *models.Fix) []string {
	var names []string
	for _, text := range []string{fix.Description, fix.Solution} {
		for _, m := range quotedName.FindAllStringSubmatch(text, -1) {
			names = append(names, m[1])
		}
	}
	return names
}

// localBinding returns the name an import specifier binds locally.
func localBinding(spec string) string {
	spec = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(spec), "type "))
	if i := strings.LastIndex(spec, " as "); i >= 0 {
		return strings.TrimSpace(spec[i+4:])
	}
	return spec
}

type importClause struct {
	def       string
	namespace string
	named     []string
	spaced    bool
	hasBraces bool
}

func parseClause(clause string) (importClause, error) {
	var c importClause
	pre := clause
	if open := strings.Index(clause, "{"); open >= 0 {
		end := strings.LastIndex(clause, "}")
		if end < open {
			return c, fmt.Errorf("%w: multi-line import", ErrTransformFailed)
		}
		if strings.TrimSpace(clause[end+1:]) != "" {
			return c, fmt.Errorf("%w: unexpected text after import braces", ErrTransformFailed)
		}
		c.hasBraces = true
		inner := clause[open+1 : end]
		c.spaced = strings.HasPrefix(inner, " ")
		for _, spec := range strings.Split(inner, ",") {
			if s := strings.TrimSpace(spec); s != "" {
				c.named = append(c.named, s)
			}
		}
		pre = strings.TrimSuffix(strings.TrimSpace(clause[:open]), ",")
	}
	for _, part := range strings.Split(pre, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case namespaceName.MatchString(part):
			c.namespace = namespaceName.FindStringSubmatch(part)[1]
		default:
			c.def = part
		}
	}
	return c, nil
}

func (c importClause) bindings() int {
	n := len(c.named)
	if c.def != "" {
		n++
	}
	if c.namespace != "" {
		n++
	}
	return n
}

func (c importClause) has(name string) bool {
	if c.def == name || c.namespace == name {
		return true
	}
	for _, spec := range c.named {
		if localBinding(spec) == name {
			return true
		}
	}
	return false
}

func (c *importClause) drop(name string) {
	if c.def == name {
		c.def = ""
	}
	if c.namespace == name {
		c.namespace = ""
	}
	kept := c.named[:0]
	for _, spec := range c.named {
		if localBinding(spec) != name {
			kept = append(kept, spec)
		}
	}
	c.named = kept
}

func (c importClause) String() string {
	var parts []string
	if c.def != "" {
		parts = append(parts, c.def)
	}
	if c.namespace != "" {
		parts = append(parts, "* as "+c.namespace)
	}
	if len(c.named) > 0 {
		inner := strings.Join(c.named, ", ")
		if c.spaced {
			parts = append(parts, "{ "+inner+" }")
		} else {
			parts = append(parts, "{"+inner+"}")
		}
	}
	return strings.Join(parts, ", ")
}

func removeUnusedImport(line string, fix *models.Fix) (string, bool, error) {
	if !importLine.MatchString(line) {
		return "", false, fmt.Errorf("%w: not an import statement", ErrPreconditionNotPresent)
	}
	if strings.Contains(line, "{") && !strings.Contains(line, "}") {
		return "", false, fmt.Errorf("%w: multi-line import", ErrTransformFailed)
	}
	if quotedModule.MatchString(line) {
		return "", false, fmt.Errorf("%w: side-effect import has no binding to remove", ErrTransformFailed)
	}

	m := importFromRe.FindStringSubmatch(line)
	if m == nil {
		return removePlainImport(line, fix)
	}
	indent, typeKw, clauseText, module := m[1], m[2], m[3], m[4]
	clause, err := parseClause(clauseText)
	if err != nil {
		return "", false, err
	}

	name := ""
	for _, candidate := range importedName(fix) {
		if clause.has(candidate) {
			name = candidate
			break
		}
	}
	if name == "" {
		if len(importedName(fix)) > 0 {
			return "", false, fmt.Errorf("%w: binding already removed", ErrPreconditionNotPresent)
		}
		if clause.bindings() == 1 && !clause.hasBraces {
			return "", true, nil
		}
		return "", false, fmt.Errorf("%w: cannot tell which binding is unused", ErrTransformFailed)
	}

	clause.drop(name)
	if clause.bindings() == 0 {
		return "", true, nil
	}
	return indent + "import " + typeKw + clause.String() + " from " + module, false, nil
}

// removePlainImport handles "import a, b as c" lists without a from clause.
func removePlainImport(line string, fix *models.Fix) (string, bool, error) {
	loc := importLine.FindStringIndex(line)
	indent := line[:strings.Index(line, "import")]
	rest := strings.TrimSpace(line[loc[1]:])
	rest = strings.TrimSuffix(rest, ";")
	specs := strings.Split(rest, ",")

	names := importedName(fix)
	if len(names) == 0 {
		if len(specs) == 1 {
			return "", true, nil
		}
		return "", false, fmt.Errorf("%w: cannot tell which binding is unused", ErrTransformFailed)
	}

	var kept []string
	removed := false
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		bound := localBinding(spec)
		if !removed && contains(names, bound) {
			removed = true
			continue
		}
		kept = append(kept, spec)
	}
	if !removed {
		return "", false, fmt.Errorf("%w: binding already removed", ErrPreconditionNotPresent)
	}
	if len(kept) == 0 {
		return "", true, nil
	}
	return indent + "import " + strings.Join(kept, ", "), false, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- commented code ---

var directivePrefixes = []string{"go:", "nolint", "eslint", "@ts-", "prettier-ignore", "#region", "#endregion", "istanbul", "noqa", "type:", "-*-", "pylint", "/ <reference"}

func removeCommentedCode(line string, fix *models.Fix) (string, bool, error) {
	trimmed := strings.TrimSpace(line)
	marker := "//"
	switch strings.ToLower(path.Ext(fix.FilePath)) {
	case ".py", ".sh", ".rb", ".yaml", ".yml":
		marker = "#"
	}
	if !strings.HasPrefix(trimmed, marker) {
		return "", false, fmt.Errorf("%w: line is not a comment", ErrPreconditionNotPresent)
	}
	if strings.HasPrefix(trimmed, "#!") {
		return "", false, fmt.Errorf("%w: shebang line", ErrTransformFailed)
	}
	body := strings.TrimSpace(strings.TrimPrefix(trimmed, marker))
	for _, d := range directivePrefixes {
		if strings.HasPrefix(body, d) {
			return "", false, fmt.Errorf("%w: %q is a tool directive", ErrTransformFailed, trimmed)
		}
	}
	return "", true, nil
}
