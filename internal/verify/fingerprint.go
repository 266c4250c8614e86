package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os/exec"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Fingerprinter computes a value of a file content that does not change when
// only the formatting of the content changes.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, path string, content []byte) (string, error)
}

func hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// WhitespaceFingerprinter hashes the content with whitespace normalized.
// A whitespace run is collapsed to a single space when it separates two
// tokens that would otherwise join, other whitespace is removed. Indentation is not significant, files
// of languages where it is need a configured CommandFingerprinter.
type WhitespaceFingerprinter struct{}

func (WhitespaceFingerprinter) Fingerprint(_ context.Context, _ string, content []byte) (string, error) {
	return hash(normalizeWhitespace(content)), nil
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// joins returns true if a and b form a different token when the whitespace
// between them is removed, like "f x" and "+ +".
func joins(a, b rune) bool {
	if isWordRune(a) && isWordRune(b) {
		return true
	}

	if isWordRune(a) || isWordRune(b) || a == 0 {
		return false
	}

	return a == b || (a == '/' && b == '*') || (a == '*' && b == '/')
}

func normalizeWhitespace(content []byte) []byte {
	result := make([]byte, 0, len(content))
	var prev rune
	var pendingSpace bool

	for len(content) > 0 {
		r, size := utf8.DecodeRune(content)
		raw := content[:size]
		content = content[size:]

		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}

		if pendingSpace && joins(prev, r) {
			result = append(result, ' ')
		}
		pendingSpace = false

		result = append(result, raw...)
		prev = r
	}

	return result
}

// GoFingerprinter hashes the syntax tree of Go source files.
// Positions are ignored, comment bodies are compared with normalized
// whitespace.
type GoFingerprinter struct{}

func (GoFingerprinter) Fingerprint(_ context.Context, path string, content []byte) (string, error) {
	fset := token.NewFileSet()

	f, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("parsing go file failed: %w", err)
	}

	var buf bytes.Buffer

	ast.Inspect(f, func(n ast.Node) bool {
		if n == nil {
			buf.WriteByte(')')
			return true
		}

		if _, ok := n.(*ast.CommentGroup); ok {
			return false
		}

		fmt.Fprintf(&buf, "(%T", n)

		switch v := n.(type) {
		case *ast.Ident:
			buf.WriteString(" " + v.Name)
		case *ast.BasicLit:
			fmt.Fprintf(&buf, " %s %s", v.Kind, v.Value)
		case *ast.BinaryExpr:
			buf.WriteString(" " + v.Op.String())
		case *ast.UnaryExpr:
			buf.WriteString(" " + v.Op.String())
		case *ast.AssignStmt:
			buf.WriteString(" " + v.Tok.String())
		case *ast.IncDecStmt:
			buf.WriteString(" " + v.Tok.String())
		case *ast.BranchStmt:
			buf.WriteString(" " + v.Tok.String())
		case *ast.GenDecl:
			buf.WriteString(" " + v.Tok.String())
		case *ast.RangeStmt:
			buf.WriteString(" " + v.Tok.String())
		case *ast.ChanType:
			fmt.Fprintf(&buf, " %d", v.Dir)
		case *ast.Ellipsis:
			buf.WriteString(" ...")
		}

		return true
	})

	for _, cg := range f.Comments {
		for _, c := range cg.List {
			buf.WriteString("//")
			buf.Write(normalizeWhitespace([]byte(commentBody(c.Text))))
		}
	}

	return hash(buf.Bytes()), nil
}

// commentBody returns the text of a comment without its markers.
func commentBody(text string) string {
	if body, ok := strings.CutPrefix(text, "//"); ok {
		return body
	}

	return strings.TrimSuffix(strings.TrimPrefix(text, "/*"), "*/")
}

// CommandFingerprinter pipes the content through an external normalizer
// command and hashes its output.
type CommandFingerprinter struct {
	Command string
}

func (c *CommandFingerprinter) Fingerprint(ctx context.Context, path string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.Command("sh", "-c", c.Command) // nolint:gosec // command is from the configuration file
	cmd.Stdin = bytes.NewReader(content)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("normalizing %s with %q failed: %w (%s)", path, c.Command, err, strings.TrimSpace(stderr.String()))
	}

	return hash(stdout.Bytes()), nil
}
