// Package pycheck statically validates Python block sources before they
// reach a sandbox or the registry.
//
// It is the Go-side stand-in for Python's compile() gate: a Tree-sitter
// parse that rejects sources with syntax errors, verifies the
// execute(inputs, context) entry point, and extracts third-party imports
// so the sandbox knows what to install. Synthesized code is never
// imported into this process; parsing is as far as it goes.
package pycheck

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"blocksmith/internal/core"
)

// Checker parses Python sources. Safe for concurrent use; the underlying
// Tree-sitter parser is stateful so calls are serialized.
type Checker struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

// New creates a Checker with the Python grammar loaded.
func New() *Checker {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &Checker{parser: parser}
}

// Issue is one syntax problem found in a source.
type Issue struct {
	Line    int    // 1-based
	Column  int    // 0-based, as editors report it
	Missing bool   // true when the parser expected a token that is absent
	Near    string // source excerpt around the issue
}

func (i Issue) String() string {
	kind := "syntax error"
	if i.Missing {
		kind = "missing token"
	}
	if i.Near == "" {
		return fmt.Sprintf("line %d:%d: %s", i.Line, i.Column, kind)
	}
	return fmt.Sprintf("line %d:%d: %s near %q", i.Line, i.Column, kind, i.Near)
}

// Check parses the source and returns a source_compile validation error
// when the grammar finds ERROR or missing nodes. A nil return means the
// source is syntactically valid Python.
func (c *Checker) Check(source string) error {
	issues, err := c.scan(source)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		return nil
	}

	parts := make([]string, 0, len(issues))
	for i, issue := range issues {
		if i == 4 && len(issues) > 5 {
			parts = append(parts, fmt.Sprintf("and %d more", len(issues)-4))
			break
		}
		parts = append(parts, issue.String())
	}
	return core.NewValidation(core.SubkindSourceCompile,
		fmt.Sprintf("source does not compile: %s", strings.Join(parts, "; ")))
}

// CheckBlockSource runs the full persistence gate for a python block:
// the source must compile and must define a module-level
// execute(inputs, context) function.
func (c *Checker) CheckBlockSource(source string) error {
	if err := c.Check(source); err != nil {
		return err
	}

	ok, nparams, err := c.findExecute(source)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewValidation(core.SubkindSourceCompile,
			"source must define a module-level execute(inputs, context) function")
	}
	if nparams < 2 {
		return core.NewValidation(core.SubkindSourceCompile,
			fmt.Sprintf("execute must accept (inputs, context); found %d parameter(s)", nparams))
	}
	return nil
}

// scan returns every ERROR or missing node in document order.
func (c *Checker) scan(source string) ([]Issue, error) {
	tree, err := c.parse(source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil, nil
	}

	var issues []Issue
	content := []byte(source)
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "ERROR" || n.IsMissing() {
			issues = append(issues, issueAt(n, content))
			if n.Type() == "ERROR" {
				return // children of an ERROR node are noise
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			child := n.Child(i)
			if child.HasError() || child.IsMissing() {
				walk(child)
			}
		}
	}
	walk(root)
	return issues, nil
}

func issueAt(n *sitter.Node, content []byte) Issue {
	start := n.StartPoint()
	near := ""
	if n.EndByte() > n.StartByte() {
		excerpt := content[n.StartByte():n.EndByte()]
		if len(excerpt) > 40 {
			excerpt = excerpt[:40]
		}
		near = strings.TrimSpace(string(excerpt))
	}
	return Issue{
		Line:    int(start.Row) + 1,
		Column:  int(start.Column),
		Missing: n.IsMissing(),
		Near:    near,
	}
}

// findExecute locates a module-level function named execute and reports
// its positional parameter count. Decorated definitions are unwrapped.
func (c *Checker) findExecute(source string) (bool, int, error) {
	tree, err := c.parse(source)
	if err != nil {
		return false, 0, err
	}
	defer tree.Close()

	content := []byte(source)
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		fn := child
		if child.Type() == "decorated_definition" {
			fn = child.ChildByFieldName("definition")
			if fn == nil {
				continue
			}
		}
		if fn.Type() != "function_definition" {
			continue
		}
		name := fn.ChildByFieldName("name")
		if name == nil || string(content[name.StartByte():name.EndByte()]) != "execute" {
			continue
		}
		params := fn.ChildByFieldName("parameters")
		if params == nil {
			return true, 0, nil
		}
		count := 0
		for j := 0; j < int(params.NamedChildCount()); j++ {
			switch params.NamedChild(j).Type() {
			case "identifier", "typed_parameter", "default_parameter", "typed_default_parameter":
				count++
			}
		}
		return true, count, nil
	}
	return false, 0, nil
}

func (c *Checker) parse(source string) (*sitter.Tree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, err := c.parser.ParseCtx(context.Background(), nil, []byte(source))
	if err != nil {
		return nil, core.NewValidation(core.SubkindSourceCompile,
			"parser failure").WithCause(err)
	}
	return tree, nil
}

// =============================================================================
// IMPORT EXTRACTION
// =============================================================================

// stdlibModules are import roots that never need pip installation.
var stdlibModules = map[string]bool{
	"abc": true, "argparse": true, "asyncio": true, "base64": true,
	"collections": true, "contextlib": true, "copy": true, "csv": true,
	"dataclasses": true, "datetime": true, "decimal": true, "difflib": true,
	"email": true, "enum": true, "functools": true, "glob": true,
	"gzip": true, "hashlib": true, "heapq": true, "hmac": true,
	"html": true, "http": true, "io": true, "itertools": true,
	"json": true, "logging": true, "math": true, "mimetypes": true,
	"operator": true, "os": true, "pathlib": true, "queue": true,
	"random": true, "re": true, "secrets": true, "shutil": true,
	"socket": true, "sqlite3": true, "statistics": true, "string": true,
	"struct": true, "subprocess": true, "sys": true, "tempfile": true,
	"textwrap": true, "threading": true, "time": true, "traceback": true,
	"types": true, "typing": true, "unicodedata": true, "urllib": true,
	"uuid": true, "warnings": true, "xml": true, "zipfile": true,
	"zoneinfo": true,
}

// pipNames maps import roots to pip package names where they differ.
var pipNames = map[string]string{
	"bs4":      "beautifulsoup4",
	"PIL":      "pillow",
	"yaml":     "pyyaml",
	"dateutil": "python-dateutil",
	"dotenv":   "python-dotenv",
	"sklearn":  "scikit-learn",
	"cv2":      "opencv-python-headless",
}

// ExtractImports returns the pip package names a source needs, sorted
// and deduplicated. Standard-library imports are skipped. Imports are
// collected from the whole tree, not just module top level, since
// generated code often imports inside execute.
func (c *Checker) ExtractImports(source string) ([]string, error) {
	tree, err := c.parse(source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	content := []byte(source)
	roots := map[string]bool{}

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				switch child.Type() {
				case "dotted_name":
					roots[importRoot(child, content)] = true
				case "aliased_import":
					if name := child.ChildByFieldName("name"); name != nil {
						roots[importRoot(name, content)] = true
					}
				}
			}
		case "import_from_statement":
			if mod := n.ChildByFieldName("module_name"); mod != nil && mod.Type() == "dotted_name" {
				roots[importRoot(mod, content)] = true
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(tree.RootNode())

	var packages []string
	for root := range roots {
		if root == "" || stdlibModules[root] {
			continue
		}
		if pip, ok := pipNames[root]; ok {
			packages = append(packages, pip)
			continue
		}
		packages = append(packages, root)
	}
	sort.Strings(packages)
	return packages, nil
}

// importRoot returns the first segment of a dotted module path.
func importRoot(n *sitter.Node, content []byte) string {
	text := string(content[n.StartByte():n.EndByte()])
	if idx := strings.IndexByte(text, '.'); idx >= 0 {
		return text[:idx]
	}
	return text
}
