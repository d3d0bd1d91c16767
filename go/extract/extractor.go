package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/mattepiu/drift/go/scan"
)

// EntryReg is a pending entry-point registration, e.g. route('/u', handle).
// The callback is matched to a function at build time (same file) or resolve
// time (via exports).
type EntryReg struct {
	Route    string
	Via      string
	Callback string
	Line     int
}

// TSLanguage maps a detected language to its tree-sitter grammar, or nil
// when the language has no grammar.
func TSLanguage(lang scan.Language) *sitter.Language {
	switch lang {
	case scan.LangGo:
		return golang.GetLanguage()
	case scan.LangJavaScript:
		return javascript.GetLanguage()
	case scan.LangTypeScript:
		return typescript.GetLanguage()
	case scan.LangPython:
		return python.GetLanguage()
	}
	return nil
}

// Parse builds a syntax tree for |src| using |parser|, which is reused
// across files on the same worker.
func Parse(ctx context.Context, parser *sitter.Parser, lang scan.Language, src []byte) (*sitter.Tree, error) {
	var l = TSLanguage(lang)
	if l == nil {
		return nil, fmt.Errorf("no grammar for language %q", lang)
	}
	parser.SetLanguage(l)

	var tree, err = parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	return tree, nil
}

// Extract walks |tree| and returns every record of |path|. EntryRegs are
// returned alongside because their callbacks may live in other files.
func Extract(path string, lang scan.Language, src []byte, tree *sitter.Tree) (*FileExtract, []EntryReg, error) {
	var root = tree.RootNode()
	if root == nil {
		return nil, nil, fmt.Errorf("empty syntax tree for %s", path)
	}

	var x = &extraction{
		out:         &FileExtract{Path: path, Language: lang},
		path:        path,
		lang:        lang,
		src:         src,
		newBindings: map[string]string{},
		ctorParams:  map[string]bool{},
	}

	switch lang {
	case scan.LangGo:
		x.goFile(root)
	case scan.LangJavaScript, scan.LangTypeScript:
		x.jsFile(root)
	case scan.LangPython:
		x.pyFile(root)
	default:
		return nil, nil, fmt.Errorf("no extractor for language %q", lang)
	}

	x.attachCalls(root)
	x.flagDataAccessors()
	return x.out, x.entryRegs, nil
}

// extraction is the per-file working state.
type extraction struct {
	out       *FileExtract
	path      string
	lang      scan.Language
	src       []byte
	entryRegs []EntryReg

	// newBindings maps local variable names to the class instantiated into
	// them, feeding the method-resolution receiver hint.
	newBindings map[string]string
	// ctorParams are constructor parameter names assigned to `this`,
	// marking this.<param> call sites as DI injection.
	ctorParams map[string]bool

	moduleFn *Function // Lazily created for module-level call sites.
}

func (x *extraction) content(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(x.src)
}

func (x *extraction) line(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }

func (x *extraction) addFunction(name, qualified string, node *sitter.Node) *Function {
	if qualified == "" {
		qualified = name
	}
	var start = x.line(node)
	var fn = Function{
		ID:            FunctionID(x.path, qualified, start),
		Name:          name,
		File:          x.path,
		StartLine:     start,
		EndLine:       int(node.EndPoint().Row) + 1,
		QualifiedName: qualified,
	}
	x.out.Functions = append(x.out.Functions, fn)
	return &x.out.Functions[len(x.out.Functions)-1]
}

// module returns the synthesized function owning module-level statements.
func (x *extraction) module() *Function {
	if x.moduleFn == nil {
		x.out.Functions = append(x.out.Functions, Function{
			ID:            FunctionID(x.path, "anonymous", 0),
			Name:          "anonymous",
			File:          x.path,
			StartLine:     0,
			EndLine:       1 << 30,
			QualifiedName: "anonymous",
		})
		x.moduleFn = &x.out.Functions[len(x.out.Functions)-1]
	}
	return x.moduleFn
}

// containing finds the innermost declared function whose span covers |line|,
// falling back to the module function.
func (x *extraction) containing(line int) *Function {
	var best *Function
	for i := range x.out.Functions {
		var f = &x.out.Functions[i]
		if f.StartLine == 0 || f.StartLine > line || f.EndLine < line {
			continue
		}
		if best == nil || (f.EndLine-f.StartLine) < (best.EndLine-best.StartLine) {
			best = f
		}
	}
	if best == nil {
		return x.module()
	}
	return best
}

func (x *extraction) flagDataAccessors() {
	var accessors = map[string]bool{}
	for _, a := range x.out.Accesses {
		accessors[a.FunctionID] = true
	}
	for i := range x.out.Functions {
		if accessors[x.out.Functions[i].ID] {
			x.out.Functions[i].IsDataAccessor = true
		}
	}
	// Apply same-file entry registrations immediately.
	for _, reg := range x.entryRegs {
		for i := range x.out.Functions {
			if x.out.Functions[i].Name == reg.Callback {
				x.out.Functions[i].IsEntryPoint = true
				x.out.Functions[i].EntryRoute = reg.Route
				x.out.Functions[i].EntryVia = reg.Via
			}
		}
	}
	sort.Slice(x.out.Functions, func(i, j int) bool {
		return x.out.Functions[i].StartLine < x.out.Functions[j].StartLine
	})
}

// walk visits every node beneath |n| in document order.
func walk(n *sitter.Node, visit func(*sitter.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

// --- Go ---

func (x *extraction) goFile(root *sitter.Node) {
	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_declaration":
			var name = x.content(n.ChildByFieldName("name"))
			var fn = x.addFunction(name, "", n)
			if name == "main" {
				fn.IsEntryPoint = true
				fn.EntryVia = "main"
			}
			if isExportedGo(name) {
				x.out.Exports = append(x.out.Exports, Export{Symbol: name, FunctionID: fn.ID})
			}
		case "method_declaration":
			var name = x.content(n.ChildByFieldName("name"))
			var recv = goReceiverType(n, x.src)
			var qualified = name
			if recv != "" {
				qualified = recv + "." + name
			}
			var fn = x.addFunction(name, qualified, n)
			if isExportedGo(name) {
				x.out.Exports = append(x.out.Exports, Export{Symbol: qualified, FunctionID: fn.ID})
			}
		case "import_spec":
			var module = strings.Trim(x.content(n.ChildByFieldName("path")), `"`)
			var imp = Import{Module: module}
			if alias := n.ChildByFieldName("name"); alias != nil {
				imp.Alias = x.content(alias)
			}
			x.out.Imports = append(x.out.Imports, imp)
		case "short_var_declaration":
			x.goTrackConstructor(n)
		}
		return true
	})
}

// goTrackConstructor records `r := NewRepo(...)` as r having type Repo.
func (x *extraction) goTrackConstructor(n *sitter.Node) {
	var left = n.ChildByFieldName("left")
	var right = n.ChildByFieldName("right")
	if left == nil || right == nil || left.NamedChildCount() != 1 || right.NamedChildCount() != 1 {
		return
	}
	var value = right.NamedChild(0)
	if value.Type() != "call_expression" {
		return
	}
	var callee = x.content(value.ChildByFieldName("function"))
	if strings.HasPrefix(callee, "New") && len(callee) > 3 {
		x.newBindings[x.content(left.NamedChild(0))] = callee[3:]
	}
}

func goReceiverType(n *sitter.Node, src []byte) string {
	var recv = n.ChildByFieldName("receiver")
	if recv == nil || recv.NamedChildCount() == 0 {
		return ""
	}
	var typ = recv.NamedChild(0).ChildByFieldName("type")
	if typ == nil {
		return ""
	}
	var t = typ.Content(src)
	return strings.TrimPrefix(t, "*")
}

func isExportedGo(name string) bool {
	return name != "" && name[0] >= 'A' && name[0] <= 'Z'
}

// --- JavaScript / TypeScript ---

func (x *extraction) jsFile(root *sitter.Node) {
	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_declaration", "generator_function_declaration":
			var name = x.content(n.ChildByFieldName("name"))
			var fn = x.addFunction(name, "", n)
			if isExportedJS(n) {
				x.out.Exports = append(x.out.Exports, Export{Symbol: name, FunctionID: fn.ID})
			}
		case "class_declaration":
			x.jsClass(n)
			return false // Methods handled inside.
		case "variable_declarator":
			x.jsDeclarator(n)
		case "import_statement":
			x.jsImport(n)
		}
		return true
	})
}

func (x *extraction) jsClass(n *sitter.Node) {
	var class = x.content(n.ChildByFieldName("name"))
	var body = n.ChildByFieldName("body")
	if body == nil {
		return
	}
	var exported = isExportedJS(n)

	for i := 0; i < int(body.NamedChildCount()); i++ {
		var m = body.NamedChild(i)
		if m.Type() != "method_definition" {
			continue
		}
		var name = x.content(m.ChildByFieldName("name"))
		var fn = x.addFunction(name, class+"."+name, m)
		if exported {
			x.out.Exports = append(x.out.Exports, Export{Symbol: class + "." + name, FunctionID: fn.ID})
		}
		if name == "constructor" {
			x.jsTrackCtorParams(m)
		}
	}
	if exported {
		// The class itself resolves `new Class(...)` through its constructor.
		x.out.Exports = append(x.out.Exports, Export{Symbol: class, FunctionID: FunctionID(x.path, class+".constructor", classCtorLine(x, body))})
	}
}

func classCtorLine(x *extraction, body *sitter.Node) int {
	for i := 0; i < int(body.NamedChildCount()); i++ {
		var m = body.NamedChild(i)
		if m.Type() == "method_definition" && x.content(m.ChildByFieldName("name")) == "constructor" {
			return x.line(m)
		}
	}
	return x.line(body)
}

// jsTrackCtorParams marks constructor parameters as DI candidates.
func (x *extraction) jsTrackCtorParams(m *sitter.Node) {
	var params = m.ChildByFieldName("parameters")
	if params == nil {
		return
	}
	for i := 0; i < int(params.NamedChildCount()); i++ {
		var p = params.NamedChild(i)
		switch p.Type() {
		case "identifier":
			x.ctorParams[x.content(p)] = true
		case "required_parameter", "optional_parameter":
			if pat := p.ChildByFieldName("pattern"); pat != nil {
				x.ctorParams[x.content(pat)] = true
			}
		}
	}
}

// jsDeclarator handles `const f = () => ...`, `const r = new Repo()`, and
// `const x = require('mod')`.
func (x *extraction) jsDeclarator(n *sitter.Node) {
	var name = x.content(n.ChildByFieldName("name"))
	var value = n.ChildByFieldName("value")
	if name == "" || value == nil {
		return
	}

	switch value.Type() {
	case "arrow_function", "function", "function_expression":
		var fn = x.addFunction(name, "", value)
		if isExportedJS(n) {
			x.out.Exports = append(x.out.Exports, Export{Symbol: name, FunctionID: fn.ID})
		}
	case "new_expression":
		var ctor = x.content(value.ChildByFieldName("constructor"))
		if ctor != "" {
			x.newBindings[name] = ctor
		}
	case "call_expression":
		if x.content(value.ChildByFieldName("function")) == "require" {
			var args = value.ChildByFieldName("arguments")
			if args != nil && args.NamedChildCount() > 0 {
				x.out.Imports = append(x.out.Imports, Import{
					Module: trimStringLiteral(x.content(args.NamedChild(0))),
					Alias:  name,
				})
			}
		}
	}
}

func (x *extraction) jsImport(n *sitter.Node) {
	var imp = Import{Module: trimStringLiteral(x.content(n.ChildByFieldName("source")))}

	walk(n, func(c *sitter.Node) bool {
		switch c.Type() {
		case "import_specifier":
			imp.Symbols = append(imp.Symbols, x.content(c.ChildByFieldName("name")))
		case "import_clause":
			if c.NamedChildCount() > 0 && c.NamedChild(0).Type() == "identifier" {
				imp.Alias = x.content(c.NamedChild(0))
			}
		}
		return true
	})
	x.out.Imports = append(x.out.Imports, imp)
}

// isExportedJS reports whether a declaration sits under an export statement.
func isExportedJS(n *sitter.Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "export_statement" {
			return true
		}
		if p.Type() == "program" {
			return false
		}
	}
	return false
}

// --- Python ---

func (x *extraction) pyFile(root *sitter.Node) {
	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_definition":
			var name = x.content(n.ChildByFieldName("name"))
			var class = pyEnclosingClass(n, x.src)
			var qualified = name
			if class != "" {
				qualified = class + "." + name
			}
			var fn = x.addFunction(name, qualified, n)
			if class == "" && !strings.HasPrefix(name, "_") {
				x.out.Exports = append(x.out.Exports, Export{Symbol: name, FunctionID: fn.ID})
			}
			x.pyRouteDecorator(n, fn)
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				var c = n.NamedChild(i)
				switch c.Type() {
				case "dotted_name":
					x.out.Imports = append(x.out.Imports, Import{Module: x.content(c)})
				case "aliased_import":
					x.out.Imports = append(x.out.Imports, Import{
						Module: x.content(c.ChildByFieldName("name")),
						Alias:  x.content(c.ChildByFieldName("alias")),
					})
				}
			}
		case "import_from_statement":
			var imp = Import{Module: x.content(n.ChildByFieldName("module_name"))}
			for i := 0; i < int(n.NamedChildCount()); i++ {
				var c = n.NamedChild(i)
				if c.Type() == "dotted_name" && x.content(c) != imp.Module {
					imp.Symbols = append(imp.Symbols, x.content(c))
				}
			}
			x.out.Imports = append(x.out.Imports, imp)
		}
		return true
	})
}

func pyEnclosingClass(n *sitter.Node, src []byte) string {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "class_definition" {
			return p.ChildByFieldName("name").Content(src)
		}
		if p.Type() == "function_definition" {
			return "" // Nested function, not a method.
		}
	}
	return ""
}

// pyRouteDecorator marks @app.route("/u")-decorated functions as entries.
func (x *extraction) pyRouteDecorator(n *sitter.Node, fn *Function) {
	var parent = n.Parent()
	if parent == nil || parent.Type() != "decorated_definition" {
		return
	}
	for i := 0; i < int(parent.NamedChildCount()); i++ {
		var d = parent.NamedChild(i)
		if d.Type() != "decorator" {
			continue
		}
		var text = x.content(d)
		if !strings.Contains(text, "route") && !strings.Contains(text, ".get") && !strings.Contains(text, ".post") {
			continue
		}
		fn.IsEntryPoint = true
		fn.EntryVia = "route"
		if open := strings.IndexAny(text, "\"'"); open >= 0 {
			if close := strings.IndexAny(text[open+1:], "\"'"); close >= 0 {
				fn.EntryRoute = text[open+1 : open+1+close]
			}
		}
	}
}

func trimStringLiteral(s string) string {
	return strings.Trim(s, "\"'`")
}
