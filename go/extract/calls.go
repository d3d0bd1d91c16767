package extract

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/mattepiu/drift/go/scan"
)

// chainSeg is one segment of a call chain normalized to a language-neutral
// form: a member sequence on an identifier, e.g. db.users.select(x).
type chainSeg struct {
	Name      string
	Call      bool
	StrArgs   []string
	IdentArgs []string
}

// entryVias are callee names which register an entry point when invoked
// with a route literal and a callback identifier.
var entryVias = map[string]bool{
	"route": true, "get": true, "post": true, "put": true, "delete": true,
	"patch": true, "use": true, "HandleFunc": true, "Handle": true,
	"add_url_rule": true,
}

// attachCalls walks every call site, assigns callers by line, and feeds
// normalized chains through the ORM recognizers.
func (x *extraction) attachCalls(root *sitter.Node) {
	var callType, newType = "call_expression", "new_expression"
	if x.lang == scan.LangPython {
		callType = "call"
	}

	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case callType:
			// Inner calls of a larger member chain are covered by the
			// outermost call site.
			if p := n.Parent(); p != nil && isMemberNode(p.Type()) {
				return true
			}
			x.callSite(n)
		case newType:
			x.newSite(n)
		}
		return true
	})
}

func isMemberNode(t string) bool {
	return t == "member_expression" || t == "attribute" || t == "selector_expression"
}

func (x *extraction) callSite(n *sitter.Node) {
	var chain = x.flatten(n)
	if len(chain) == 0 {
		return
	}

	var line = x.line(n)
	var caller = x.containing(line)
	var last = chain[len(chain)-1]

	// Entry-point registration: route('/u', handle) and friends.
	if entryVias[last.Name] && len(last.StrArgs) > 0 && len(last.IdentArgs) > 0 {
		x.entryRegs = append(x.entryRegs, EntryReg{
			Route:    last.StrArgs[0],
			Via:      last.Name,
			Callback: last.IdentArgs[len(last.IdentArgs)-1],
			Line:     line,
		})
		// The registered callback is referenced, so the router edge to it
		// is recorded against the registering function.
		x.out.Calls = append(x.out.Calls, CallEdge{
			CallerID:   caller.ID,
			CalleeName: last.IdentArgs[len(last.IdentArgs)-1],
			Line:       line,
			Kind:       CallDirect,
		})
		return
	}

	var edge = CallEdge{CallerID: caller.ID, CalleeName: last.Name, Line: line}
	switch {
	case len(chain) == 1:
		edge.Kind = CallDirect
	case chain[0].Name == "this" && len(chain) >= 3 && x.ctorParams[chain[1].Name]:
		edge.Kind = CallDI
	default:
		edge.Kind = CallMethod
		if cls, ok := x.newBindings[chain[0].Name]; ok && len(chain) == 2 {
			edge.Receiver = cls
		}
	}
	x.out.Calls = append(x.out.Calls, edge)

	if access, ok := recognizeAccess(chain, x.lang); ok {
		access.FunctionID = caller.ID
		access.Line = line
		x.out.Accesses = append(x.out.Accesses, access)
	}
}

func (x *extraction) newSite(n *sitter.Node) {
	var ctor = n.ChildByFieldName("constructor")
	if ctor == nil {
		// Some grammars expose the callee as the first named child.
		if n.NamedChildCount() > 0 {
			ctor = n.NamedChild(0)
		}
	}
	var name = x.content(ctor)
	if name == "" {
		return
	}
	var line = x.line(n)
	x.out.Calls = append(x.out.Calls, CallEdge{
		CallerID:   x.containing(line).ID,
		CalleeName: name,
		Line:       line,
		Kind:       CallNew,
	})
}

// flatten normalizes a call node into its member chain. Nested calls, as in
// knex('users').select(), fold their arguments into the owning segment.
func (x *extraction) flatten(n *sitter.Node) []chainSeg {
	switch n.Type() {
	case "call_expression", "call":
		var fn = n.ChildByFieldName("function")
		var segs = x.flatten(fn)
		if len(segs) == 0 {
			return nil
		}
		var last = &segs[len(segs)-1]
		last.Call = true
		last.StrArgs, last.IdentArgs = x.callArgs(n)
		return segs

	case "member_expression", "attribute", "selector_expression":
		var object = n.ChildByFieldName("object")
		if object == nil {
			object = n.ChildByFieldName("operand")
		}
		var prop = n.ChildByFieldName("property")
		if prop == nil {
			prop = n.ChildByFieldName("attribute")
		}
		if prop == nil {
			prop = n.ChildByFieldName("field")
		}
		var segs = x.flatten(object)
		return append(segs, chainSeg{Name: x.content(prop)})

	case "identifier", "this", "field_identifier", "property_identifier":
		return []chainSeg{{Name: x.content(n)}}

	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return x.flatten(n.NamedChild(0))
		}
	}
	return nil
}

func (x *extraction) callArgs(call *sitter.Node) (strArgs, identArgs []string) {
	var args = call.ChildByFieldName("arguments")
	if args == nil {
		return nil, nil
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		var a = args.NamedChild(i)
		switch a.Type() {
		case "string", "interpreted_string_literal", "raw_string_literal", "template_string":
			strArgs = append(strArgs, trimStringLiteral(x.content(a)))
		case "identifier":
			identArgs = append(identArgs, x.content(a))
		case "keyword_argument":
			if v := a.ChildByFieldName("value"); v != nil && strings.HasPrefix(v.Type(), "string") {
				strArgs = append(strArgs, trimStringLiteral(x.content(v)))
			}
		}
	}
	return strArgs, identArgs
}
