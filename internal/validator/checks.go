package validator

import (
	"fmt"
	"go/ast"
	"go/token"
)

// checkImports implements spec.md §4.5 check 2: every import must be a
// stdlib package from the whitelist, or the module's own entity package
// (the only way a trait legitimately references *entity.Entity).
func (v *Validator) checkImports(file *ast.File) *Violation {
	for _, imp := range file.Imports {
		path := trimQuotes(imp.Path.Value)
		if path == v.traitPackagePath {
			continue
		}
		if importWhitelist[path] {
			continue
		}
		return &Violation{
			Reason:  ImportForbidden,
			Message: fmt.Sprintf("import %q is not in the trait import whitelist", path),
		}
	}
	return nil
}

// checkBannedCalls implements spec.md §4.5 check 3.
func checkBannedCalls(file *ast.File) *Violation {
	var found *Violation
	ast.Inspect(file, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.SelectorExpr:
			if root, ok := fn.X.(*ast.Ident); ok && bannedCallRoots[root.Name] {
				found = &Violation{
					Reason:  BannedCall,
					Message: fmt.Sprintf("call to %s.%s is forbidden in trait code", root.Name, fn.Sel.Name),
				}
				return false
			}
		case *ast.Ident:
			if bannedBareCalls[fn.Name] {
				found = &Violation{
					Reason:  BannedCall,
					Message: fmt.Sprintf("call to %s is forbidden in trait code", fn.Name),
				}
				return false
			}
		}
		return true
	})
	return found
}

// checkBannedAttrs implements spec.md §4.5 check 4: reflective or unsafe
// field/method access, regardless of whether it is called or merely
// referenced.
func checkBannedAttrs(file *ast.File) *Violation {
	var found *Violation
	ast.Inspect(file, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if bannedAttrSelectors[sel.Sel.Name] {
			found = &Violation{
				Reason:  BannedAttr,
				Message: fmt.Sprintf("access to %s is forbidden in trait code", sel.Sel.Name),
			}
			return false
		}
		return true
	})
	return found
}

// checkUnboundModuleRefs implements spec.md §4.5 check 5: a selector
// expression rooted at an identifier that names a known module but was
// never imported under that name.
func checkUnboundModuleRefs(file *ast.File, imported map[string]bool) *Violation {
	knownModuleNames := map[string]bool{}
	for path := range importWhitelist {
		knownModuleNames[lastSegment(path)] = true
	}
	for root := range bannedCallRoots {
		knownModuleNames[root] = true
	}

	var found *Violation
	ast.Inspect(file, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		root, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		if knownModuleNames[root.Name] && !imported[root.Name] {
			found = &Violation{
				Reason:  UnboundVariable,
				Message: fmt.Sprintf("%s.%s references module %q which was never imported", root.Name, sel.Sel.Name, root.Name),
			}
			return false
		}
		return true
	})
	return found
}

// predeclaredIdents covers Go's universe-block identifiers so the
// unbound-variable walk doesn't flag legitimate builtin use.
var predeclaredIdents = map[string]bool{
	"true": true, "false": true, "nil": true, "iota": true,
	"len": true, "cap": true, "append": true, "make": true, "new": true,
	"copy": true, "delete": true, "panic": true, "recover": true, "print": true, "println": true,
	"string": true, "int": true, "int32": true, "int64": true, "uint": true, "uint32": true, "uint64": true,
	"float32": true, "float64": true, "bool": true, "byte": true, "rune": true, "error": true, "any": true,
}

// findExecuteMethod returns the first method literally named Execute
// declared on a pointer-or-value receiver in file.
func findExecuteMethod(file *ast.File) *ast.FuncDecl {
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv == nil || fn.Name.Name != "Execute" {
			continue
		}
		return fn
	}
	return nil
}

// checkUnboundVariables implements spec.md §4.5 check 6: a simplified
// definite-assignment walk over Execute's top-level statements. Names
// assigned only inside a nested if/for/switch/range block are
// "potentially unbound"; a later top-level statement that reads such a
// name before it is unconditionally assigned is rejected. This is a
// conservative approximation of the spec's UnboundLocalError guard, not
// a full compiler-grade dataflow analysis.
func checkUnboundVariables(file *ast.File) *Violation {
	fn := findExecuteMethod(file)
	if fn == nil || fn.Body == nil {
		return nil
	}

	defined := map[string]bool{}
	if fn.Recv != nil {
		for _, f := range fn.Recv.List {
			for _, n := range f.Names {
				defined[n.Name] = true
			}
		}
	}
	if fn.Type.Params != nil {
		for _, f := range fn.Type.Params.List {
			for _, n := range f.Names {
				defined[n.Name] = true
			}
		}
	}

	potential := map[string]bool{}

	for _, stmt := range fn.Body.List {
		switch s := stmt.(type) {
		case *ast.AssignStmt:
			if s.Tok == token.DEFINE {
				for _, lhs := range s.Lhs {
					if id, ok := lhs.(*ast.Ident); ok && id.Name != "_" {
						defined[id.Name] = true
					}
				}
				continue
			}
			// plain "=" reads before it writes; check reads against the
			// names known unconditionally so far before applying the write.
			if viol := scanReads(s, defined, potential); viol != nil {
				return viol
			}
		case *ast.DeclStmt:
			gd, ok := s.Decl.(*ast.GenDecl)
			if ok && gd.Tok == token.VAR {
				for _, spec := range gd.Specs {
					if vs, ok := spec.(*ast.ValueSpec); ok {
						for _, n := range vs.Names {
							if n.Name != "_" {
								defined[n.Name] = true
							}
						}
					}
				}
			}
		default:
			if viol := scanReads(stmt, defined, potential); viol != nil {
				return viol
			}
		}

		// Any name this statement assigns inside a nested block becomes
		// potentially unbound for everything that follows.
		collectNestedAssigns(stmt, potential)
	}

	return nil
}

// scanReads inspects stmt for identifier reads of a name that is in
// potential but not yet in defined — the "read before unconditional
// assignment" case spec.md §4.5 check 6 rejects. Selector field names
// and assignment targets of stmt itself are not reads.
func scanReads(stmt ast.Node, defined, potential map[string]bool) *Violation {
	var found *Violation
	ast.Inspect(stmt, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		switch node := n.(type) {
		case *ast.SelectorExpr:
			ast.Inspect(node.X, func(inner ast.Node) bool {
				if found != nil {
					return false
				}
				if id, ok := inner.(*ast.Ident); ok {
					found = checkRead(id.Name, defined, potential)
				}
				return found == nil
			})
			return false
		case *ast.Ident:
			found = checkRead(node.Name, defined, potential)
			return false
		}
		return true
	})
	return found
}

func checkRead(name string, defined, potential map[string]bool) *Violation {
	if defined[name] || predeclaredIdents[name] || name == "_" {
		return nil
	}
	if potential[name] {
		return &Violation{
			Reason:  UnboundVariable,
			Message: fmt.Sprintf("%q is assigned only inside a conditional block and read unconditionally afterward", name),
		}
	}
	return nil
}

// collectNestedAssigns records every name assigned anywhere inside
// stmt's nested blocks (if/for/switch/range bodies), without adding
// them to the unconditional "defined" set.
func collectNestedAssigns(stmt ast.Stmt, potential map[string]bool) {
	switch s := stmt.(type) {
	case *ast.IfStmt:
		walkBlockAssigns(s.Body, potential)
		if s.Else != nil {
			switch e := s.Else.(type) {
			case *ast.BlockStmt:
				walkBlockAssigns(e, potential)
			case *ast.IfStmt:
				collectNestedAssigns(e, potential)
			}
		}
	case *ast.ForStmt:
		walkBlockAssigns(s.Body, potential)
	case *ast.RangeStmt:
		walkBlockAssigns(s.Body, potential)
	case *ast.SwitchStmt:
		for _, c := range s.Body.List {
			if cc, ok := c.(*ast.CaseClause); ok {
				for _, inner := range cc.Body {
					walkBlockAssigns(&ast.BlockStmt{List: []ast.Stmt{inner}}, potential)
				}
			}
		}
	case *ast.TypeSwitchStmt:
		for _, c := range s.Body.List {
			if cc, ok := c.(*ast.CaseClause); ok {
				for _, inner := range cc.Body {
					walkBlockAssigns(&ast.BlockStmt{List: []ast.Stmt{inner}}, potential)
				}
			}
		}
	}
}

func walkBlockAssigns(block *ast.BlockStmt, dest map[string]bool) {
	if block == nil {
		return
	}
	ast.Inspect(block, func(n ast.Node) bool {
		if as, ok := n.(*ast.AssignStmt); ok && as.Tok == token.DEFINE {
			for _, lhs := range as.Lhs {
				if id, ok := lhs.(*ast.Ident); ok && id.Name != "_" {
					dest[id.Name] = true
				}
			}
		}
		return true
	})
}

// checkEntityAttrWhitelist implements spec.md §4.5 check 7: any selector
// off a parameter whose declared type is *entity.Entity (or entity.Entity)
// must name a whitelisted field or method.
func checkEntityAttrWhitelist(file *ast.File) *Violation {
	fn := findExecuteMethod(file)
	if fn == nil {
		return nil
	}
	entityParam := entityParamName(fn)
	if entityParam == "" {
		return nil
	}

	var found *Violation
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		id, ok := sel.X.(*ast.Ident)
		if !ok || id.Name != entityParam {
			return true
		}
		if !entityAttrWhitelist[sel.Sel.Name] {
			found = &Violation{
				Reason:  EntityAttrForbidden,
				Message: fmt.Sprintf("entity.%s is not in the whitelisted entity API", sel.Sel.Name),
			}
			return false
		}
		return true
	})
	return found
}

// entityParamName returns the parameter name typed *entity.Entity on
// Execute, or "" if none is found (e.g. malformed signature, caught
// separately by checkTraitContract).
func entityParamName(fn *ast.FuncDecl) string {
	if fn.Type.Params == nil {
		return ""
	}
	for _, field := range fn.Type.Params.List {
		star, ok := field.Type.(*ast.StarExpr)
		if !ok {
			continue
		}
		sel, ok := star.X.(*ast.SelectorExpr)
		if !ok || sel.Sel.Name != "Entity" {
			continue
		}
		if len(field.Names) > 0 {
			return field.Names[0].Name
		}
	}
	return ""
}

// receiverTypeName returns the unqualified type name a method's
// receiver names (handling both *T and T forms), or "" if it can't be
// resolved. Shared by checkConstructorArgs (which needs to know the
// exact New<Type> symbol to require) and checkTraitContract (which
// reports the same name as the registry's canonical-name source).
func receiverTypeName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ""
	}
	if star, ok := fn.Recv.List[0].Type.(*ast.StarExpr); ok {
		if id, ok := star.X.(*ast.Ident); ok {
			return id.Name
		}
		return ""
	}
	if id, ok := fn.Recv.List[0].Type.(*ast.Ident); ok {
		return id.Name
	}
	return ""
}

// checkConstructorArgs implements spec.md §4.5 check 8: the trait type
// T's constructor must be the exported function New<T>, and it must
// take zero required arguments. Anchoring on the literal New<T> name
// (rather than accepting any New*-prefixed function) matters beyond
// the AST pass itself: internal/loader looks up this exact plugin
// symbol to build a Trait, so a candidate whose constructor doesn't
// follow the convention would pass validation yet fail to load.
func checkConstructorArgs(file *ast.File) *Violation {
	fn := findExecuteMethod(file)
	if fn == nil {
		return nil // no Execute method at all; checkTraitContract reports this
	}
	typeName := receiverTypeName(fn)
	if typeName == "" {
		return nil
	}
	wantName := "New" + typeName

	var ctor *ast.FuncDecl
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv != nil || fd.Name.Name != wantName {
			continue
		}
		ctor = fd
		break
	}
	if ctor == nil {
		return &Violation{
			Reason:  InitRequiredArgs,
			Message: fmt.Sprintf("expected constructor %s for trait type %s was not found", wantName, typeName),
		}
	}
	if ctor.Type.Params != nil && len(ctor.Type.Params.List) > 0 {
		return &Violation{
			Reason:  InitRequiredArgs,
			Message: fmt.Sprintf("constructor %s takes required arguments", wantName),
		}
	}
	return nil
}

// checkAwaitOnSync implements spec.md §4.5 check 9's Go-native
// re-expression: a trait may not spawn its own goroutine that calls an
// entity method and then block on a channel it controls, which would
// let it outlive the executor's per-call timeout uncooperatively.
func checkAwaitOnSync(file *ast.File) *Violation {
	fn := findExecuteMethod(file)
	if fn == nil || fn.Body == nil {
		return nil
	}
	entityParam := entityParamName(fn)
	if entityParam == "" {
		return nil
	}

	var found *Violation
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		goStmt, ok := n.(*ast.GoStmt)
		if !ok {
			return true
		}
		callsEntity := false
		ast.Inspect(goStmt.Call, func(inner ast.Node) bool {
			sel, ok := inner.(*ast.SelectorExpr)
			if !ok {
				return true
			}
			if id, ok := sel.X.(*ast.Ident); ok && id.Name == entityParam {
				callsEntity = true
			}
			return true
		})
		if callsEntity {
			found = &Violation{
				Reason:  AwaitOnSync,
				Message: "trait spawns a goroutine calling an entity method, defeating the executor's timeout",
			}
			return false
		}
		return true
	})
	return found
}

// checkTraitContract implements spec.md §4.5 check 10: a declared type
// must have a method literally named Execute that takes a *entity.Entity
// parameter (its return type is not checked), the Go rendering of
// "class inheriting BaseTrait with async execute(self, entity)".
func checkTraitContract(file *ast.File) (string, *Violation) {
	fn := findExecuteMethod(file)
	if fn == nil {
		return "", &Violation{
			Reason:  NoTraitClass,
			Message: "no type in this source declares an Execute method",
		}
	}
	if entityParamName(fn) == "" {
		return "", &Violation{
			Reason:  NoTraitClass,
			Message: "Execute method does not take a *entity.Entity parameter",
		}
	}

	typeName := receiverTypeName(fn)
	if typeName == "" {
		return "", &Violation{Reason: NoTraitClass, Message: "could not resolve Execute's receiver type"}
	}
	return typeName, nil
}
