package export

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/gemesa/bindiff/pkg/graph"
)

// FromGoSource exports one version of a Go program: target is either a
// single .go file or a module directory. Every function body becomes a flow
// graph whose instructions are SSA operations, so two compilations of the
// same source always export identical graphs.
func FromGoSource(binaryName, target string) (*Result, error) {
	pkgs, err := loadGoPackages(target)
	if err != nil {
		return nil, err
	}
	return FromGoPackages(binaryName, pkgs)
}

// FromGoPackages exports already loaded packages. Split out so tests and the
// sandbox worker can load with their own packages.Config.
func FromGoPackages(binaryName string, initialPkgs []*packages.Package) (*Result, error) {
	prog, err := buildSSA(initialPkgs)
	if err != nil {
		return nil, err
	}

	fns := collectFunctions(prog, initialPkgs)
	if len(fns) == 0 {
		return nil, fmt.Errorf("no function bodies found in %q", binaryName)
	}

	// Addresses are synthetic: sorted name order makes them stable across
	// runs, which the corpus keys and the pairing phase both rely on.
	sort.Slice(fns, func(i, j int) bool {
		return fns[i].RelString(nil) < fns[j].RelString(nil)
	})

	addrByName := make(map[string]uint64, len(fns))
	for i, fn := range fns {
		addrByName[fn.RelString(nil)] = syntheticFunctionAddr(i)
	}

	result := &Result{
		CallGraph: &graph.CallGraph{Binary: binaryName},
	}
	for i, fn := range fns {
		fg, err := liftSSAFunction(fn, syntheticFunctionAddr(i))
		if err != nil {
			return nil, fmt.Errorf("lift %s: %w", fn.RelString(nil), err)
		}
		result.FlowGraphs = append(result.FlowGraphs, fg)
		result.CallGraph.Functions = append(result.CallGraph.Functions, graph.Summarize(fg))

		for _, callee := range staticCallees(fn) {
			if calleeAddr, ok := addrByName[callee]; ok {
				result.CallGraph.Calls = append(result.CallGraph.Calls, graph.CallEdge{
					Caller: syntheticFunctionAddr(i),
					Callee: calleeAddr,
				})
			}
		}
	}
	result.CallGraph.SortFunctions()

	if err := validateResult(result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadGoPackages loads with full syntax so SSA construction has everything
// it needs. Package errors fail the export: an input that does not compile
// cannot be diffed meaningfully.
func loadGoPackages(target string) ([]*packages.Package, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("resolve export target: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("export target: %w", err)
	}

	cfg := &packages.Config{
		Mode:  packages.LoadAllSyntax,
		Fset:  token.NewFileSet(),
		Tests: false,
	}
	var patterns []string
	if info.IsDir() {
		cfg.Dir = abs
		patterns = []string{"./..."}
	} else {
		cfg.Dir = filepath.Dir(abs)
		patterns = []string{"file=" + abs}
	}

	initialPkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("load packages from %q: %w", target, err)
	}
	if len(initialPkgs) == 0 {
		return nil, fmt.Errorf("no packages found at %q", target)
	}

	var errorMessages strings.Builder
	packages.Visit(initialPkgs, nil, func(pkg *packages.Package) {
		for _, e := range pkg.Errors {
			errorMessages.WriteString(e.Error() + "\n")
		}
	})
	if errorMessages.Len() > 0 {
		return nil, fmt.Errorf("packages contain errors:\n%s", strings.TrimSpace(errorMessages.String()))
	}
	return initialPkgs, nil
}

// buildSSA builds SSA bodies for the target packages only. Building the
// whole dependency graph would pull in the standard library and dominate
// export time, so only the explicitly loaded packages are built.
func buildSSA(initialPkgs []*packages.Package) (*ssa.Program, error) {
	if len(initialPkgs) == 0 {
		return nil, fmt.Errorf("input packages list is empty")
	}
	prog, _ := ssautil.AllPackages(initialPkgs, ssa.InstantiateGenerics)
	if prog == nil {
		return nil, fmt.Errorf("failed to initialize SSA program builder")
	}
	for _, p := range initialPkgs {
		if ssaPkg := prog.Package(p.Types); ssaPkg != nil {
			ssaPkg.Build()
		}
	}
	return prog, nil
}

// collectFunctions gathers every source-level function with a body:
// package-level functions, methods on named types, and nested closures.
// Synthetic wrappers are skipped, they have no source counterpart to diff.
func collectFunctions(prog *ssa.Program, initialPkgs []*packages.Package) []*ssa.Function {
	var fns []*ssa.Function
	seen := make(map[*ssa.Function]bool)

	var walk func(fn *ssa.Function)
	walk = func(fn *ssa.Function) {
		if fn == nil || seen[fn] {
			return
		}
		seen[fn] = true
		if fn.Synthetic == "" && len(fn.Blocks) > 0 {
			fns = append(fns, fn)
		}
		for _, anon := range fn.AnonFuncs {
			walk(anon)
		}
	}

	for _, pkg := range initialPkgs {
		ssaPkg := prog.Package(pkg.Types)
		if ssaPkg == nil {
			continue
		}
		for _, member := range ssaPkg.Members {
			switch mem := member.(type) {
			case *ssa.Function:
				walk(mem)
			case *ssa.Type:
				if named, ok := mem.Type().(*types.Named); ok {
					for i := 0; i < named.NumMethods(); i++ {
						walk(prog.FuncValue(named.Method(i)))
					}
				}
			}
		}
	}
	return fns
}

// liftSSAFunction turns one SSA function into a sealed flow graph. Block
// order follows fn.Blocks, so vertex indices are deterministic.
func liftSSAFunction(fn *ssa.Function, addr uint64) (*graph.FlowGraph, error) {
	blockIndex := make(map[*ssa.BasicBlock]int, len(fn.Blocks))
	for i, b := range fn.Blocks {
		blockIndex[b] = i
	}

	blocks := make([]graph.BasicBlock, len(fn.Blocks))
	var edges []graph.Edge
	for i, b := range fn.Blocks {
		bb := graph.BasicBlock{
			Index: i,
			Addr:  addr + uint64(i)*blockSpacing,
		}
		for _, instr := range b.Instrs {
			if _, dbg := instr.(*ssa.DebugRef); dbg {
				continue
			}
			bb.Instructions = append(bb.Instructions, graph.Instruction{
				Mnemonic: ssaMnemonic(instr),
			})
			if callee := instrCallee(instr); callee != "" {
				bb.Calls = append(bb.Calls, callee)
			}
			bb.Strings = append(bb.Strings, instrStrings(instr)...)
		}
		blocks[i] = bb

		edges = append(edges, blockEdges(b, i, blockIndex)...)
	}

	return graph.NewFlowGraph(fn.RelString(nil), addr, blocks, edges)
}

// blockEdges maps SSA successors to typed edges. An If terminator lists the
// taken branch first, which becomes the true edge.
func blockEdges(b *ssa.BasicBlock, from int, blockIndex map[*ssa.BasicBlock]int) []graph.Edge {
	if len(b.Succs) == 0 {
		return nil
	}
	_, conditional := b.Instrs[len(b.Instrs)-1].(*ssa.If)
	if conditional && len(b.Succs) == 2 {
		return []graph.Edge{
			{From: from, To: blockIndex[b.Succs[0]], Kind: graph.EdgeTrue},
			{From: from, To: blockIndex[b.Succs[1]], Kind: graph.EdgeFalse},
		}
	}
	edges := make([]graph.Edge, 0, len(b.Succs))
	for _, succ := range b.Succs {
		edges = append(edges, graph.Edge{From: from, To: blockIndex[succ], Kind: graph.EdgeUnconditional})
	}
	return edges
}

// ssaMnemonic names the instruction class. Binary operations take their
// operator's name and comparisons fold into one class, mirroring how
// machine-code exporters fold condition codes.
func ssaMnemonic(instr ssa.Instruction) string {
	switch v := instr.(type) {
	case *ssa.BinOp:
		return binOpMnemonic(v.Op)
	case *ssa.UnOp:
		return unOpMnemonic(v.Op)
	case *ssa.Call:
		return "call"
	case *ssa.Defer:
		return "defer"
	case *ssa.Go:
		return "go"
	case *ssa.Return:
		return "ret"
	case *ssa.Jump:
		return "jmp"
	case *ssa.If:
		return "if"
	case *ssa.Phi:
		return "phi"
	case *ssa.Store:
		return "store"
	case *ssa.Alloc:
		return "alloc"
	case *ssa.MakeSlice, *ssa.MakeMap, *ssa.MakeChan, *ssa.MakeClosure:
		return "make"
	case *ssa.MakeInterface:
		return "iface"
	case *ssa.Convert, *ssa.ChangeType, *ssa.ChangeInterface, *ssa.SliceToArrayPointer:
		return "conv"
	case *ssa.TypeAssert:
		return "assert"
	case *ssa.FieldAddr, *ssa.Field:
		return "field"
	case *ssa.IndexAddr, *ssa.Index:
		return "index"
	case *ssa.Slice:
		return "slice"
	case *ssa.Lookup:
		return "lookup"
	case *ssa.Range:
		return "range"
	case *ssa.Next:
		return "next"
	case *ssa.Extract:
		return "extract"
	case *ssa.Select:
		return "select"
	case *ssa.Send:
		return "send"
	case *ssa.Panic:
		return "panic"
	case *ssa.RunDefers:
		return "rundefers"
	default:
		return strings.ToLower(strings.TrimPrefix(fmt.Sprintf("%T", instr), "*ssa."))
	}
}

func binOpMnemonic(op token.Token) string {
	switch op {
	case token.ADD:
		return "add"
	case token.SUB:
		return "sub"
	case token.MUL:
		return "mul"
	case token.QUO:
		return "div"
	case token.REM:
		return "rem"
	case token.AND:
		return "and"
	case token.OR:
		return "or"
	case token.XOR:
		return "xor"
	case token.SHL:
		return "shl"
	case token.SHR:
		return "shr"
	case token.AND_NOT:
		return "andnot"
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		return "cmp"
	default:
		return "binop"
	}
}

func unOpMnemonic(op token.Token) string {
	switch op {
	case token.MUL:
		return "load"
	case token.SUB:
		return "neg"
	case token.XOR, token.NOT:
		return "not"
	case token.ARROW:
		return "recv"
	default:
		return "unop"
	}
}

// instrCallee returns the fully qualified name of a statically known callee,
// or "" for dynamic calls and non-call instructions.
func instrCallee(instr ssa.Instruction) string {
	call, ok := instr.(ssa.CallInstruction)
	if !ok {
		return ""
	}
	if callee := call.Common().StaticCallee(); callee != nil {
		return callee.RelString(nil)
	}
	return ""
}

// instrStrings extracts string constants referenced by one instruction's
// operands. These feed the string-reference matching step.
func instrStrings(instr ssa.Instruction) []string {
	var out []string
	for _, rand := range instr.Operands(nil) {
		if rand == nil || *rand == nil {
			continue
		}
		c, ok := (*rand).(*ssa.Const)
		if !ok || c.Value == nil || c.Value.Kind() != constant.String {
			continue
		}
		if s := constant.StringVal(c.Value); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// staticCallees lists the statically resolvable call targets of one
// function's own blocks. Closures are exported as functions of their own, so
// their calls are not attributed to the parent.
func staticCallees(fn *ssa.Function) []string {
	var callees []string
	for _, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			if callee := instrCallee(instr); callee != "" {
				callees = append(callees, callee)
			}
		}
	}
	return callees
}
