package export

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/models"
)

// FromELF exports an x86-64 ELF binary. Function boundaries come from the
// symbol table; each function body is lifted by linear sweep. The export is
// best effort: a function that fails to decode cleanly keeps the blocks
// recovered before the failure.
func FromELF(binaryName, path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("export target: %w", err)
	}
	if info.Size() > models.MaxBinaryFileSize {
		return nil, fmt.Errorf("binary %q is %d bytes, limit is %d", path, info.Size(), models.MaxBinaryFileSize)
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parse ELF %q: %w", path, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported ELF machine %s, only x86-64 is supported", f.Machine)
	}

	syms, err := functionSymbols(f)
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("%q has no function symbols; stripped binaries are not supported", path)
	}
	if len(syms) > models.MaxFunctionsPerBinary {
		return nil, fmt.Errorf("%q declares %d functions, limit is %d", path, len(syms), models.MaxFunctionsPerBinary)
	}

	res := newRefResolver(f, syms)

	result := &Result{CallGraph: &graph.CallGraph{Binary: binaryName}}
	for _, sym := range syms {
		code, err := functionBytes(f, sym)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", sym.Name, err)
			continue
		}
		fg, err := LiftAMD64(sym.Name, sym.Value, code, res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", sym.Name, err)
			continue
		}
		result.FlowGraphs = append(result.FlowGraphs, fg)
		result.CallGraph.Functions = append(result.CallGraph.Functions, graph.Summarize(fg))

		for _, target := range res.callTargets(fg) {
			result.CallGraph.Calls = append(result.CallGraph.Calls, graph.CallEdge{
				Caller: sym.Value,
				Callee: target,
			})
		}
	}
	if len(result.FlowGraphs) == 0 {
		return nil, fmt.Errorf("no functions of %q could be lifted", path)
	}
	result.CallGraph.SortFunctions()

	if err := validateResult(result); err != nil {
		return nil, err
	}
	return result, nil
}

// functionSymbols returns the defined STT_FUNC symbols with a body, sorted
// by address, duplicates at the same address dropped.
func functionSymbols(f *elf.File) ([]elf.Symbol, error) {
	all, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}

	var syms []elf.Symbol
	seen := make(map[uint64]bool)
	for _, sym := range all {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		if sym.Size == 0 || sym.Value == 0 || sym.Name == "" {
			continue
		}
		if seen[sym.Value] {
			continue
		}
		seen[sym.Value] = true
		syms = append(syms, sym)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
	return syms, nil
}

// functionBytes reads a symbol's code from its containing executable
// section, clamping the symbol size to the section end.
func functionBytes(f *elf.File, sym elf.Symbol) ([]byte, error) {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if sym.Value < sec.Addr || sym.Value >= sec.Addr+sec.Size {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("read section %s: %w", sec.Name, err)
		}
		start := sym.Value - sec.Addr
		end := start + sym.Size
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		return data[start:end], nil
	}
	return nil, fmt.Errorf("address %#x is not in any executable section", sym.Value)
}

// refResolver names call targets and recovers string literals from .rodata.
type refResolver struct {
	names      map[uint64]string
	rodata     []byte
	rodataAddr uint64
}

func newRefResolver(f *elf.File, syms []elf.Symbol) *refResolver {
	r := &refResolver{names: make(map[uint64]string, len(syms))}
	for _, sym := range syms {
		r.names[sym.Value] = sym.Name
	}
	if sec := f.Section(".rodata"); sec != nil {
		if data, err := sec.Data(); err == nil {
			r.rodata = data
			r.rodataAddr = sec.Addr
		}
	}
	return r
}

// emptyResolver backs lifts of bare code buffers in tests and the sandbox
// worker, where no ELF context exists.
func emptyResolver() *refResolver {
	return &refResolver{names: map[uint64]string{}}
}

func (r *refResolver) callName(target uint64) string {
	if name, ok := r.names[target]; ok {
		return name
	}
	return fmt.Sprintf("sub_%x", target)
}

// callTargets maps a lifted function's call references back to addresses of
// known functions, for the call graph summary.
func (r *refResolver) callTargets(fg *graph.FlowGraph) []uint64 {
	byName := make(map[string]uint64, len(r.names))
	for addr, name := range r.names {
		byName[name] = addr
	}
	var targets []uint64
	for v := 0; v < fg.VertexCount(); v++ {
		for _, call := range fg.Blocks[v].Calls {
			if addr, ok := byName[call]; ok {
				targets = append(targets, addr)
			}
		}
	}
	return targets
}

// stringAt extracts a printable NUL-terminated literal at a .rodata address.
func (r *refResolver) stringAt(target uint64) (string, bool) {
	if r.rodata == nil || target < r.rodataAddr || target >= r.rodataAddr+uint64(len(r.rodata)) {
		return "", false
	}
	const minLen, maxLen = 4, 256
	start := target - r.rodataAddr
	var sb strings.Builder
	for i := start; i < uint64(len(r.rodata)) && sb.Len() < maxLen; i++ {
		c := r.rodata[i]
		if c == 0 {
			break
		}
		if (c < 0x20 || c > 0x7e) && c != '\n' && c != '\t' {
			return "", false
		}
		sb.WriteByte(c)
	}
	if sb.Len() < minLen {
		return "", false
	}
	return sb.String(), true
}

// decodedInst is one instruction of the linear sweep.
type decodedInst struct {
	addr     uint64
	mnemonic string
	length   int
	inst     x86asm.Inst
	isENDBR  bool
}

// LiftAMD64 lifts one function's code into a sealed flow graph in three
// phases: decode the bytes, split at branch targets and fallthroughs,
// connect the edges. A decode error ends the sweep and keeps what was
// recovered so far.
func LiftAMD64(name string, addr uint64, code []byte, res *refResolver) (*graph.FlowGraph, error) {
	if res == nil {
		res = emptyResolver()
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("function %s has no code", name)
	}

	instrs := sweep(code, addr)
	if len(instrs) == 0 {
		return nil, fmt.Errorf("function %s: no decodable instructions", name)
	}
	end := instrs[len(instrs)-1].addr + uint64(instrs[len(instrs)-1].length)

	leaders := findLeaders(instrs, addr, end)
	blocks, edges := connect(instrs, leaders, end, res)
	if len(blocks) > models.MaxBlocksPerFunction {
		return nil, fmt.Errorf("function %s has %d blocks, limit is %d", name, len(blocks), models.MaxBlocksPerFunction)
	}

	return graph.NewFlowGraph(name, addr, blocks, edges)
}

// sweep decodes instructions front to back. ENDBR64/ENDBR32 are handled by
// hand, golang.org/x/arch/x86/x86asm does not recognise them.
func sweep(code []byte, addr uint64) []decodedInst {
	var instrs []decodedInst
	offset := 0
	for offset < len(code) {
		if offset+4 <= len(code) &&
			code[offset] == 0xf3 && code[offset+1] == 0x0f &&
			code[offset+2] == 0x1e && (code[offset+3] == 0xfa || code[offset+3] == 0xfb) {
			instrs = append(instrs, decodedInst{
				addr:     addr + uint64(offset),
				mnemonic: "endbr64",
				length:   4,
				isENDBR:  true,
			})
			offset += 4
			continue
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			break
		}
		instrs = append(instrs, decodedInst{
			addr:     addr + uint64(offset),
			mnemonic: strings.ToLower(inst.Op.String()),
			length:   inst.Len,
			inst:     inst,
		})
		offset += inst.Len
	}
	return instrs
}

// isConditionalBranch reports whether the mnemonic is a conditional jump.
// x86asm gives unconditional JMP its own op, so any other j-prefixed
// mnemonic is conditional.
func isConditionalBranch(mnemonic string) bool {
	return len(mnemonic) >= 2 && mnemonic[0] == 'j' && mnemonic != "jmp"
}

func isBlockTerminator(mnemonic string) bool {
	switch mnemonic {
	case "jmp", "ret", "iret", "ud2", "hlt":
		return true
	}
	return isConditionalBranch(mnemonic)
}

// branchTarget resolves a PC-relative branch target, the only statically
// knowable kind.
func branchTarget(d decodedInst) (uint64, bool) {
	if d.isENDBR || len(d.inst.Args) == 0 {
		return 0, false
	}
	rel, ok := d.inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return d.addr + uint64(d.length) + uint64(int64(rel)), true
}

// findLeaders marks block starts: the entry, every in-range branch target,
// and the instruction after every terminator.
func findLeaders(instrs []decodedInst, start, end uint64) map[uint64]bool {
	leaders := map[uint64]bool{start: true}
	for _, d := range instrs {
		if !isBlockTerminator(d.mnemonic) {
			continue
		}
		if target, ok := branchTarget(d); ok && target >= start && target < end {
			leaders[target] = true
		}
		if next := d.addr + uint64(d.length); next < end {
			leaders[next] = true
		}
	}
	return leaders
}

// connect builds blocks in address order and wires the control-flow edges in
// one forward pass.
func connect(instrs []decodedInst, leaders map[uint64]bool, end uint64, res *refResolver) ([]graph.BasicBlock, []graph.Edge) {
	blockAt := make(map[uint64]int, len(leaders))
	for _, d := range instrs {
		if leaders[d.addr] {
			blockAt[d.addr] = len(blockAt)
		}
	}

	blocks := make([]graph.BasicBlock, len(blockAt))
	var edges []graph.Edge
	current := 0
	for _, d := range instrs {
		if leaders[d.addr] {
			current = blockAt[d.addr]
			blocks[current] = graph.BasicBlock{Index: current, Addr: d.addr}
		}
		b := &blocks[current]
		b.Instructions = append(b.Instructions, graph.Instruction{Mnemonic: d.mnemonic})

		if d.mnemonic == "call" {
			if target, ok := branchTarget(d); ok {
				b.Calls = append(b.Calls, res.callName(target))
			}
		}
		for _, ref := range dataRefs(d) {
			if s, ok := res.stringAt(ref); ok {
				b.Strings = append(b.Strings, s)
			}
		}

		next := d.addr + uint64(d.length)
		if next < end && !leaders[next] {
			continue
		}

		// d is the block's last instruction; emit its outgoing edges.
		switch {
		case isConditionalBranch(d.mnemonic):
			if target, ok := branchTarget(d); ok {
				if to, in := blockAt[target]; in {
					edges = append(edges, graph.Edge{From: current, To: to, Kind: graph.EdgeTrue})
				}
			}
			if to, in := blockAt[next]; in {
				edges = append(edges, graph.Edge{From: current, To: to, Kind: graph.EdgeFalse})
			}
		case d.mnemonic == "jmp":
			// A resolvable target outside the function is a tail call and
			// gets no edge; an unresolvable one is indirect, same outcome.
			if target, ok := branchTarget(d); ok {
				if to, in := blockAt[target]; in {
					edges = append(edges, graph.Edge{From: current, To: to, Kind: graph.EdgeUnconditional})
				}
			}
		case d.mnemonic == "ret" || d.mnemonic == "iret" || d.mnemonic == "ud2" || d.mnemonic == "hlt":
			// Terminal, no successors.
		default:
			if to, in := blockAt[next]; in {
				edges = append(edges, graph.Edge{From: current, To: to, Kind: graph.EdgeUnconditional})
			}
		}
	}
	return blocks, edges
}

// dataRefs lists candidate data addresses referenced by one instruction:
// RIP-relative memory operands and large immediates, the two forms string
// literals take in PIE and non-PIE code.
func dataRefs(d decodedInst) []uint64 {
	if d.isENDBR {
		return nil
	}
	var refs []uint64
	for _, arg := range d.inst.Args {
		switch a := arg.(type) {
		case x86asm.Mem:
			if a.Base == x86asm.RIP && a.Index == 0 {
				refs = append(refs, d.addr+uint64(d.length)+uint64(a.Disp))
			} else if a.Base == 0 && a.Index == 0 && a.Disp > 0 {
				refs = append(refs, uint64(a.Disp))
			}
		case x86asm.Imm:
			if a > 0x10000 {
				refs = append(refs, uint64(a))
			}
		}
	}
	return refs
}
