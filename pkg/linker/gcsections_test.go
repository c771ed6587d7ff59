package linker

import (
	"debug/elf"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestGcSectionsReachability(t *testing.T) {
	o := newTestObject("main.o")
	start := addTextSection(o, ".text._start")
	foo := addTextSection(o, ".text.foo")
	bar := addTextSection(o, ".text.bar")
	dead := addTextSection(o, ".text.dead")

	startSym := addTestSymbol(o, "_start", start)
	fooSym := addTestSymbol(o, "foo", foo)
	barSym := addTestSymbol(o, "bar", bar)
	addTestRel(start, fooSym)
	addTestRel(foo, barSym)
	addTestRel(dead, fooSym)

	ctx, _ := newTestContext(o)
	registerGlobal(ctx, o, startSym)

	GcSections(ctx)

	assert.True(t, start.IsAlive)
	assert.True(t, foo.IsAlive)
	assert.True(t, bar.IsAlive)
	assert.False(t, dead.IsAlive)

	assert.Equal(t, int64(1), ctx.Stats.GarbageSections.Load())
	assert.Equal(t, uint64(16), ctx.Stats.GarbageBytes.Load())
}

func TestGcSectionsDeepChain(t *testing.T) {
	o := newTestObject("chain.o")

	const n = 20
	secs := make([]*InputSection, n)
	syms := make([]uint32, n)
	for i := 0; i < n; i++ {
		secs[i] = addTextSection(o, fmt.Sprintf(".text.f%d", i))
		syms[i] = addTestSymbol(o, fmt.Sprintf("f%d", i), secs[i])
	}
	for i := 0; i+1 < n; i++ {
		addTestRel(secs[i], syms[i+1])
	}

	ctx, _ := newTestContext(o)
	ctx.Args.Entry = "f0"
	registerGlobal(ctx, o, syms[0])

	GcSections(ctx)

	for i, isec := range secs {
		assert.True(t, isec.IsAlive, "section %d", i)
		assert.True(t, isec.IsVisited.Load(), "section %d", i)
	}
	assert.Zero(t, ctx.Stats.GarbageSections.Load())
}

func TestGcSectionsCycles(t *testing.T) {
	o := newTestObject("cycle.o")
	a := addTextSection(o, ".text.a")
	b := addTextSection(o, ".text.b")
	c := addTextSection(o, ".text.c")
	d := addTextSection(o, ".text.d")

	aSym := addTestSymbol(o, "a", a)
	bSym := addTestSymbol(o, "b", b)
	cSym := addTestSymbol(o, "c", c)
	dSym := addTestSymbol(o, "d", d)
	addTestRel(a, bSym)
	addTestRel(b, aSym)
	addTestRel(c, dSym)
	addTestRel(d, cSym)

	ctx, _ := newTestContext(o)
	ctx.Args.Entry = "a"
	registerGlobal(ctx, o, aSym)

	GcSections(ctx)

	assert.True(t, a.IsAlive)
	assert.True(t, b.IsAlive)
	assert.False(t, c.IsAlive)
	assert.False(t, d.IsAlive)
	assert.Equal(t, int64(2), ctx.Stats.GarbageSections.Load())
}

func TestGcSectionsAcrossFiles(t *testing.T) {
	o1 := newTestObject("a.o")
	start := addTextSection(o1, ".text._start")
	startSym := addTestSymbol(o1, "_start", start)

	o2 := newTestObject("b.o")
	lib := addTextSection(o2, ".text.lib")
	unused := addTextSection(o2, ".text.unused")
	libSym := addTestSymbol(o2, "lib", lib)

	// o1 中对 lib 的引用解析到 o2 定义的 GLOBAL 符号
	o1.ElfSyms = append(o1.ElfSyms, Sym{})
	o1.Symbols = append(o1.Symbols, o2.Symbols[libSym])
	addTestRel(start, uint32(len(o1.Symbols)-1))

	ctx, _ := newTestContext(o1, o2)
	registerGlobal(ctx, o1, startSym)
	registerGlobal(ctx, o2, libSym)

	GcSections(ctx)

	assert.True(t, start.IsAlive)
	assert.True(t, lib.IsAlive)
	assert.False(t, unused.IsAlive)
}

func TestGcSectionsRoots(t *testing.T) {
	tests := []struct {
		name    string
		typ     elf.SectionType
		flags   elf.SectionFlag
		machine MachineType
		alive   bool
	}{
		{".text.unused", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR, MachineTypeRISCV64, false},
		{".array.x", elf.SHT_INIT_ARRAY, elf.SHF_ALLOC | elf.SHF_WRITE, MachineTypeRISCV64, true},
		{".array.y", elf.SHT_FINI_ARRAY, elf.SHF_ALLOC | elf.SHF_WRITE, MachineTypeRISCV64, true},
		{".array.z", elf.SHT_PREINIT_ARRAY, elf.SHF_ALLOC | elf.SHF_WRITE, MachineTypeRISCV64, true},
		{".ctors.65535", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE, MachineTypeRISCV64, true},
		{".dtors", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE, MachineTypeRISCV64, true},
		{".init", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR, MachineTypeRISCV64, true},
		{".fini", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR, MachineTypeRISCV64, true},
		{"my_section", elf.SHT_PROGBITS, elf.SHF_ALLOC, MachineTypeRISCV64, true},
		{"1section", elf.SHT_PROGBITS, elf.SHF_ALLOC, MachineTypeRISCV64, false},
		{".note.gnu.property", elf.SHT_NOTE, elf.SHF_ALLOC, MachineTypeRISCV64, true},
		{".text.retained", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SectionFlag(SHF_GNU_RETAIN), MachineTypeRISCV64, true},
		{".ARM.exidx", elf.SectionType(SHT_ARM_EXIDX), elf.SHF_ALLOC, MachineTypeARM32, true},
		{".ARM.exidx", elf.SectionType(SHT_ARM_EXIDX), elf.SHF_ALLOC, MachineTypeRISCV64, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.name, MachineTypeString(tt.machine)), func(t *testing.T) {
			o := newTestObject("roots.o")
			isec := addTestSection(o, tt.name, tt.typ, tt.flags, 8)

			// root 引用的 section 也要保留
			target := addTextSection(o, ".text.target")
			addTestRel(isec, addTestSymbol(o, "target", target))

			ctx, _ := newTestContext(o)
			ctx.Args.Emulation = tt.machine
			GcSections(ctx)

			assert.Equal(t, tt.alive, isec.IsAlive)
			assert.Equal(t, tt.alive, target.IsAlive)
		})
	}
}

func TestGcSectionsSymbolRoots(t *testing.T) {
	o := newTestObject("syms.o")
	exported := addTextSection(o, ".text.exported")
	undef := addTextSection(o, ".text.undef")
	required := addTextSection(o, ".text.required")
	other := addTextSection(o, ".text.other")

	exportedSym := addTestSymbol(o, "exported", exported)
	undefSym := addTestSymbol(o, "undef", undef)
	requiredSym := addTestSymbol(o, "required", required)
	addTestSymbol(o, "other", other)

	ctx, _ := newTestContext(o)
	ctx.Args.Entry = "missing_entry"
	ctx.Args.Undefined = []string{"undef", "not_defined_anywhere"}
	ctx.Args.RequireDefined = []string{"required"}
	o.Symbols[exportedSym].IsExported = true
	registerGlobal(ctx, o, undefSym)
	registerGlobal(ctx, o, requiredSym)

	GcSections(ctx)

	assert.True(t, exported.IsAlive)
	assert.True(t, undef.IsAlive)
	assert.True(t, required.IsAlive)
	assert.False(t, other.IsAlive)
}

func TestGcSectionsNonAllocSectionsAreKept(t *testing.T) {
	o := newTestObject("debug.o")
	debug := addTestSection(o, ".debug_info", elf.SHT_PROGBITS, 0, 32)
	text := addTextSection(o, ".text.f")

	// 非 alloc 的 section 不是 root，它引用的 section 照样可以被回收
	addTestRel(debug, addTestSymbol(o, "f", text))

	ctx, _ := newTestContext(o)
	GcSections(ctx)

	assert.True(t, debug.IsAlive)
	assert.True(t, debug.IsVisited.Load())
	assert.False(t, text.IsAlive)
}

func TestGcSectionsSweep(t *testing.T) {
	o := newTestObject("libfoo.o")
	o.File.Parent = &File{Name: "libfoo.a"}
	dead := addTextSection(o, ".text.dead")
	dead.ShSize = 100
	killed := addTextSection(o, ".text.killed")
	killed.Kill()

	ctx, stderr := newTestContext(o)
	ctx.Args.PrintGcSections = true
	GcSections(ctx)

	assert.False(t, dead.IsAlive)
	assert.False(t, killed.IsAlive)
	assert.Equal(t, int64(1), ctx.Stats.GarbageSections.Load())
	assert.Equal(t, uint64(100), ctx.Stats.GarbageBytes.Load())
	assert.Equal(t,
		"removing unused section libfoo.a(libfoo.o):(.text.dead)\n",
		stderr.String())
}

func TestGcSectionsQuietByDefault(t *testing.T) {
	o := newTestObject("quiet.o")
	dead := addTextSection(o, ".text.dead")

	ctx, stderr := newTestContext(o)
	GcSections(ctx)

	assert.False(t, dead.IsAlive)
	assert.Empty(t, stderr.String())
}

func TestGcSectionsEhFrame(t *testing.T) {
	o := newTestObject("eh.o")
	start := addTextSection(o, ".text._start")
	deadFn := addTextSection(o, ".text.dead")
	lsda := addTestSection(o, ".gcc_except_table._start", elf.SHT_PROGBITS, elf.SHF_ALLOC, 8)
	deadLsda := addTestSection(o, ".gcc_except_table.dead", elf.SHT_PROGBITS, elf.SHF_ALLOC, 8)
	personality := addTextSection(o, ".text.personality")

	startSym := addTestSymbol(o, "_start", start)
	deadFnSym := addTestSymbol(o, "dead", deadFn)
	lsdaSym := addTestSymbol(o, "lsda", lsda)
	deadLsdaSym := addTestSymbol(o, "dead_lsda", deadLsda)
	personalitySym := addTestSymbol(o, "personality", personality)

	o.Cies = []*CieRecord{{Rels: []Rela{{Sym: personalitySym}}}}
	start.Fdes = []*FdeRecord{{Rels: []Rela{{Sym: startSym}, {Sym: lsdaSym}}}}
	deadFn.Fdes = []*FdeRecord{{Rels: []Rela{{Sym: deadFnSym}, {Sym: deadLsdaSym}}}}

	ctx, _ := newTestContext(o)
	registerGlobal(ctx, o, startSym)
	GcSections(ctx)

	assert.True(t, start.IsAlive)
	assert.True(t, lsda.IsAlive)
	assert.True(t, personality.IsAlive)

	// FDE 指向自己所在的 section 不算作引用
	assert.False(t, deadFn.IsAlive)
	assert.False(t, deadLsda.IsAlive)
}

func TestGcSectionsFdeFirstRelocationIsNotAnEdge(t *testing.T) {
	o := newTestObject("eh.o")
	start := addTextSection(o, ".text._start")
	other := addTextSection(o, ".text.other")
	lsda := addTestSection(o, ".gcc_except_table", elf.SHT_PROGBITS, elf.SHF_ALLOC, 8)

	startSym := addTestSymbol(o, "_start", start)
	otherSym := addTestSymbol(o, "other", other)
	lsdaSym := addTestSymbol(o, "lsda", lsda)

	// pc_begin 之后的重定位才是真正的引用
	start.Fdes = []*FdeRecord{
		{Rels: []Rela{{Sym: otherSym}}},
		{Rels: []Rela{{Sym: otherSym}, {Sym: lsdaSym}}},
	}

	ctx, stderr := newTestContext(o)
	ctx.Args.PrintGcSections = true
	registerGlobal(ctx, o, startSym)
	GcSections(ctx)

	assert.True(t, start.IsAlive)
	assert.True(t, lsda.IsAlive)
	assert.False(t, other.IsAlive)
	assert.Equal(t, "removing unused section eh.o:(.text.other)\n", stderr.String())
}

func TestGcSectionsFragments(t *testing.T) {
	rodata := NewMergedSection(".rodata.str", uint64(elf.SHF_ALLOC), uint32(elf.SHT_PROGBITS))
	debugStr := NewMergedSection(".debug_str", 0, uint32(elf.SHT_PROGBITS))

	used := rodata.Insert("used\x00", 0)
	byRel := rodata.Insert("by_rel\x00", 0)
	unused := rodata.Insert("unused\x00", 0)
	fromDead := rodata.Insert("from_dead\x00", 0)
	debug := debugStr.Insert("int\x00", 0)

	o := newTestObject("frag.o")
	o.MergeableSections[0] = &MergeableSection{
		Parent:    rodata,
		Fragments: []*SectionFragment{used, byRel, unused, fromDead},
	}
	o.MergeableSections = append(o.MergeableSections, &MergeableSection{
		Parent:    debugStr,
		Fragments: []*SectionFragment{debug},
	})

	start := addTextSection(o, ".text._start")
	dead := addTextSection(o, ".text.dead")
	startSym := addTestSymbol(o, "_start", start)
	addTestRel(start, addFragmentSymbol(o, "used_str", used))
	start.RelFragments = []SectionFragmentRef{{Idx: 1, Frag: byRel}}
	addTestRel(dead, addFragmentSymbol(o, "dead_str", fromDead))

	ctx, _ := newTestContext(o)
	registerGlobal(ctx, o, startSym)
	GcSections(ctx)

	assert.True(t, used.IsAlive.Load())
	assert.True(t, byRel.IsAlive.Load())
	assert.False(t, unused.IsAlive.Load())
	assert.False(t, fromDead.IsAlive.Load())
	assert.True(t, debug.IsAlive.Load())

	// fragment 的 alive 和它所在 section 无关，gc 不会因为 fragment 保留 section
	assert.False(t, dead.IsAlive)
}

func TestGcSectionsFragmentEntry(t *testing.T) {
	m := NewMergedSection(".rodata.cst", uint64(elf.SHF_ALLOC), uint32(elf.SHT_PROGBITS))
	frag := m.Insert("\x01\x00\x00\x00", 2)

	o := newTestObject("entry.o")
	o.MergeableSections[0] = &MergeableSection{Parent: m, Fragments: []*SectionFragment{frag}}
	entry := addFragmentSymbol(o, "_start", frag)

	ctx, _ := newTestContext(o)
	registerGlobal(ctx, o, entry)

	rootset := CollectRootSet(ctx)
	assert.Empty(t, rootset)
	assert.True(t, frag.IsAlive.Load())
}

func TestGcSectionsSecondRunFindsNothing(t *testing.T) {
	o := newTestObject("twice.o")
	start := addTextSection(o, ".text._start")
	foo := addTextSection(o, ".text.foo")
	addTextSection(o, ".text.dead")
	startSym := addTestSymbol(o, "_start", start)
	addTestRel(start, addTestSymbol(o, "foo", foo))

	ctx, _ := newTestContext(o)
	registerGlobal(ctx, o, startSym)
	GcSections(ctx)
	require.Equal(t, int64(1), ctx.Stats.GarbageSections.Load())

	rootset := CollectRootSet(ctx)
	assert.Empty(t, rootset)
	assert.Empty(t, Mark(ctx, rootset))

	Sweep(ctx)
	assert.Equal(t, int64(1), ctx.Stats.GarbageSections.Load())
}

func TestMarkReturnsEveryQueuedSection(t *testing.T) {
	o := newTestObject("mark.o")
	const n = 10
	secs := make([]*InputSection, n)
	syms := make([]uint32, n)
	for i := 0; i < n; i++ {
		secs[i] = addTextSection(o, fmt.Sprintf(".text.m%d", i))
		syms[i] = addTestSymbol(o, fmt.Sprintf("m%d", i), secs[i])
	}
	for i := 0; i+1 < n; i++ {
		addTestRel(secs[i], syms[i+1])
	}

	ctx, _ := newTestContext(o)
	require.True(t, markSection(secs[0]))
	drained := Mark(ctx, []*InputSection{secs[0]})

	// visit 最多递归 3 层，m4 和 m8 只能进入队列再由外层循环处理
	assert.Equal(t, []*InputSection{secs[0], secs[4], secs[8]}, drained)
	for _, isec := range secs {
		assert.True(t, isec.IsVisited.Load())
	}
}

func TestMarkSectionClaimsOnce(t *testing.T) {
	o := newTestObject("claim.o")
	isec := addTextSection(o, ".text.claim")

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if markSection(isec) {
				claimed.Inc()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	assert.False(t, markSection(nil))

	dead := addTextSection(o, ".text.dead")
	dead.Kill()
	assert.False(t, markSection(dead))
	assert.False(t, dead.IsVisited.Load())
}

func TestIsCIdentifier(t *testing.T) {
	tests := map[string]bool{
		"":              false,
		"foo":           true,
		"_foo_bar9":     true,
		"Foo":           true,
		"9foo":          false,
		".text":         false,
		"foo.bar":       false,
		"foo-bar":       false,
		"__libc_atexit": true,
	}

	for name, want := range tests {
		assert.Equal(t, want, isCIdentifier(name), "%q", name)
	}
}
