package linker

import (
	"bytes"
	"debug/elf"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// 测试中不需要真正的 ELF 文件，直接在内存中拼出 ObjectFile

func newTestObject(name string) *ObjectFile {
	o := &ObjectFile{}
	o.File = &File{Name: name}
	o.IsAlive = true
	o.ShStrtab = []byte{0}
	o.ElfSections = []Shdr{{}}
	o.Sections = []*InputSection{nil}
	o.MergeableSections = []*MergeableSection{nil}

	null := NewSymbol("")
	null.File = o
	o.ElfSyms = []Sym{{}}
	o.Symbols = []*Symbol{null}
	o.FirstGlobal = 1
	return o
}

func addTestSection(o *ObjectFile, name string, typ elf.SectionType,
	flags elf.SectionFlag, size uint32) *InputSection {
	nameOff := uint32(len(o.ShStrtab))
	o.ShStrtab = append(o.ShStrtab, name...)
	o.ShStrtab = append(o.ShStrtab, 0)

	o.ElfSections = append(o.ElfSections, Shdr{
		Name:  nameOff,
		Type:  uint32(typ),
		Flags: uint64(flags),
		Size:  uint64(size),
	})

	isec := &InputSection{
		File:      o,
		Shndx:     uint32(len(o.ElfSections) - 1),
		ShSize:    size,
		IsAlive:   true,
		Offset:    math.MaxUint32,
		RelsecIdx: math.MaxUint32,
	}
	o.Sections = append(o.Sections, isec)
	o.MergeableSections = append(o.MergeableSections, nil)
	return isec
}

func addTextSection(o *ObjectFile, name string) *InputSection {
	return addTestSection(o, name, elf.SHT_PROGBITS,
		elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16)
}

// 添加一个定义在 isec 中的符号，返回它在 Symbols 中的下标
func addTestSymbol(o *ObjectFile, name string, isec *InputSection) uint32 {
	sym := NewSymbol(name)
	sym.File = o
	sym.SymIdx = len(o.ElfSyms)
	sym.SetInputSection(isec)

	var shndx uint16
	if isec != nil {
		shndx = uint16(isec.Shndx)
	}
	o.ElfSyms = append(o.ElfSyms, Sym{
		Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC),
		Shndx: shndx,
	})
	o.Symbols = append(o.Symbols, sym)
	return uint32(sym.SymIdx)
}

func addFragmentSymbol(o *ObjectFile, name string, frag *SectionFragment) uint32 {
	idx := addTestSymbol(o, name, nil)
	o.Symbols[idx].SetSectionFragment(frag)
	return idx
}

func addTestRel(isec *InputSection, sym uint32) {
	isec.Rels = append(isec.Rels, Rela{
		Offset: uint64(len(isec.Rels) * 8),
		Type:   uint32(elf.R_RISCV_64),
		Sym:    sym,
	})
}

func newTestContext(objs ...*ObjectFile) (*Context, *bytes.Buffer) {
	ctx := NewContext()
	ctx.Args.Emulation = MachineTypeRISCV64
	ctx.Args.GcSections = true
	ctx.Objs = objs

	stderr := &bytes.Buffer{}
	ctx.Stderr = stderr
	ctx.Stdout = &bytes.Buffer{}
	return ctx, stderr
}

// 把 o.Symbols[idx] 登记为 GLOBAL 符号，这样 GetSymbol 能找到它
func registerGlobal(ctx *Context, o *ObjectFile, idx uint32) *Symbol {
	sym := o.Symbols[idx]
	ctx.SymbolMap[sym.Name] = sym
	return sym
}

type fatalExit struct{}

// utils.Fatal 通过 logrus 的 ExitFunc 退出进程，测试时把它换成 panic
func assertFatal(t *testing.T, f func()) {
	t.Helper()

	logger := logrus.StandardLogger()
	exit, out := logger.ExitFunc, logger.Out
	logger.ExitFunc = func(int) { panic(fatalExit{}) }
	logger.SetOutput(io.Discard)
	defer func() {
		logger.ExitFunc = exit
		logger.SetOutput(out)
	}()

	assert.PanicsWithValue(t, fatalExit{}, f)
}
