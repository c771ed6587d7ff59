package linker

import (
	"bytes"
	"debug/elf"
	"fmt"
	"math"

	"github.com/unicornx/rvld/pkg/utils"
)

/*
 * ObjectFile 在 InputFile 的基础上还具备以下属性
 *
 * @SymtabSec：符号表所对应的 section header
 * @SymtabShndxSec: SHT_SYMTAB_SHNDX section 的内容。符号的 st_shndx 为 SHN_XINDEX 时，
 *                  真正的 section index 要到这里按符号下标去查
 * @Sections: 与 ElfSections 一一对应的 InputSection，不需要的 section 对应 nil
 * @MergeableSections： 带有 SHF_MERGE 的 section split 之后的结果，下标和 Sections 一致
 * @Cies: .eh_frame 中的 CIE 记录，gc 时总是被保留
 */
type ObjectFile struct {
	InputFile
	SymtabSec         *Shdr
	SymtabShndxSec    []uint32
	Sections          []*InputSection
	MergeableSections []*MergeableSection
	Cies              []*CieRecord
}

func NewObjectFile(file *File, isAlive bool) *ObjectFile {
	o := &ObjectFile{InputFile: NewInputFile(file)}
	o.IsAlive = isAlive
	return o
}

func (o *ObjectFile) Parse(ctx *Context) {
	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int(o.SymtabSec.Info)
		o.FillUpElfSyms(o.SymtabSec)
		o.SymbolStrtab = o.GetBytesFromIdx(int64(o.SymtabSec.Link))
	}

	o.InitializeSections(ctx)

	// LOCAL 符号放在 ObjectFile 中保存，GLOBAL 符号放在 Context 中保存
	o.InitializeSymbols(ctx)

	o.InitializeMergeableSections(ctx)

	o.InitializeEhframeSections()
}

func (o *ObjectFile) InitializeSections(ctx *Context) {
	o.Sections = make([]*InputSection, len(o.ElfSections))
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		switch elf.SectionType(shdr.Type) {
		case elf.SHT_GROUP, elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA,
			elf.SHT_NULL:
			break
		case elf.SHT_SYMTAB_SHNDX:
			o.FillUpSymtabShndxSec(shdr)
		default:
			name := ElfGetName(o.InputFile.ShStrtab, shdr.Name)
			o.Sections[i] = NewInputSection(ctx, name, o, uint32(i))
		}
	}

	// SHT_RELA section 的 sh_info 是它所描述的那个 section 的 index
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.InputFile.ElfSections[i]
		if shdr.Type != uint32(elf.SHT_RELA) {
			continue
		}

		utils.Assert(shdr.Info < uint32(len(o.Sections)))
		if target := o.Sections[shdr.Info]; target != nil {
			utils.Assert(target.RelsecIdx == math.MaxUint32)
			target.RelsecIdx = uint32(i)
		}
	}
}

func (o *ObjectFile) FillUpSymtabShndxSec(s *Shdr) {
	bs := o.GetBytesFromShdr(s)
	o.SymtabShndxSec = utils.ReadSlice[uint32](bs, 4)
}

func (o *ObjectFile) InitializeSymbols(ctx *Context) {
	if o.SymtabSec == nil {
		return
	}

	o.LocalSymbols = make([]Symbol, o.FirstGlobal)
	for i := 0; i < len(o.LocalSymbols); i++ {
		o.LocalSymbols[i] = *NewSymbol("")
	}
	o.LocalSymbols[0].File = o

	// 第 0 个符号是无效的未定义符号，跳过
	for i := 1; i < len(o.LocalSymbols); i++ {
		esym := &o.ElfSyms[i]
		sym := &o.LocalSymbols[i]
		sym.Name = ElfGetName(o.SymbolStrtab, esym.Name)
		sym.File = o
		sym.Value = esym.Val
		sym.SymIdx = i

		if !esym.IsAbs() {
			sym.SetInputSection(o.Sections[o.GetShndx(esym, i)])
		}
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	for i := 0; i < len(o.LocalSymbols); i++ {
		o.Symbols[i] = &o.LocalSymbols[i]
	}
	// GLOBAL 符号在所有文件之间共享，由 GetSymbolByName 统一放在 Context::SymbolMap 中
	for i := len(o.LocalSymbols); i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		name := ElfGetName(o.SymbolStrtab, esym.Name)
		o.Symbols[i] = GetSymbolByName(ctx, name)
	}
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int) int64 {
	utils.Assert(idx >= 0 && idx < len(o.ElfSyms))

	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		return int64(o.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

func (o *ObjectFile) ResolveSymbols() {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsUndef() {
			continue
		}
		if esym.IsCommon() {
			utils.Fatal(fmt.Sprintf("%s: common symbols are not supported: %s",
				o.File, sym.Name))
		}

		var isec *InputSection
		if !esym.IsAbs() {
			isec = o.GetSection(esym, i)
			if isec == nil {
				continue
			}
		}

		if sym.File == nil {
			sym.File = o
			sym.SetInputSection(isec)
			sym.Value = esym.Val
			sym.SymIdx = i
		}
	}
}

func (o *ObjectFile) GetSection(esym *Sym, idx int) *InputSection {
	return o.Sections[o.GetShndx(esym, idx)]
}

// 本文件引用了但定义在别的（还没有 alive 的）文件中的 GLOBAL 符号，
// 会把定义它的那个文件也拉进来
func (o *ObjectFile) MarkLiveObjects(feeder func(*ObjectFile)) {
	utils.Assert(o.IsAlive)

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if sym.File == nil {
			continue
		}

		if esym.IsUndef() && !sym.File.IsAlive {
			sym.File.IsAlive = true
			feeder(sym.File)
		}
	}
}

func (o *ObjectFile) ClearSymbols() {
	for _, sym := range o.Symbols[o.FirstGlobal:] {
		if sym.File == o {
			sym.Clear()
		}
	}
}

// 导出所有本文件定义的、缺省可见性的 GLOBAL 符号
func (o *ObjectFile) ComputeExportedSymbols() {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if sym.File != o || esym.IsUndef() {
			continue
		}

		if esym.Visibility() == uint8(elf.STV_DEFAULT) {
			sym.IsExported = true
		}
	}
}

// 对带有 SHF_MERGE 的 section 做 split，split 之后原来的 InputSection 就不再需要了
func (o *ObjectFile) InitializeMergeableSections(ctx *Context) {
	o.MergeableSections = make([]*MergeableSection, len(o.Sections))
	for i := 0; i < len(o.Sections); i++ {
		isec := o.Sections[i]
		if isec != nil && isec.IsAlive &&
			isec.Shdr().Flags&uint64(elf.SHF_MERGE) != 0 {
			o.MergeableSections[i] = splitSection(ctx, isec)
			isec.Kill()
		}
	}
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.Index(data, []byte{0})
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		bs := data[i : i+entSize]
		if utils.AllZeros(bs) {
			return i
		}
	}

	return -1
}

func splitSection(ctx *Context, isec *InputSection) *MergeableSection {
	m := &MergeableSection{}
	shdr := isec.Shdr()

	m.Parent = GetMergedSectionInstance(ctx, isec.Name(), shdr.Type,
		shdr.Flags)
	m.P2Align = isec.P2Align

	data := isec.Contents
	offset := uint64(0)
	if shdr.Flags&uint64(elf.SHF_STRINGS) != 0 {
		for len(data) > 0 {
			end := findNull(data, int(shdr.EntSize))
			if end == -1 {
				utils.Fatal(fmt.Sprintf("%s: string is not null terminated", isec))
			}

			sz := uint64(end) + shdr.EntSize
			substr := data[:sz]
			data = data[sz:]
			m.Strs = append(m.Strs, string(substr))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			offset += sz
		}
	} else {
		if uint64(len(data))%shdr.EntSize != 0 {
			utils.Fatal(fmt.Sprintf("%s: section size is not multiple of entsize", isec))
		}

		for len(data) > 0 {
			substr := data[:shdr.EntSize]
			data = data[shdr.EntSize:]
			m.Strs = append(m.Strs, string(substr))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			offset += shdr.EntSize
		}
	}

	return m
}

// 把 split 出来的每个元素插入到对应的 MergedSection 中得到 fragment，
// 然后把指向 mergeable section 的符号和重定位都改为指向 fragment
func (o *ObjectFile) RegisterSectionPieces(ctx *Context) {
	for _, m := range o.MergeableSections {
		if m == nil {
			continue
		}

		m.Fragments = make([]*SectionFragment, 0, len(m.Strs))
		for i := 0; i < len(m.Strs); i++ {
			frag := m.Parent.Insert(m.Strs[i], uint32(m.P2Align))
			// 不做 gc 的时候所有 fragment 都要保留
			if !ctx.Args.GcSections {
				frag.IsAlive.Store(true)
			}
			m.Fragments = append(m.Fragments, frag)
		}
	}

	for i := 1; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsAbs() || esym.IsUndef() || esym.IsCommon() ||
			esym.Type() == uint8(elf.STT_SECTION) {
			continue
		}

		m := o.MergeableSections[o.GetShndx(esym, i)]
		if m == nil {
			continue
		}

		// GLOBAL 符号可能由别的文件定义
		if sym.File != o {
			continue
		}

		frag, fragOffset := m.GetFragment(uint32(esym.Val))
		if frag == nil {
			utils.Fatal(fmt.Sprintf("%s: bad symbol value: %s", o.File, sym.Name))
		}
		sym.SetSectionFragment(frag)
		sym.Value = uint64(fragOffset)
	}

	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive {
			continue
		}
		o.registerRelFragments(isec)
	}
}

// 重定位通过 section 符号引用 mergeable section 时，
// 真正的目标是 st_value + addend 所在的那个 fragment
func (o *ObjectFile) registerRelFragments(isec *InputSection) {
	rels := isec.GetRels()
	for idx, rel := range rels {
		esym := &o.ElfSyms[rel.Sym]
		if esym.Type() != uint8(elf.STT_SECTION) {
			continue
		}

		m := o.MergeableSections[o.GetShndx(esym, int(rel.Sym))]
		if m == nil {
			continue
		}

		// 允许指向 section 末尾，但不能越过它
		shdr := &o.ElfSections[o.GetShndx(esym, int(rel.Sym))]
		offset := int64(esym.Val) + rel.Addend
		if offset < 0 || uint64(offset) > shdr.Size {
			utils.Fatal(fmt.Sprintf("%s: bad relocation at %d", isec, rel.Offset))
		}

		frag, fragOffset := m.GetFragment(uint32(offset))
		if frag == nil {
			utils.Fatal(fmt.Sprintf("%s: bad relocation at %d", isec, rel.Offset))
		}

		isec.RelFragments = append(isec.RelFragments, SectionFragmentRef{
			Idx:    idx,
			Frag:   frag,
			Addend: int64(fragOffset),
		})
	}
}

// .eh_frame 不会被输出，但是在丢弃之前要先把其中的 CIE/FDE 记下来，
// gc 的时候要用到
func (o *ObjectFile) InitializeEhframeSections() {
	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive && isec.Name() == ".eh_frame" {
			o.ParseEhFrame(isec)
			isec.Kill()
		}
	}
}

func (o *ObjectFile) ScanRelocations() {
	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive &&
			isec.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			isec.ScanRelocations()
		}
	}
}
