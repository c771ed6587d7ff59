package linker

import (
	"debug/elf"

	"github.com/unicornx/rvld/pkg/utils"
)

const (
	NeedsGotTp uint32 = 1 << 0
)

/*
 * 用于 linker 内部处理的符号对象，和 ELF 的 Elf_Sym 有一一对应关系，但是 Symbol
 * 对象含有 linker 内部处理需要的上下文信息
 * @File: 标志该 Symbol 在哪个 ObjectFile 中定义，未定义时为 nil
 * @Name：符号的字符串值
 * @Value: 对 InputSection 是 Elf_Sym::st_value，对 SectionFragment 是在 fragment 内的偏移
 * @SymIdx: 符号在 File 的符号表中的 index
 *
 * @InputSection / @SectionFragment: 符号所在的位置，两者同时只有一个为 !nil
 *                                   都为 nil 时是绝对符号或者未定义符号
 * @IsExported: 是否是导出符号，导出符号是 gc 的 root
 */
type Symbol struct {
	File     *ObjectFile
	Name     string
	Value    uint64
	SymIdx   int
	GotTpIdx int32

	InputSection    *InputSection
	SectionFragment *SectionFragment

	Flags      uint32
	IsExported bool
}

func NewSymbol(name string) *Symbol {
	s := &Symbol{
		Name:   name,
		SymIdx: -1,
	}
	return s
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.SectionFragment = nil
}

func (s *Symbol) SetSectionFragment(frag *SectionFragment) {
	s.InputSection = nil
	s.SectionFragment = frag
}

func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.SymbolMap[name]; ok {
		return sym
	}
	ctx.SymbolMap[name] = NewSymbol(name)
	return ctx.SymbolMap[name]
}

// GetSymbol 和 GetSymbolByName 不同，它只查找，不会往 SymbolMap 里插入新符号。
// 符号不存在或者没有任何文件定义它时返回 nil
func GetSymbol(ctx *Context, name string) *Symbol {
	sym, ok := ctx.SymbolMap[name]
	if !ok || sym.File == nil {
		return nil
	}
	return sym
}

func (s *Symbol) ElfSym() *Sym {
	utils.Assert(s.SymIdx < len(s.File.ElfSyms))
	return &s.File.ElfSyms[s.SymIdx]
}

func (s *Symbol) IsSectionSymbol() bool {
	return s.File != nil && s.SymIdx >= 0 &&
		s.ElfSym().Type() == uint8(elf.STT_SECTION)
}

func (s *Symbol) Clear() {
	s.File = nil
	s.InputSection = nil
	s.SectionFragment = nil
	s.SymIdx = -1
	s.IsExported = false
}

// 被 gc 回收掉的 section 或者 fragment 中的符号地址为 0
func (s *Symbol) GetAddr() uint64 {
	if s.SectionFragment != nil {
		if !s.SectionFragment.IsAlive.Load() {
			return 0
		}
		return s.SectionFragment.GetAddr() + s.Value
	}

	if s.InputSection != nil {
		if !s.InputSection.IsAlive {
			return 0
		}
		return s.InputSection.GetAddr() + s.Value
	}

	return s.Value
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GotTpIdx)*8
}
