package linker

import (
	"debug/elf"
	"fmt"

	"github.com/unicornx/rvld/pkg/utils"
)

/*
 * @File: 对应的输入文件
 * @ElfSections: Shdr（ELF Section header）的数组
 * @ShStrtab: section 名字的字符串表
 * @ElfSyms: ELF 符号表
 * @FirstGlobal: ELF 符号表中第一个 GLOBAL 符号的位置
 * @SymbolStrtab: 符号名字的字符串表，即 .strtab
 * @IsAlive: 文件级别的 alive 标记，该文件是否最终要参与链接
 * @Symbols: 文件中所有的符号，下标和 ElfSyms 一致
 *           LOCAL 符号指向 LocalSymbols 中的对象
 *           GLOBAL 符号指向 Context::SymbolMap 中的对象，可能由别的文件定义
 * @LocalSymbols: 该文件的 LOCAL 符号
 */
type InputFile struct {
	File         *File
	ElfSections  []Shdr
	ShStrtab     []byte
	ElfSyms      []Sym
	FirstGlobal  int
	SymbolStrtab []byte
	IsAlive      bool
	Symbols      []*Symbol
	LocalSymbols []Symbol
}

// 解析 ELF header 以及 section header table，
// 初始化 File、ElfSections 和 ShStrtab
func NewInputFile(file *File) InputFile {
	f := InputFile{File: file}

	if len(file.Contents) < EhdrSize {
		utils.Fatal(fmt.Sprintf("%s: file too small", file))
	}

	if !CheckMagic(file.Contents) {
		utils.Fatal(fmt.Sprintf("%s: not an ELF file", file))
	}

	ehdr := utils.Read[Ehdr](file.Contents)
	contents := file.Contents[ehdr.ShOff:]
	shdr := utils.Read[Shdr](contents)

	// section 个数超过 65535 时 e_shnum 为 0，真正的个数放在第 0 个 section 的 sh_size 中
	numSections := int64(ehdr.ShNum)
	if numSections == 0 {
		numSections = int64(shdr.Size)
	}

	f.ElfSections = []Shdr{shdr}
	for numSections > 1 {
		contents = contents[ShdrSize:]
		f.ElfSections = append(f.ElfSections, utils.Read[Shdr](contents))
		numSections--
	}

	shstrndx := int64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrndx = int64(shdr.Link)
	}
	f.ShStrtab = f.GetBytesFromIdx(shstrndx)
	return f
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) []byte {
	end := s.Offset + s.Size
	if uint64(len(f.File.Contents)) < end {
		utils.Fatal(
			fmt.Sprintf("%s: section header is out of range: %d", f.File, s.Offset))
	}
	return f.File.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(idx int64) []byte {
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(s *Shdr) {
	bs := f.GetBytesFromShdr(s)
	f.ElfSyms = utils.ReadSlice[Sym](bs, SymSize)
}

// 根据 section 的 type 寻找第一个匹配的 section header
func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		shdr := &f.ElfSections[i]
		if shdr.Type == ty {
			return shdr
		}
	}

	return nil
}

func (f *InputFile) GetEhdr() Ehdr {
	return utils.Read[Ehdr](f.File.Contents)
}
