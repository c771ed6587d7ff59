package linker

import (
	"bytes"
	"debug/elf"
	"strconv"
	"strings"
	"unsafe"

	"github.com/unicornx/rvld/pkg/utils"
)

const EhdrSize = int(unsafe.Sizeof(Ehdr{}))
const ShdrSize = int(unsafe.Sizeof(Shdr{}))
const SymSize = int(unsafe.Sizeof(Sym{}))
const PhdrSize = int(unsafe.Sizeof(Phdr{}))
const RelaSize = int(unsafe.Sizeof(Rela{}))
const ArHdrSize = int(unsafe.Sizeof(ArHdr{}))

// debug/elf 里没有定义的几个常量
const (
	// SHF_GNU_RETAIN: 带有该标记的 section 不参与 --gc-sections 回收
	SHF_GNU_RETAIN uint64 = 0x200000
	// SHT_ARM_EXIDX: ARM32 的异常索引表
	SHT_ARM_EXIDX uint32 = 0x70000001
)

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) Type() uint8 {
	return s.Info & 0xf
}

func (s *Sym) Bind() uint8 {
	return s.Info >> 4
}

func (s *Sym) Visibility() uint8 {
	return s.Other & 0x3
}

// Rela: ELF 的重定位表项，Sym 为所引用符号在 ObjectFile::Symbols 中的下标
type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// ArHdr: ar 格式 archive 文件中每个成员的头部
type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func (a *ArHdr) HasPrefix(s string) bool {
	return strings.HasPrefix(string(a.Name[:]), s)
}

// "// " 是 GNU 格式的长文件名表
func (a *ArHdr) IsStrtab() bool {
	return a.HasPrefix("// ")
}

// "/ " 和 "/SYM64/ " 是符号索引表，链接时用不到
func (a *ArHdr) IsSymtab() bool {
	return a.HasPrefix("/ ") || a.HasPrefix("/SYM64/ ")
}

func (a *ArHdr) GetSize() int {
	size, err := strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
	utils.MustNo(err)
	return size
}

func (a *ArHdr) ReadName(strTab []byte) string {
	// 长文件名: "/123" 表示在 strTab 偏移 123 处，以 "/\n" 结束
	if a.HasPrefix("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		utils.MustNo(err)
		end := start + bytes.Index(strTab[start:], []byte("/\n"))
		return string(strTab[start:end])
	}

	// 短文件名以 "/" 结束
	end := bytes.Index(a.Name[:], []byte("/"))
	utils.Assert(end != -1)
	return string(a.Name[:end])
}

func ElfGetName(strTab []byte, offset uint32) string {
	length := uint32(bytes.Index(strTab[offset:], []byte{0}))
	return string(strTab[offset : offset+length])
}

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte("\177ELF"))
}

func WriteMagic(contents []byte) {
	copy(contents, "\177ELF")
}
