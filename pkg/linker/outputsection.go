package linker

import (
	"debug/elf"
	"strings"
)

// @Members：同名（经过 GetOutputName 映射之后）、同类型、同 flags 的 InputSection，
//           gc 回收掉的 section 不会出现在这里
// @Idx: 本 output section 在 Context::OutputSections 中的下标
type OutputSection struct {
	Chunk
	Members []*InputSection
	Idx     uint32
}

func NewOutputSection(
	name string, typ uint32, flags uint64, idx uint32) *OutputSection {
	o := &OutputSection{Chunk: NewChunk()}
	o.Name = name
	o.Shdr.Type = typ
	o.Shdr.Flags = flags
	o.Idx = idx
	return o
}

func (o *OutputSection) CopyBuf(ctx *Context) {
	if o.Shdr.Type == uint32(elf.SHT_NOBITS) {
		return
	}

	base := ctx.Buf[o.Shdr.Offset:]
	for _, isec := range o.Members {
		isec.WriteTo(ctx, base[isec.Offset:])
	}
}

// 找到 InputSection 对应的 OutputSection，找不到就新建一个登记到 Context::OutputSections
func GetOutputSection(
	ctx *Context, name string, typ, flags uint64) *OutputSection {
	name = GetOutputName(name, flags)
	flags = flags &^ uint64(elf.SHF_GROUP) &^
		uint64(elf.SHF_COMPRESSED) &^ uint64(elf.SHF_LINK_ORDER)

	for _, osec := range ctx.OutputSections {
		if name == osec.Name && typ == uint64(osec.Shdr.Type) &&
			flags == osec.Shdr.Flags {
			return osec
		}
	}

	osec := NewOutputSection(name, uint32(typ), flags,
		uint32(len(ctx.OutputSections)))
	ctx.OutputSections = append(ctx.OutputSections, osec)
	return osec
}

var prefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
	".ctors.", ".dtors.",
}

// 把 input section 的名字映射成 output section 的名字，譬如 .text.main -> .text
func GetOutputName(name string, flags uint64) string {
	if (name == ".rodata" || strings.HasPrefix(name, ".rodata.")) &&
		flags&uint64(elf.SHF_MERGE) != 0 {
		if flags&uint64(elf.SHF_STRINGS) != 0 {
			return ".rodata.str"
		}
		return ".rodata.cst"
	}

	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}

	return name
}
