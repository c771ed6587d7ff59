package linker

import (
	"debug/elf"

	"github.com/unicornx/rvld/pkg/utils"
)

type OutputPhdr struct {
	Chunk
	Phdrs []Phdr
}

func NewOutputPhdr() *OutputPhdr {
	o := &OutputPhdr{Chunk: NewChunk()}
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.AddrAlign = 8
	return o
}

func toPhdrFlags(chunk Chunker) uint32 {
	ret := uint32(elf.PF_R)
	write := chunk.GetShdr().Flags&uint64(elf.SHF_WRITE) != 0
	if write {
		ret |= uint32(elf.PF_W)
	}
	if chunk.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		ret |= uint32(elf.PF_X)
	}
	return ret
}

// 根据排好序的 chunk 生成 program header：
// PT_PHDR、连续的 note 合成 PT_NOTE、flags 相同的相邻 alloc chunk 合成 PT_LOAD，
// 以及 TLS 模板 PT_TLS
func createPhdr(ctx *Context) []Phdr {
	vec := make([]Phdr, 0)
	define := func(typ uint32, flags uint32, minAlign uint64, chunk Chunker) {
		shdr := chunk.GetShdr()
		phdr := Phdr{
			Type:    typ,
			Flags:   flags,
			Align:   max(minAlign, shdr.AddrAlign),
			Offset:  shdr.Offset,
			VAddr:   shdr.Addr,
			PAddr:   shdr.Addr,
			MemSize: shdr.Size,
		}
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = shdr.Size
		}
		vec = append(vec, phdr)
	}

	push := func(chunk Chunker) {
		phdr := &vec[len(vec)-1]
		shdr := chunk.GetShdr()
		phdr.Align = max(phdr.Align, shdr.AddrAlign)
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = shdr.Addr + shdr.Size - phdr.VAddr
		}
		phdr.MemSize = shdr.Addr + shdr.Size - phdr.VAddr
	}

	define(uint32(elf.PT_PHDR), uint32(elf.PF_R), 8, ctx.Phdr)

	end := len(ctx.Chunks)
	for i := 0; i < end; {
		first := ctx.Chunks[i]
		i++
		if !isNote(first) {
			continue
		}

		flags := toPhdrFlags(first)
		define(uint32(elf.PT_NOTE), flags, first.GetShdr().AddrAlign, first)
		for i < end && isNote(ctx.Chunks[i]) &&
			toPhdrFlags(ctx.Chunks[i]) == flags {
			push(ctx.Chunks[i])
			i++
		}
	}

	chunks := utils.RemoveIf(ctx.Chunks, isTbss)
	end = len(chunks)
	for i := 0; i < end; {
		first := chunks[i]
		i++
		if first.GetShdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			break
		}

		flags := toPhdrFlags(first)
		define(uint32(elf.PT_LOAD), flags, PageSize, first)

		if !isBss(first) {
			for i < end && !isBss(chunks[i]) &&
				toPhdrFlags(chunks[i]) == flags {
				push(chunks[i])
				i++
			}
		}

		for i < end && isBss(chunks[i]) &&
			toPhdrFlags(chunks[i]) == flags {
			push(chunks[i])
			i++
		}
	}

	for i := 0; i < len(ctx.Chunks); i++ {
		if !isTls(ctx.Chunks[i]) {
			continue
		}

		define(uint32(elf.PT_TLS), toPhdrFlags(ctx.Chunks[i]), 1, ctx.Chunks[i])
		i++
		for i < len(ctx.Chunks) && isTls(ctx.Chunks[i]) {
			push(ctx.Chunks[i])
			i++
		}

		phdr := &vec[len(vec)-1]
		ctx.TpAddr = phdr.VAddr
	}

	return vec
}

func (o *OutputPhdr) UpdateShdr(ctx *Context) {
	o.Phdrs = createPhdr(ctx)
	o.Shdr.Size = uint64(len(o.Phdrs)) * uint64(PhdrSize)
}

func (o *OutputPhdr) CopyBuf(ctx *Context) {
	base := ctx.Buf[o.Shdr.Offset:]
	for i, phdr := range o.Phdrs {
		utils.Write[Phdr](base[i*PhdrSize:], phdr)
	}
}
