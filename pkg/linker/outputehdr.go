package linker

import (
	"debug/elf"

	"github.com/unicornx/rvld/pkg/utils"
)

type OutputEhdr struct {
	Chunk
}

func NewOutputEhdr() *OutputEhdr {
	return &OutputEhdr{
		Chunk{
			Shdr: Shdr{
				Flags:     uint64(elf.SHF_ALLOC),
				Size:      uint64(EhdrSize),
				AddrAlign: 8,
			},
		},
	}
}

// 入口符号找不到时入口地址为 0
func getEntryAddr(ctx *Context) uint64 {
	if sym := GetSymbol(ctx, ctx.Args.Entry); sym != nil {
		return sym.GetAddr()
	}
	return 0
}

// 只要有一个输入文件使用了压缩指令，输出文件就要带上 EF_RISCV_RVC
func getFlags(ctx *Context) uint32 {
	utils.Assert(len(ctx.Objs) > 0)
	flags := ctx.Objs[0].GetEhdr().Flags
	for _, obj := range ctx.Objs[1:] {
		if obj.GetEhdr().Flags&EF_RISCV_RVC != 0 {
			flags |= EF_RISCV_RVC
			break
		}
	}

	return flags
}

func (o *OutputEhdr) CopyBuf(ctx *Context) {
	ehdr := &Ehdr{}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Ident[elf.EI_OSABI] = 0
	ehdr.Ident[elf.EI_ABIVERSION] = 0
	ehdr.Type = uint16(elf.ET_EXEC)
	ehdr.Machine = uint16(elf.EM_RISCV)
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.Entry = getEntryAddr(ctx)
	ehdr.PhOff = ctx.Phdr.Shdr.Offset
	ehdr.ShOff = ctx.Shdr.Shdr.Offset
	ehdr.Flags = getFlags(ctx)
	ehdr.EhSize = uint16(EhdrSize)
	ehdr.PhEntSize = uint16(PhdrSize)
	ehdr.PhNum = uint16(ctx.Phdr.Shdr.Size) / uint16(PhdrSize)
	ehdr.ShEntSize = uint16(ShdrSize)
	ehdr.ShNum = uint16(ctx.Shdr.Shdr.Size) / uint16(ShdrSize)

	utils.Write[Ehdr](ctx.Buf, *ehdr)
}
