package linker

import (
	"debug/elf"
	"os"

	"github.com/pkg/errors"
)

const IMAGE_BASE uint64 = 0x200000
const PageSize = 4096
const EF_RISCV_RVC uint32 = 1

// 把 Context::Buf 写到 -o 指定的文件中
func WriteOutputFile(ctx *Context) error {
	file, err := os.OpenFile(ctx.Args.Output,
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0777)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", ctx.Args.Output)
	}
	defer file.Close()

	if _, err := file.Write(ctx.Buf); err != nil {
		return errors.Wrapf(err, "cannot write %s", ctx.Args.Output)
	}
	return nil
}

func isHeader(ctx *Context, chunk Chunker) bool {
	return chunk == ctx.Ehdr || chunk == ctx.Phdr || chunk == ctx.Shdr
}

func isTls(chunk Chunker) bool {
	return chunk.GetShdr().Flags&uint64(elf.SHF_TLS) != 0
}

func isBss(chunk Chunker) bool {
	return chunk.GetShdr().Type == uint32(elf.SHT_NOBITS) && !isTls(chunk)
}

func isTbss(chunk Chunker) bool {
	shdr := chunk.GetShdr()
	return shdr.Type == uint32(elf.SHT_NOBITS) &&
		shdr.Flags&uint64(elf.SHF_TLS) != 0
}

func isNote(chunk Chunker) bool {
	shdr := chunk.GetShdr()
	return shdr.Type == uint32(elf.SHT_NOTE) &&
		shdr.Flags&uint64(elf.SHF_ALLOC) != 0
}
