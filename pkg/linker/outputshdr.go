package linker

import "github.com/unicornx/rvld/pkg/utils"

// section header table，第 0 项是空的，其余每个非 header 的 chunk 占一项
type OutputShdr struct {
	Chunk
}

func NewOutputShdr() *OutputShdr {
	o := &OutputShdr{Chunk: NewChunk()}
	o.Shdr.AddrAlign = 8
	return o
}

func (o *OutputShdr) UpdateShdr(ctx *Context) {
	n := 0
	for _, chunk := range ctx.Chunks {
		if !isHeader(ctx, chunk) {
			n++
		}
	}

	o.Shdr.Size = uint64(n+1) * uint64(ShdrSize)
}

func (o *OutputShdr) CopyBuf(ctx *Context) {
	base := ctx.Buf[o.Shdr.Offset:]
	utils.Write[Shdr](base, Shdr{})

	idx := 1
	for _, chunk := range ctx.Chunks {
		if isHeader(ctx, chunk) {
			continue
		}
		utils.Write[Shdr](base[idx*ShdrSize:], *chunk.GetShdr())
		idx++
	}
}
