package linker

// Chunk 是输出文件中一段连续内容的抽象，譬如 ELF header、OutputSection、
// MergedSection 等，Go 里没有基类指针，所以用 Chunker 接口来统一处理
type Chunker interface {
	GetName() string
	GetShdr() *Shdr
	UpdateShdr(ctx *Context)
	CopyBuf(ctx *Context)
}

type Chunk struct {
	Name string
	Shdr Shdr
}

// 默认 1 字节对齐
func NewChunk() Chunk {
	return Chunk{Shdr: Shdr{AddrAlign: 1}}
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) GetShdr() *Shdr {
	return &c.Shdr
}

func (c *Chunk) UpdateShdr(ctx *Context) {}

func (c *Chunk) CopyBuf(ctx *Context) {}
