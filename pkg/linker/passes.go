package linker

import (
	"debug/elf"
	"fmt"
	"math"
	"sort"

	"github.com/unicornx/rvld/pkg/logflags"
	"github.com/unicornx/rvld/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// 为所有 GLOBAL 符号找到定义它的文件，然后从命令行上直接给出的 obj 文件出发，
// 把被引用到的 archive 成员标记为 alive，最后去掉没有用到的文件
func ResolveSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ResolveSymbols()
	}

	MarkLiveObjects(ctx)

	// 没有用到的文件定义的符号要清掉，否则会有符号指向不参与链接的文件
	for _, file := range ctx.Objs {
		if !file.IsAlive {
			file.ClearSymbols()
		}
	}

	ctx.Objs = utils.RemoveIf[*ObjectFile](ctx.Objs, func(file *ObjectFile) bool {
		return !file.IsAlive
	})

	for _, name := range ctx.Args.RequireDefined {
		if GetSymbol(ctx, name) == nil {
			utils.Fatal(fmt.Sprintf("--require-defined: undefined symbol: %s", name))
		}
	}
}

// roots 是一个只会在尾部追加的队列：
// 初始为所有 alive 的文件，处理一个文件时可能发现它依赖的 archive 成员，
// 这些成员被标记为 alive 后追加到队尾，直到队列处理完毕。
// 譬如 a.o 引用了 libX.a 中 1.o 定义的 s1 和 2.o 定义的 s2，2.o 又引用了 3.o 定义的 s3:
// roots = {a.o} -> {1.o, 2.o} -> {2.o} -> {3.o} -> {}
func MarkLiveObjects(ctx *Context) {
	roots := make([]*ObjectFile, 0)
	for _, file := range ctx.Objs {
		if file.IsAlive {
			roots = append(roots, file)
		}
	}

	// -u 和 --require-defined 指定的符号即使没有被引用，定义它的 archive 成员也要拉进来
	names := append(append([]string{}, ctx.Args.Undefined...), ctx.Args.RequireDefined...)
	for _, name := range names {
		sym, ok := ctx.SymbolMap[name]
		if !ok || sym.File == nil || sym.File.IsAlive {
			continue
		}
		sym.File.IsAlive = true
		roots = append(roots, sym.File)
	}

	utils.Assert(len(roots) > 0)

	for len(roots) > 0 {
		file := roots[0]
		roots = roots[1:]

		file.MarkLiveObjects(func(file *ObjectFile) {
			roots = append(roots, file)
		})
	}
}

// -E: 把所有缺省可见性的 GLOBAL 符号标记为导出符号
func ComputeExportedSymbols(ctx *Context) {
	if !ctx.Args.ExportDynamic {
		return
	}

	// 每个文件只修改自己定义的符号，可以并行
	var g errgroup.Group
	for _, file := range ctx.Objs {
		file := file
		g.Go(func() error {
			file.ComputeExportedSymbols()
			return nil
		})
	}
	utils.MustNo(g.Wait())
}

func RegisterSectionPieces(ctx *Context) {
	for _, file := range ctx.Objs {
		file.RegisterSectionPieces(ctx)
	}
}

func CreateSyntheticSections(ctx *Context) {
	push := func(chunk Chunker) Chunker {
		ctx.Chunks = append(ctx.Chunks, chunk)
		return chunk
	}

	ctx.Ehdr = push(NewOutputEhdr()).(*OutputEhdr)
	ctx.Phdr = push(NewOutputPhdr()).(*OutputPhdr)
	ctx.Shdr = push(NewOutputShdr()).(*OutputShdr)
	ctx.Got = push(NewGotSection()).(*GotSection)
}

func SetOutputSectionOffsets(ctx *Context) uint64 {
	addr := IMAGE_BASE
	for _, chunk := range ctx.Chunks {
		if chunk.GetShdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}

		addr = utils.AlignTo(addr, chunk.GetShdr().AddrAlign)
		chunk.GetShdr().Addr = addr

		if !isTbss(chunk) {
			addr += chunk.GetShdr().Size
		}
	}

	i := 0
	first := ctx.Chunks[0]
	for {
		shdr := ctx.Chunks[i].GetShdr()
		shdr.Offset = shdr.Addr - first.GetShdr().Addr
		i++

		if i >= len(ctx.Chunks) ||
			ctx.Chunks[i].GetShdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			break
		}
	}

	lastShdr := ctx.Chunks[i-1].GetShdr()
	fileoff := lastShdr.Offset + lastShdr.Size

	for ; i < len(ctx.Chunks); i++ {
		shdr := ctx.Chunks[i].GetShdr()
		fileoff = utils.AlignTo(fileoff, shdr.AddrAlign)
		shdr.Offset = fileoff
		fileoff += shdr.Size
	}

	ctx.Phdr.UpdateShdr(ctx)
	return fileoff
}

func BinSections(ctx *Context) {
	group := make([][]*InputSection, len(ctx.OutputSections))
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive {
				continue
			}

			idx := isec.OutputSection.Idx
			group[idx] = append(group[idx], isec)
		}
	}

	log := logflags.LayoutLogger()
	for idx, osec := range ctx.OutputSections {
		osec.Members = group[idx]
		if len(osec.Members) > 0 {
			log.Debugf("%s: %d input sections", osec.Name, len(osec.Members))
		}
	}
}

func CollectOutputSections(ctx *Context) []Chunker {
	osecs := make([]Chunker, 0)
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) > 0 {
			osecs = append(osecs, osec)
		}
	}

	for _, osec := range ctx.MergedSections {
		if osec.Shdr.Size > 0 {
			osecs = append(osecs, osec)
		}
	}

	return osecs
}

func ComputeSectionSizes(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		offset := uint64(0)
		p2align := int64(0)

		for _, isec := range osec.Members {
			offset = utils.AlignTo(offset, 1<<isec.P2Align)
			isec.Offset = uint32(offset)
			offset += uint64(isec.ShSize)
			p2align = int64(math.Max(float64(p2align), float64(isec.P2Align)))
		}

		osec.Shdr.Size = offset
		osec.Shdr.AddrAlign = 1 << p2align
	}
}

func SortOutputSections(ctx *Context) {
	rank := func(chunk Chunker) int32 {
		typ := chunk.GetShdr().Type
		flags := chunk.GetShdr().Flags

		if flags&uint64(elf.SHF_ALLOC) == 0 {
			return math.MaxInt32 - 1
		}
		if chunk == ctx.Shdr {
			return math.MaxInt32
		}
		if chunk == ctx.Ehdr {
			return 0
		}
		if chunk == ctx.Phdr {
			return 1
		}
		if typ == uint32(elf.SHT_NOTE) {
			return 2
		}

		b2i := func(b bool) int {
			if b {
				return 1
			}
			return 0
		}

		writeable := b2i(flags&uint64(elf.SHF_WRITE) != 0)
		notExec := b2i(flags&uint64(elf.SHF_EXECINSTR) == 0)
		notTls := b2i(flags&uint64(elf.SHF_TLS) == 0)
		isBss := b2i(typ == uint32(elf.SHT_NOBITS))

		return int32(writeable<<7 | notExec<<6 | notTls<<5 | isBss<<4)
	}

	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		return rank(ctx.Chunks[i]) < rank(ctx.Chunks[j])
	})
}

func ComputeMergedSectionSizes(ctx *Context) {
	for _, osec := range ctx.MergedSections {
		osec.AssignOffsets()
	}
}

func ScanRelocations(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ScanRelocations()
	}

	syms := make([]*Symbol, 0)
	for _, file := range ctx.Objs {
		for _, sym := range file.Symbols {
			if sym.File == file && sym.Flags != 0 {
				syms = append(syms, sym)
			}
		}
	}

	for _, sym := range syms {
		if sym.Flags&NeedsGotTp != 0 {
			ctx.Got.AddGotTpSymbol(sym)
		}

		sym.Flags = 0
	}
}

