package linker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// 每个 InputSection 中定义的符号，按 Value 从小到大排列。
// section 符号不打印
func getSectionSymbols(ctx *Context) map[*InputSection][]*Symbol {
	syms := make([]*Symbol, 0)
	for _, file := range ctx.Objs {
		for _, sym := range file.Symbols {
			if sym.File != file || sym.InputSection == nil || sym.IsSectionSymbol() {
				continue
			}
			syms = append(syms, sym)
		}
	}

	m := lo.GroupBy(syms, func(sym *Symbol) *InputSection {
		return sym.InputSection
	})
	for _, vec := range m {
		sort.SliceStable(vec, func(i, j int) bool {
			return vec[i].Value < vec[j].Value
		})
	}
	return m
}

// PrintMap 在布局完成之后打印 map 文件：每个 chunk 一行，
// OutputSection 后面列出它包含的 InputSection 以及其中定义的符号。
// 指定了 --Map 时写到文件，否则写到 Context::Stdout
func PrintMap(ctx *Context) error {
	if ctx.Args.Map == "" {
		if err := writeMap(ctx, ctx.Stdout); err != nil {
			return errors.Wrap(err, "cannot write map file")
		}
		return nil
	}

	f, err := os.Create(ctx.Args.Map)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", ctx.Args.Map)
	}

	if err := writeMap(ctx, f); err != nil {
		f.Close()
		return errors.Wrapf(err, "cannot write %s", ctx.Args.Map)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "cannot close %s", ctx.Args.Map)
	}
	return nil
}

func writeMap(ctx *Context, out io.Writer) error {
	w := bufio.NewWriter(out)
	syms := getSectionSymbols(ctx)

	fmt.Fprintf(w, "%18s%11s%6s %-7s %-7s %s\n",
		"VMA", "Size", "Align", "Out", "In", "Symbol")

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		fmt.Fprintf(w, "%#18x%11d%6d %s\n",
			shdr.Addr, shdr.Size, shdr.AddrAlign, chunk.GetName())

		osec, ok := chunk.(*OutputSection)
		if !ok {
			continue
		}

		for _, mem := range osec.Members {
			addr := osec.Shdr.Addr + uint64(mem.Offset)
			fmt.Fprintf(w, "%#18x%11d%6d         %s\n",
				addr, mem.ShSize, uint64(1)<<mem.P2Align, mem)

			for _, sym := range syms[mem] {
				fmt.Fprintf(w, "%#18x          0     0                 %s\n",
					sym.GetAddr(), sym.Name)
			}
		}
	}

	return w.Flush()
}
