package linker

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// --stats: 链接结束后打印各个计数器
func PrintStats(ctx *Context) {
	fmt.Fprintf(ctx.Stdout, "%-20s %d\n", "input_files", len(ctx.Objs))
	fmt.Fprintf(ctx.Stdout, "%-20s %d\n", "output_chunks", len(ctx.Chunks))
	fmt.Fprintf(ctx.Stdout, "%-20s %d (%s)\n", "garbage_sections",
		ctx.Stats.GarbageSections.Load(),
		humanize.IBytes(ctx.Stats.GarbageBytes.Load()))
}
