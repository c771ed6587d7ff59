package linker

import (
	"io"
	"os"

	"go.uber.org/atomic"
)

/*
 * @Output: 输出文件名，-o
 * @Emulation: 目标架构，-m 或者从第一个 obj 文件推断
 * @LibraryPaths: -L
 * @Entry: 程序入口符号，-e，默认为 "_start"
 * @Undefined: -u 指定的符号，要求这些符号即使没有被引用也要被拉进来
 * @RequireDefined: --require-defined 指定的符号，同 -u，并且必须有定义
 * @GcSections: --gc-sections，是否回收没有被引用的 section
 * @PrintGcSections: --print-gc-sections，打印被回收的 section
 * @ExportDynamic: -E，所有缺省可见性的 GLOBAL 符号都算作导出符号
 * @PrintMap / @Map: -M 打印 map 到标准输出，--Map 打印到文件
 * @Stats: --stats，链接结束时打印统计信息
 */
type ContextArgs struct {
	Output          string
	Emulation       MachineType
	LibraryPaths    []string
	Entry           string
	Undefined       []string
	RequireDefined  []string
	GcSections      bool
	PrintGcSections bool
	ExportDynamic   bool
	PrintMap        bool
	Map             string
	Stats           bool
}

// 链接过程中的计数器，可能被多个 goroutine 同时更新
type ContextStats struct {
	GarbageSections atomic.Int64
	GarbageBytes    atomic.Uint64
}

/*
 * @Args: 我们感兴趣的一些需要记下来的命令行选项参数值
 * @Buf: 输出文件的内容
 * @Ehdr / @Shdr / @Phdr / @Got: 合成出来的几个特殊 chunk
 * @OutputSections: 输出文件中需要产生的 sections，由 GetOutputSection() 在
 *                  创建 InputSection 的过程中注册
 * @Chunks: 最终按顺序写入输出文件的所有 chunk
 * @Objs: 所有输入文件中的 obj 文件，包括 .o 文件以及 .a 文件中 extracted 的 .o 文件
 * @SymbolMap: 所有输入文件的 GLOBAL 符号，由 GetSymbolByName() 添加
 * @MergedSections: 用于保存 Merged 的 Sections
 * @Stats: 统计信息，目前只有 gc 回收的 section 个数和字节数
 * @Stdout / @Stderr: map 文件和诊断信息的输出位置，测试时可以替换
 */
type Context struct {
	Args ContextArgs
	Buf  []byte

	Ehdr *OutputEhdr
	Shdr *OutputShdr
	Phdr *OutputPhdr
	Got  *GotSection

	TpAddr uint64

	OutputSections []*OutputSection

	Chunks []Chunker

	Objs           []*ObjectFile
	SymbolMap      map[string]*Symbol
	MergedSections []*MergedSection

	Stats ContextStats

	Stdout io.Writer
	Stderr io.Writer
}

func NewContext() *Context {
	return &Context{
		Args: ContextArgs{
			Output:    "a.out",
			Emulation: MachineTypeNone,
			Entry:     "_start",
		},
		SymbolMap: make(map[string]*Symbol),
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}
