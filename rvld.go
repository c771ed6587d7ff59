package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/unicornx/rvld/pkg/config"
	"github.com/unicornx/rvld/pkg/linker"
	"github.com/unicornx/rvld/pkg/logflags"
)

// 发布时通过 -ldflags "-X main.version=..." 覆盖
var version = "0.1.0"

func main() {
	ctx := linker.NewContext()
	cmd := New(ctx)
	cmd.SetArgs(normalizeArgs(cmd.Flags(), os.Args[1:]))
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// options 中是那些不直接对应 ContextArgs 字段的命令行选项
type options struct {
	emulation         string
	libraries         []string
	noGcSections      bool
	noPrintGcSections bool
	configFile        string

	log       bool
	logOutput string
	logDest   string
}

// New 返回 rvld 的命令，解析出来的选项直接写入 ctx.Args
func New(ctx *linker.Context) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "rvld [options] file...",
		Short:         "rvld is a linker for RISC-V 64 ELF object files.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(opts.log, opts.logOutput, opts.logDest); err != nil {
				return err
			}
			if err := applyOptions(ctx, cmd.Flags(), opts); err != nil {
				return err
			}

			// 可以识别的选项进入 Context::Args，剩下的就是 .o 文件和 -lxx
			remaining := append([]string{}, args...)
			for _, lib := range opts.libraries {
				remaining = append(remaining, "-l"+lib)
			}
			if len(remaining) == 0 {
				return errors.New("no input files")
			}

			if err := detectEmulation(ctx, remaining); err != nil {
				return err
			}
			return link(ctx, remaining)
		},
	}
	cmd.SetVersionTemplate("rvld {{.Version}}\n")

	flags := cmd.Flags()
	flags.StringVarP(&ctx.Args.Output, "output", "o", ctx.Args.Output, "Write output to `file`.")
	flags.StringVarP(&opts.emulation, "m", "m", "", "Set target emulation (only elf64lriscv).")
	flags.StringArrayVarP(&ctx.Args.LibraryPaths, "library-path", "L", nil, "Add `dir` to the library search path.")
	flags.StringArrayVarP(&opts.libraries, "library", "l", nil, "Search for library lib`name`.a.")
	flags.StringVarP(&ctx.Args.Entry, "entry", "e", ctx.Args.Entry, "Set program entry point to `symbol`.")
	flags.StringArrayVarP(&ctx.Args.Undefined, "undefined", "u", nil, "Force `symbol` to be entered in the output as undefined.")
	flags.StringArrayVar(&ctx.Args.RequireDefined, "require-defined", nil, "Require `symbol` to be defined in the output.")
	flags.BoolVar(&ctx.Args.GcSections, "gc-sections", false, "Remove unused sections.")
	flags.BoolVar(&opts.noGcSections, "no-gc-sections", false, "Do not remove unused sections.")
	flags.BoolVar(&ctx.Args.PrintGcSections, "print-gc-sections", false, "List removed unused sections.")
	flags.BoolVar(&opts.noPrintGcSections, "no-print-gc-sections", false, "Do not list removed unused sections.")
	flags.BoolVarP(&ctx.Args.ExportDynamic, "export-dynamic", "E", false, "Export all global symbols.")
	flags.BoolVarP(&ctx.Args.PrintMap, "print-map", "M", false, "Print a link map to the standard output.")
	flags.StringVar(&ctx.Args.Map, "Map", "", "Write a link map to `file`.")
	flags.BoolVar(&ctx.Args.Stats, "stats", false, "Print link statistics.")
	flags.StringVar(&opts.configFile, "config", "", "Read default options from a YAML `file`.")

	flags.BoolVar(&opts.log, "log", false, "Enable debug logging.")
	flags.StringVar(&opts.logOutput, "log-output", "", "Comma separated list of components that should produce debug output (gc, input, layout).")
	flags.StringVar(&opts.logDest, "log-dest", "", "Writes logs to the specified file.")

	addIgnoredFlags(flags)
	return cmd
}

// gcc 会传给链接器一些我们不关心的选项，解析后直接丢掉
func addIgnoredFlags(flags *pflag.FlagSet) {
	var ignoredString string
	var ignoredBool bool
	var ignoredArray []string

	flags.StringVar(&ignoredString, "sysroot", "", "")
	flags.BoolVar(&ignoredBool, "static", false, "")
	flags.StringVar(&ignoredString, "plugin", "", "")
	flags.StringArrayVar(&ignoredArray, "plugin-opt", nil, "")
	flags.BoolVar(&ignoredBool, "as-needed", false, "")
	flags.BoolVar(&ignoredBool, "start-group", false, "")
	flags.BoolVar(&ignoredBool, "end-group", false, "")
	flags.StringVar(&ignoredString, "hash-style", "", "")
	flags.StringVar(&ignoredString, "build-id", "", "")
	flags.Lookup("build-id").NoOptDefVal = "sha1"
	flags.BoolVarP(&ignoredBool, "strip-all", "s", false, "")
	flags.BoolVar(&ignoredBool, "no-relax", false, "")

	for _, name := range []string{"sysroot", "static", "plugin", "plugin-opt",
		"as-needed", "start-group", "end-group", "hash-style", "build-id",
		"strip-all", "no-relax"} {
		flags.MarkHidden(name)
	}
}

// 链接器的长选项习惯上也可以只用一个 '-'，譬如 "-static"、"-plugin-opt=xx"，
// 而 pflag 会把它当成一串短选项，所以先改写成 "--static" 的形式。
// "-lc" 这种单字母选项后面直接跟参数的写法保持不变
func normalizeArgs(flags *pflag.FlagSet, args []string) []string {
	res := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(res, args[i:]...)
		}

		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' {
			name := arg[1:]
			if idx := strings.IndexByte(name, '='); idx >= 0 {
				name = name[:idx]
			}
			if len(name) > 1 && flags.Lookup(name) != nil {
				arg = "-" + arg
			}
		}
		res = append(res, arg)
	}
	return res
}

func applyOptions(ctx *linker.Context, flags *pflag.FlagSet, opts *options) error {
	if opts.configFile != "" {
		conf, err := config.LoadConfig(opts.configFile)
		if err != nil {
			return err
		}
		applyConfig(ctx, flags, conf)
	}

	switch opts.emulation {
	case "":
	case "elf64lriscv":
		ctx.Args.Emulation = linker.MachineTypeRISCV64
	default:
		return fmt.Errorf("unknown -m argument: %s", opts.emulation)
	}

	if opts.noGcSections {
		ctx.Args.GcSections = false
	}
	if opts.noPrintGcSections {
		ctx.Args.PrintGcSections = false
	}

	for i, path := range ctx.Args.LibraryPaths {
		ctx.Args.LibraryPaths[i] = filepath.Clean(path)
	}
	return nil
}

// 配置文件中的值只在对应的命令行选项没有出现时才生效，列表类的值追加在命令行之后
func applyConfig(ctx *linker.Context, flags *pflag.FlagSet, conf *config.Config) {
	if conf.Output != "" && !flags.Changed("output") {
		ctx.Args.Output = conf.Output
	}
	if conf.Entry != "" && !flags.Changed("entry") {
		ctx.Args.Entry = conf.Entry
	}
	if conf.Map != "" && !flags.Changed("Map") {
		ctx.Args.Map = conf.Map
	}
	if conf.GcSections != nil && !flags.Changed("gc-sections") {
		ctx.Args.GcSections = *conf.GcSections
	}
	if conf.PrintGcSections != nil && !flags.Changed("print-gc-sections") {
		ctx.Args.PrintGcSections = *conf.PrintGcSections
	}
	if conf.ExportDynamic != nil && !flags.Changed("export-dynamic") {
		ctx.Args.ExportDynamic = *conf.ExportDynamic
	}

	ctx.Args.LibraryPaths = append(ctx.Args.LibraryPaths, conf.LibraryPaths...)
	ctx.Args.Undefined = append(ctx.Args.Undefined, conf.Undefined...)
	ctx.Args.RequireDefined = append(ctx.Args.RequireDefined, conf.RequireDefined...)
}

// 如果命令行中没有明确指明 "-m", 就用第一个可识别的 obj 文件的架构
func detectEmulation(ctx *linker.Context, remaining []string) error {
	if ctx.Args.Emulation == linker.MachineTypeNone {
		for _, filename := range remaining {
			if strings.HasPrefix(filename, "-") {
				continue
			}

			file := linker.MustNewFile(filename)
			ctx.Args.Emulation =
				linker.GetMachineTypeFromContents(file.Contents)
			if ctx.Args.Emulation != linker.MachineTypeNone {
				break
			}
		}
	}

	if ctx.Args.Emulation != linker.MachineTypeRISCV64 {
		return fmt.Errorf("unknown emulation type: %s",
			linker.MachineTypeString(ctx.Args.Emulation))
	}
	return nil
}

func link(ctx *linker.Context, remaining []string) error {
	// 读入所有 obj 文件，LOCAL 符号在这里就已经 resolve 了
	linker.ReadInputFiles(ctx, remaining)

	// resolve GLOBAL 符号，并且去掉 archive 中没有用到的 obj 文件
	linker.ResolveSymbols(ctx)

	linker.ComputeExportedSymbols(ctx)

	linker.RegisterSectionPieces(ctx)

	if ctx.Args.GcSections {
		linker.GcSections(ctx)
	}

	linker.ComputeMergedSectionSizes(ctx)

	linker.CreateSyntheticSections(ctx)

	linker.BinSections(ctx)

	ctx.Chunks = append(ctx.Chunks, linker.CollectOutputSections(ctx)...)

	linker.ScanRelocations(ctx)

	linker.ComputeSectionSizes(ctx)

	linker.SortOutputSections(ctx)

	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}

	fileSize := linker.SetOutputSectionOffsets(ctx)

	ctx.Buf = make([]byte, fileSize)

	for _, chunk := range ctx.Chunks {
		chunk.CopyBuf(ctx)
	}

	if err := linker.WriteOutputFile(ctx); err != nil {
		return err
	}

	if ctx.Args.PrintMap || ctx.Args.Map != "" {
		if err := linker.PrintMap(ctx); err != nil {
			return err
		}
	}

	if ctx.Args.Stats {
		linker.PrintStats(ctx)
	}
	return nil
}
