package linker

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/unicornx/rvld/pkg/logflags"
	"github.com/unicornx/rvld/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// 这里实现 --gc-sections 的 mark-sweep 算法。
// 顶点是 section，边是重定位（以及 .eh_frame 中 FDE 的重定位），
// 从 root 出发能到达的 section 都要保留，其余的全部回收。
//
// 整个过程分四步，必须按顺序执行：
//   MarkNonallocFragments -> CollectRootSet -> Mark -> Sweep

// visit 最多直接递归这么多层，再深的 section 放到队列里等外层循环处理，
// 这样栈的深度是有上限的
const maxVisitDepth = 3

// 这些 section 即使没有被引用也必须保留
func isInitFini(isec *InputSection, machine MachineType) bool {
	typ := isec.Shdr().Type
	name := isec.Name()

	return typ == uint32(elf.SHT_INIT_ARRAY) ||
		typ == uint32(elf.SHT_FINI_ARRAY) ||
		typ == uint32(elf.SHT_PREINIT_ARRAY) ||
		(machine == MachineTypeARM32 && typ == SHT_ARM_EXIDX) ||
		strings.HasPrefix(name, ".ctors") ||
		strings.HasPrefix(name, ".dtors") ||
		strings.HasPrefix(name, ".init") ||
		strings.HasPrefix(name, ".fini")
}

// 名字是合法 C 标识符的 section 可以被 __start_<name>/__stop_<name> 引用，
// 链接器没法知道有没有人用，所以总是保留
func isCIdentifier(name string) bool {
	if name == "" {
		return false
	}

	isAlpha := func(c byte) bool {
		return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
	}
	isAlnum := func(c byte) bool {
		return isAlpha(c) || ('0' <= c && c <= '9')
	}

	if !isAlpha(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isAlnum(name[i]) {
			return false
		}
	}
	return true
}

// 第一个成功把 IsVisited 从 false 改为 true 的人负责处理这个 section。
// 已经被丢弃的 section 永远不会被访问
func markSection(isec *InputSection) bool {
	return isec != nil && isec.IsAlive && !isec.IsVisited.Swap(true)
}

func enqueueSection(isec *InputSection, rootset *[]*InputSection) {
	if markSection(isec) {
		*rootset = append(*rootset, isec)
	}
}

// 符号可能指向 fragment，也可能指向 section。
// fragment 没有出边，直接标记为 alive 即可
func enqueueSymbol(sym *Symbol, rootset *[]*InputSection) {
	if sym == nil {
		return
	}

	if frag := sym.SectionFragment; frag != nil {
		frag.IsAlive.Store(true)
		return
	}
	enqueueSection(sym.InputSection, rootset)
}

func visit(ctx *Context, isec *InputSection, feeder *[]*InputSection, depth int) {
	utils.Assert(isec.IsVisited.Load())

	// 重定位可能指向 mergeable section 中的某个 fragment
	for _, ref := range isec.RelFragments {
		ref.Frag.IsAlive.Store(true)
	}

	// 代码 section 在 .eh_frame 中可能有 FDE，要把 FDE 引用的东西（譬如 LSDA）也保留下来。
	// FDE 的第一条重定位指向本 section 自己，跳过
	for _, fde := range isec.Fdes {
		if len(fde.Rels) == 0 {
			continue
		}

		for _, rel := range fde.Rels[1:] {
			if sym := isec.File.Symbols[rel.Sym]; sym != nil {
				enqueueSection(sym.InputSection, feeder)
			}
		}
	}

	for _, rel := range isec.GetRels() {
		sym := isec.File.Symbols[rel.Sym]

		if frag := sym.SectionFragment; frag != nil {
			frag.IsAlive.Store(true)
			continue
		}

		if !markSection(sym.InputSection) {
			continue
		}

		if depth < maxVisitDepth {
			visit(ctx, sym.InputSection, feeder, depth+1)
		} else {
			*feeder = append(*feeder, sym.InputSection)
		}
	}
}

// 每个文件中不受 gc 影响的 section 以及导出符号所在的 section
func collectFileRoots(ctx *Context, file *ObjectFile) []*InputSection {
	rootset := make([]*InputSection, 0)

	for _, isec := range file.Sections {
		if isec == nil || !isec.IsAlive {
			continue
		}

		// gc 只回收 SHF_ALLOC 的 section，非 alloc 的 section（譬如调试信息）
		// 直接标记为 visited，Sweep 就不会回收它们
		shdr := isec.Shdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			isec.IsVisited.Store(true)
		}

		if isInitFini(isec, ctx.Args.Emulation) || isCIdentifier(isec.Name()) ||
			shdr.Flags&SHF_GNU_RETAIN != 0 || shdr.Type == uint32(elf.SHT_NOTE) {
			enqueueSection(isec, &rootset)
		}
	}

	for _, sym := range file.Symbols {
		if sym.File == file && sym.IsExported {
			enqueueSymbol(sym, &rootset)
		}
	}

	return rootset
}

// CollectRootSet 返回一开始就确定要保留的 section，这些 section 已经被标记为 visited。
// 每个文件的扫描互不影响，可以并行，结果按文件顺序拼接
func CollectRootSet(ctx *Context) []*InputSection {
	rootsets := make([][]*InputSection, len(ctx.Objs))

	var g errgroup.Group
	for i, file := range ctx.Objs {
		i, file := i, file
		g.Go(func() error {
			rootsets[i] = collectFileRoots(ctx, file)
			return nil
		})
	}
	utils.MustNo(g.Wait())

	rootset := lo.Flatten(rootsets)

	enqueueSymbol(GetSymbol(ctx, ctx.Args.Entry), &rootset)

	for _, name := range ctx.Args.Undefined {
		enqueueSymbol(GetSymbol(ctx, name), &rootset)
	}

	for _, name := range ctx.Args.RequireDefined {
		enqueueSymbol(GetSymbol(ctx, name), &rootset)
	}

	// CIE 被所有 FDE 共享，总是保留，它引用的东西（譬如 personality 函数）也要保留
	for _, file := range ctx.Objs {
		for _, cie := range file.Cies {
			for _, rel := range cie.Rels {
				enqueueSymbol(file.Symbols[rel.Sym], &rootset)
			}
		}
	}

	return rootset
}

// Mark 从 rootset 出发标记所有能到达的 section。
// visit 过程中会往 rootset 尾部追加新的 section，所以每次循环都要重新比较 len(rootset)
func Mark(ctx *Context, rootset []*InputSection) []*InputSection {
	for i := 0; i < len(rootset); i++ {
		visit(ctx, rootset[i], &rootset, 0)
	}
	return rootset
}

// Sweep 回收所有没有被访问到的 section
func Sweep(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive || isec.IsVisited.Load() {
				continue
			}

			if ctx.Args.PrintGcSections {
				fmt.Fprintf(ctx.Stderr, "removing unused section %s\n", isec)
			}
			isec.Kill()
			ctx.Stats.GarbageSections.Inc()
			ctx.Stats.GarbageBytes.Add(uint64(isec.ShSize))
		}
	}
}

// 非 alloc 的 fragment（譬如 .debug_str 中的字符串）不受 gc 影响，全部标记为 alive
func MarkNonallocFragments(ctx *Context) {
	var g errgroup.Group
	for _, file := range ctx.Objs {
		file := file
		g.Go(func() error {
			for _, m := range file.MergeableSections {
				if m == nil {
					continue
				}
				for _, frag := range m.Fragments {
					if frag.OutputSection.Shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
						frag.IsAlive.Store(true)
					}
				}
			}
			return nil
		})
	}
	utils.MustNo(g.Wait())
}

func GcSections(ctx *Context) {
	log := logflags.GCLogger()

	MarkNonallocFragments(ctx)

	rootset := CollectRootSet(ctx)
	log.Debugf("collected %d root sections", len(rootset))

	rootset = Mark(ctx, rootset)
	log.Debugf("drained %d queued sections", len(rootset))

	Sweep(ctx)
	log.Debugf("removed %d sections", ctx.Stats.GarbageSections.Load())
}
