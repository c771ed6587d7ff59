package linker

import (
	"debug/elf"
	"sort"

	"github.com/unicornx/rvld/pkg/utils"
)

type MergedSection struct {
	Chunk
	Map map[string]*SectionFragment
}

func NewMergedSection(
	name string, flags uint64, typ uint32) *MergedSection {
	m := &MergedSection{
		Chunk: NewChunk(),
		Map:   make(map[string]*SectionFragment),
	}

	m.Name = name
	m.Shdr.Flags = flags
	m.Shdr.Type = typ
	return m
}

// name/flags/type 都相同的 mergeable section 合并到同一个 MergedSection 中，
// 已经存在就直接返回，否则新建一个并登记到 Context::MergedSections
func GetMergedSectionInstance(
	ctx *Context, name string, typ uint32, flags uint64) *MergedSection {
	name = GetOutputName(name, flags)

	// 这几个标记不应该出现在输出的 section 中
	flags = flags & ^uint64(elf.SHF_GROUP) & ^uint64(elf.SHF_MERGE) &
		^uint64(elf.SHF_STRINGS) & ^uint64(elf.SHF_COMPRESSED)

	for _, osec := range ctx.MergedSections {
		if name == osec.Name && flags == osec.Shdr.Flags &&
			typ == osec.Shdr.Type {
			return osec
		}
	}

	osec := NewMergedSection(name, flags, typ)
	ctx.MergedSections = append(ctx.MergedSections, osec)
	return osec
}

func (m *MergedSection) Insert(
	key string, p2align uint32) *SectionFragment {
	frag, ok := m.Map[key]
	if !ok {
		frag = NewSectionFragment(m)
		m.Map[key] = frag
	}

	// 确保 merge 后的 section，对齐标准要按照最大的那个对齐。
	if frag.P2Align < p2align {
		frag.P2Align = p2align
	}

	return frag
}

// 只为 alive 的 fragment 分配偏移，gc 回收掉的 fragment 不占空间
func (m *MergedSection) AssignOffsets() {
	type fragment struct {
		Key string
		Val *SectionFragment
	}

	var fragments []fragment
	for key, frag := range m.Map {
		if frag.IsAlive.Load() {
			fragments = append(fragments, fragment{Key: key, Val: frag})
		}
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		x := fragments[i]
		y := fragments[j]
		if x.Val.P2Align != y.Val.P2Align {
			return x.Val.P2Align < y.Val.P2Align
		}
		if len(x.Key) != len(y.Key) {
			return len(x.Key) < len(y.Key)
		}

		return x.Key < y.Key
	})

	offset := uint64(0)
	p2align := uint64(0)
	for _, frag := range fragments {
		offset = utils.AlignTo(offset, 1<<frag.Val.P2Align)
		frag.Val.Offset = uint32(offset)
		offset += uint64(len(frag.Key))
		if p2align < uint64(frag.Val.P2Align) {
			p2align = uint64(frag.Val.P2Align)
		}
	}

	m.Shdr.Size = utils.AlignTo(offset, 1<<p2align)
	m.Shdr.AddrAlign = 1 << p2align
}

func (m *MergedSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[m.Shdr.Offset:]
	for key, frag := range m.Map {
		if frag.IsAlive.Load() {
			copy(buf[frag.Offset:], key)
		}
	}
}
