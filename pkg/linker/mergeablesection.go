package linker

import "sort"

// MergeableSection 存放一个带有 SHF_MERGE 标志的 InputSection 被 split 之后的结果
// @Parent: 这些元素最终要合并进去的 MergedSection
// @P2Align: 原 section 的对齐
// @Strs: split 后的元素，字符串或者固定长度的常量
// @FragOffsets: 每个元素在原 section 中的起始偏移，递增排列
// @Fragments: 每个元素在 Parent 中对应的 fragment，由 RegisterSectionPieces 填写
type MergeableSection struct {
	Parent      *MergedSection
	P2Align     uint8
	Strs        []string
	FragOffsets []uint32
	Fragments   []*SectionFragment
}

// 返回原 section 中 offset 处所在的 fragment，以及 offset 在该 fragment 内的偏移
func (m *MergeableSection) GetFragment(offset uint32) (*SectionFragment, uint32) {
	pos := sort.Search(len(m.FragOffsets), func(i int) bool {
		return offset < m.FragOffsets[i]
	})

	if pos == 0 {
		return nil, 0
	}

	idx := pos - 1
	return m.Fragments[idx], offset - m.FragOffsets[idx]
}
