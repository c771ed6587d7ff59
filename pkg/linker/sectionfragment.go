package linker

import (
	"math"

	"go.uber.org/atomic"
)

// 和 Mergeable Section 处理有关
// Mergeable section 处理过程中会被 split 成多个 fragment，内容相同的 fragment
// 在 MergedSection 中只保留一份
//
// @OutputSection: fragment 唯一地属于一个 MergedSection
// @Offset: 该 fragment 在 MergedSection 中的位置
// @IsAlive: fragment 级别的 alive 标记，和所在 section 无关。
//           gc 的时候可能被多个 goroutine 同时置位，所以用原子变量
type SectionFragment struct {
	OutputSection *MergedSection
	Offset        uint32
	P2Align       uint32
	IsAlive       atomic.Bool
}

func NewSectionFragment(m *MergedSection) *SectionFragment {
	return &SectionFragment{
		OutputSection: m,
		Offset:        math.MaxUint32,
	}
}

func (s *SectionFragment) GetAddr() uint64 {
	return s.OutputSection.Shdr.Addr + uint64(s.Offset)
}

// SectionFragmentRef: 某个 InputSection 的第 Idx 条重定位实际指向的 fragment。
// 重定位引用 mergeable section 的 section 符号时，目标由 addend 决定，
// 这里记下查找的结果，Addend 是相对于 fragment 起始的偏移
type SectionFragmentRef struct {
	Idx    int
	Frag   *SectionFragment
	Addend int64
}
