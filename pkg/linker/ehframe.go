package linker

import (
	"fmt"
	"sort"

	"github.com/unicornx/rvld/pkg/utils"
)

// .eh_frame 由两种变长记录组成：CIE 和 FDE。
// 每条记录以 4 字节的长度开头，接着是 4 字节的 id，id 为 0 表示 CIE，
// 否则是 FDE，id 的值是该 FDE 到它所属 CIE 的距离
//
// @InputOffset: 记录在 .eh_frame 中的起始偏移
// @Rels: 落在这条记录范围内的重定位
type CieRecord struct {
	InputOffset uint32
	Rels        []Rela
}

// FDE 描述某一个函数的栈展开信息。
// 第一条重定位总是 pc_begin，指向该函数所在的 section
type FdeRecord struct {
	InputOffset uint32
	CieOffset   uint32
	Rels        []Rela
}

// ParseEhFrame 把 .eh_frame 切分成 CIE 和 FDE，并把每个 FDE
// 挂到它描述的那个 InputSection 上
func (o *ObjectFile) ParseEhFrame(isec *InputSection) {
	data := isec.Contents
	rels := isec.GetRels()

	// 下面按偏移在重定位表中查找，要求重定位按 offset 递增排列
	sorted := sort.SliceIsSorted(rels, func(a, b int) bool {
		return rels[a].Offset < rels[b].Offset
	})
	if !sorted {
		rels = append([]Rela(nil), rels...)
		sort.SliceStable(rels, func(a, b int) bool {
			return rels[a].Offset < rels[b].Offset
		})
	}

	relIdx := 0
	begin := 0
	for begin+4 <= len(data) {
		size := utils.Read[uint32](data[begin:])
		if size == 0 {
			// 长度为 0 的记录是 .eh_frame 的结束标记
			break
		}
		if size == 0xffffffff {
			utils.Fatal(fmt.Sprintf("%s: 64-bit .eh_frame records are not supported", isec))
		}

		end := begin + 4 + int(size)
		if end > len(data) {
			utils.Fatal(fmt.Sprintf("%s: .eh_frame record is out of range", isec))
		}
		id := utils.Read[uint32](data[begin+4:])

		relBegin := relIdx
		for relIdx < len(rels) && rels[relIdx].Offset < uint64(end) {
			relIdx++
		}
		recRels := rels[relBegin:relIdx]

		if id == 0 {
			o.Cies = append(o.Cies, &CieRecord{
				InputOffset: uint32(begin),
				Rels:        recRels,
			})
		} else {
			o.attachFde(&FdeRecord{
				InputOffset: uint32(begin),
				CieOffset:   uint32(begin+4) - id,
				Rels:        recRels,
			})
		}

		begin = end
	}
}

// 此时 GLOBAL 符号还没有 resolve，所以这里直接根据 Elf_Sym 的 st_shndx
// 找到 pc_begin 所在的 section
func (o *ObjectFile) attachFde(fde *FdeRecord) {
	// 没有重定位的 FDE 不描述任何函数，直接丢弃
	if len(fde.Rels) == 0 {
		return
	}

	rel := fde.Rels[0]
	utils.Assert(int(rel.Sym) < len(o.ElfSyms))
	esym := &o.ElfSyms[rel.Sym]
	if esym.IsAbs() || esym.IsUndef() || esym.IsCommon() {
		return
	}

	isec := o.GetSection(esym, int(rel.Sym))
	if isec == nil {
		return
	}
	isec.Fdes = append(isec.Fdes, fde)
}
