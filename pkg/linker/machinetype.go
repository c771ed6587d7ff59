package linker

import (
	"debug/elf"

	"github.com/unicornx/rvld/pkg/utils"
)

type MachineType = uint8

// 链接目前只支持 RISCV64，ARM32 只会被识别出来，
// 用于那些和目标架构相关的判断（譬如 gc 时的 SHT_ARM_EXIDX）
const (
	MachineTypeNone MachineType = iota
	MachineTypeRISCV64
	MachineTypeARM32
)

func GetMachineTypeFromContents(contents []byte) MachineType {
	ft := GetFileType(contents)

	switch ft {
	case FileTypeObject:
		machine := utils.Read[uint16](contents[18:])
		class := elf.Class(contents[elf.EI_CLASS])
		switch elf.Machine(machine) {
		case elf.EM_RISCV:
			if class == elf.ELFCLASS64 {
				return MachineTypeRISCV64
			}
		case elf.EM_ARM:
			if class == elf.ELFCLASS32 {
				return MachineTypeARM32
			}
		}
	}

	return MachineTypeNone
}

func MachineTypeString(m MachineType) string {
	switch m {
	case MachineTypeRISCV64:
		return "riscv64"
	case MachineTypeARM32:
		return "arm"
	}

	utils.Assert(m == MachineTypeNone)
	return "none"
}
