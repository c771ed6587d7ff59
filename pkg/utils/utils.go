package utils

import (
	"bytes"
	"encoding/binary"
	"runtime/debug"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"
)

// Fatal 打印错误信息和调用栈后退出进程，整个链接过程随之终止
func Fatal(v any) {
	logrus.StandardLogger().WithField("stack", string(debug.Stack())).
		Fatalf("rvld: fatal: %v", v)
}

func MustNo(err error) {
	if err != nil {
		Fatal(err)
	}
}

func Assert(condition bool) {
	if !condition {
		Fatal("assert failed")
	}
}

// 以小端方式从 data 中读出一个 T
func Read[T any](data []byte) (val T) {
	reader := bytes.NewReader(data)
	err := binary.Read(reader, binary.LittleEndian, &val)
	MustNo(err)
	return
}

// 把 data 按照每 sz 个字节切分并读成一个 T 的数组
func ReadSlice[T any](data []byte, sz int) []T {
	nums := len(data) / sz
	res := make([]T, 0, nums)
	for nums > 0 {
		res = append(res, Read[T](data))
		data = data[sz:]
		nums--
	}

	return res
}

func Write[T any](data []byte, e T) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, binary.LittleEndian, e)
	MustNo(err)
	copy(data, buf.Bytes())
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return strings.TrimPrefix(s, prefix), true
	}
	return s, false
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	return lo.Reject(elems, func(elem T, _ int) bool {
		return condition(elem)
	})
}

func AllZeros(bs []byte) bool {
	b := byte(0)
	for _, s := range bs {
		b |= s
	}

	return b == 0
}

func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}

	return (val + align - 1) &^ (align - 1)
}

func Bit[T constraints.Integer](val T, pos int) T {
	return (val >> pos) & 1
}

func Bits[T constraints.Unsigned](val T, hi T, low T) T {
	return (val >> low) & ((1 << (hi - low + 1)) - 1)
}

func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(63-size)) >> (63 - size))
}
