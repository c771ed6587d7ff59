package linker

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMapTestContext() *Context {
	o := newTestObject("main.o")
	text := addTextSection(o, ".text.main")
	text.P2Align = 2
	text.Offset = 0
	dead := addTextSection(o, ".text.dead")
	dead.Kill()

	addTestSymbol(o, "main", text)
	helper := addTestSymbol(o, "helper", text)
	o.Symbols[helper].Value = 8
	addTestSymbol(o, "unused", dead)

	osec := NewOutputSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), 0)
	osec.Shdr.Addr = 0x11000
	osec.Shdr.Size = 16
	osec.Shdr.AddrAlign = 4
	osec.Members = []*InputSection{text}
	text.OutputSection = osec

	ctx, _ := newTestContext(o)
	ctx.Chunks = []Chunker{osec}
	return ctx
}

func TestWriteMap(t *testing.T) {
	ctx := newMapTestContext()

	var buf bytes.Buffer
	require.NoError(t, writeMap(ctx, &buf))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")

	require.Len(t, lines, 5)
	assert.Equal(t, fmt.Sprintf("%18s%11s%6s %-7s %-7s %s",
		"VMA", "Size", "Align", "Out", "In", "Symbol"), lines[0])
	assert.Equal(t, fmt.Sprintf("%#18x%11d%6d %s", 0x11000, 16, 4, ".text"), lines[1])
	assert.Equal(t, fmt.Sprintf("%#18x%11d%6d         %s", 0x11000, 16, 4,
		"main.o:(.text.main)"), lines[2])
	assert.True(t, strings.HasSuffix(lines[3], " main"))
	assert.True(t, strings.HasPrefix(lines[3], fmt.Sprintf("%#18x", 0x11000)))
	assert.True(t, strings.HasSuffix(lines[4], " helper"))
	assert.True(t, strings.HasPrefix(lines[4], fmt.Sprintf("%#18x", 0x11008)))

	// 被回收的 section 以及其中的符号不出现在 map 中
	assert.NotContains(t, buf.String(), ".text.dead")
	assert.NotContains(t, buf.String(), "unused")
}

func TestPrintMapToFile(t *testing.T) {
	ctx := newMapTestContext()
	ctx.Args.Map = filepath.Join(t.TempDir(), "out.map")

	require.NoError(t, PrintMap(ctx))

	data, err := os.ReadFile(ctx.Args.Map)
	require.NoError(t, err)
	assert.Contains(t, string(data), "main.o:(.text.main)")
	assert.Empty(t, ctx.Stdout.(*bytes.Buffer).String())
}

func TestPrintMapToStdout(t *testing.T) {
	ctx := newMapTestContext()

	require.NoError(t, PrintMap(ctx))
	assert.Contains(t, ctx.Stdout.(*bytes.Buffer).String(), "main.o:(.text.main)")
}

func TestPrintStats(t *testing.T) {
	ctx, _ := newTestContext(newTestObject("a.o"), newTestObject("b.o"))
	ctx.Stats.GarbageSections.Store(3)
	ctx.Stats.GarbageBytes.Store(1024)

	PrintStats(ctx)

	out := ctx.Stdout.(*bytes.Buffer).String()
	assert.Contains(t, out, fmt.Sprintf("%-20s %d\n", "input_files", 2))
	assert.Contains(t, out, fmt.Sprintf("%-20s %d (%s)\n", "garbage_sections", 3, "1.0 KiB"))
}

func TestPrintMapReportsFileErrors(t *testing.T) {
	ctx := newMapTestContext()
	ctx.Args.Map = filepath.Join(t.TempDir(), "missing", "out.map")
	assert.Error(t, PrintMap(ctx))

	// /dev/full 可以打开，但写入总是失败
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full is not available")
	}
	ctx.Args.Map = "/dev/full"
	err := PrintMap(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/full")
}
