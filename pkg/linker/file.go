package linker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/unicornx/rvld/pkg/utils"
)

// Name: 文件的 name
// Contents：文件的 rawdata
// Parent：当一个 obj 文件归属于一个 archive 文件时，这个 Parent 会指向 archive 文件，
//         诊断信息（譬如 --print-gc-sections）里会用 "libfoo.a(bar.o)" 的形式打印
type File struct {
	Name     string
	Contents []byte
	Parent   *File
}

func MustNewFile(filename string) *File {
	contents, err := os.ReadFile(filename)
	utils.MustNo(err)
	return &File{
		Name:     filename,
		Contents: contents,
	}
}

func OpenLibrary(path string) *File {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	return &File{
		Name:     path,
		Contents: contents,
	}
}

// 在 -L 指定的目录中依次查找 lib<name>.a
func FindLibrary(ctx *Context, name string) *File {
	for _, dir := range ctx.Args.LibraryPaths {
		stem := filepath.Join(dir, "lib"+name+".a")
		if f := OpenLibrary(stem); f != nil {
			return f
		}
	}

	utils.Fatal(fmt.Sprintf("library not found: -l%s", name))
	return nil
}

func (f *File) String() string {
	if f.Parent != nil {
		return fmt.Sprintf("%s(%s)", f.Parent.Name, f.Name)
	}
	return f.Name
}
