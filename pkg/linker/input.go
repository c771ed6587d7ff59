package linker

import (
	"fmt"

	"github.com/unicornx/rvld/pkg/logflags"
	"github.com/unicornx/rvld/pkg/utils"
)

// 遍历命令行中剩下的部分，也就是 .o 文件或者 -lxx（archive 文件）
// .o 文件直接转化为 ObjectFile 加入 Context::Objs
// archive 文件提取出其中的 .o 文件后同样转化为 ObjectFile 加入 Context::Objs
func ReadInputFiles(ctx *Context, remaining []string) {
	for _, arg := range remaining {
		var ok bool
		if arg, ok = utils.RemovePrefix(arg, "-l"); ok {
			ReadFile(ctx, FindLibrary(ctx, arg))
		} else {
			ReadFile(ctx, MustNewFile(arg))
		}
	}
}

func ReadFile(ctx *Context, file *File) {
	log := logflags.InputLogger()

	ft := GetFileType(file.Contents)
	switch ft {
	case FileTypeObject:
		log.Debugf("reading object %s", file)
		ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, file, false))
	case FileTypeArchive:
		members := ReadArchiveMembers(file)
		log.Debugf("reading archive %s: %d members", file, len(members))
		for _, child := range members {
			utils.Assert(GetFileType(child.Contents) == FileTypeObject)
			ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, child, true))
		}
	default:
		utils.Fatal(fmt.Sprintf("%s: unknown file type", file))
	}
}

// 命令行上直接给出的 .o 默认就是 alive 的，
// archive 中的 .o 要等到 MarkLiveObjects 发现有人引用它时才变成 alive
func CreateObjectFile(ctx *Context, file *File, inLib bool) *ObjectFile {
	CheckFileCompatibility(ctx, file)

	obj := NewObjectFile(file, !inLib)
	obj.Parse(ctx)
	return obj
}
