package linker

import "github.com/unicornx/rvld/pkg/utils"

// 把一个 archive 文件拆成若干个 obj 文件
// 每个成员由一个 ArHdr 开头，成员之间按 2 字节对齐
func ReadArchiveMembers(file *File) []*File {
	utils.Assert(GetFileType(file.Contents) == FileTypeArchive)

	pos := 8
	var strTab []byte
	var files []*File
	for len(file.Contents)-pos > 1 {
		if pos%2 == 1 {
			pos++
		}

		hdr := utils.Read[ArHdr](file.Contents[pos:])
		dataStart := pos + ArHdrSize
		pos = dataStart + hdr.GetSize()
		dataEnd := pos
		contents := file.Contents[dataStart:dataEnd]

		if hdr.IsSymtab() {
			continue
		} else if hdr.IsStrtab() {
			strTab = contents
			continue
		}

		files = append(files, &File{
			Name:     hdr.ReadName(strTab),
			Contents: contents,
			Parent:   file,
		})
	}

	return files
}
