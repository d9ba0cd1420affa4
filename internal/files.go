package internal

import (
	"os"
	"path/filepath"
	"sort"
)

// Directory returns the sorted entry names of a directory. When file
// names a regular file instead, its parent directory and base name are
// returned so callers can treat single files and directories of files
// uniformly.
func Directory(file string) (dir string, files []string, err error) {
	info, err := os.Stat(file)
	if err != nil {
		return "", nil, err
	}
	if !info.IsDir() {
		return filepath.Dir(file), []string{filepath.Base(file)}, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return "", nil, err
	}
	defer func() {
		nerr := f.Close()
		if err == nil {
			err = nerr
		}
	}()
	files, err = f.Readdirnames(0)
	sort.Strings(files)
	return file, files, err
}

// FullPathname makes filename absolute against the working directory.
func FullPathname(filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return filename, nil
	}
	wd, err := os.Getwd()
	return filepath.Join(wd, filename), err
}
