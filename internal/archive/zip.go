// Package archive packs a target's results and ships them to object storage.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
)

// FileName is the archive written into the reports directory
const FileName = pipeline.ResultsZip

// Result describes a written archive
type Result struct {
	Path  string
	Files int
	Bytes int64
}

// Zip packs outputs/, reports/ and logs/ of a target into
// reports/results.zip. Entries are stored relative to the target
// directory in lexical order.
func Zip(layout pipeline.Layout) (*Result, error) {
	dest := filepath.Join(layout.ReportsDir(), FileName)
	if err := os.MkdirAll(layout.ReportsDir(), 0o755); err != nil {
		return nil, err
	}

	files, err := collect(layout.Dir(), dest, layout.OutputsDir(), layout.ReportsDir(), layout.LogsDir())
	if err != nil {
		return nil, err
	}

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(out)
	for _, rel := range files {
		if err := addFile(zw, layout.Dir(), rel); err != nil {
			zw.Close()
			out.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("adding %s: %w", rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	return &Result{Path: dest, Files: len(files), Bytes: info.Size()}, nil
}

func collect(base, skip string, dirs ...string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == dir {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if path == skip || strings.HasSuffix(path, ".tmp") {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func addFile(zw *zip.Writer, base, rel string) error {
	path := filepath.Join(base, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
