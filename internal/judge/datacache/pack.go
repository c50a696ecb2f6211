package datacache

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	appErr "judgeflow/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	// packSuffix marks a manifest entry that is unpacked next to itself.
	packSuffix = ".tar.zst"
	// zstdSuffix marks a single compressed file, decompressed next to itself.
	zstdSuffix = ".zst"
)

func isPack(name string) bool {
	return strings.HasSuffix(name, packSuffix) && len(name) > len(packSuffix)
}

func packDir(path string) string {
	return strings.TrimSuffix(path, packSuffix)
}

func isCompressed(name string) bool {
	return !strings.HasSuffix(name, packSuffix) && strings.HasSuffix(name, zstdSuffix) && len(name) > len(zstdSuffix)
}

func decompressedPath(path string) string {
	return strings.TrimSuffix(path, zstdSuffix)
}

// decompressFile writes the zstd stream in srcPath to dstPath through a temp
// file, so a failed run leaves no partial output.
func decompressFile(srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "open compressed file failed")
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return appErr.Wrapf(err, appErr.ProblemDataInvalid, "create zstd reader failed")
	}
	defer zr.Close()

	tmp := dstPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create file failed")
	}
	if _, err := io.Copy(out, zr); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return appErr.Wrapf(err, appErr.ProblemDataInvalid, "decompress file failed")
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return appErr.Wrapf(err, appErr.CacheError, "close file failed")
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		_ = os.Remove(tmp)
		return appErr.Wrapf(err, appErr.CacheError, "move decompressed file failed")
	}
	return nil
}

// extractPack unpacks a zstd compressed tar into dstDir, replacing any
// previous content. The archive is extracted into a sibling temp dir first.
func extractPack(srcPath, dstDir string) error {
	tmpDir, err := os.MkdirTemp(filepath.Dir(dstDir), ".unpack-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create unpack dir failed")
	}
	if err := unpackInto(srcPath, tmpDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return err
	}
	if err := os.RemoveAll(dstDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return appErr.Wrapf(err, appErr.CacheError, "remove old pack dir failed")
	}
	if err := os.Rename(tmpDir, dstDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return appErr.Wrapf(err, appErr.CacheError, "move pack dir failed")
	}
	return nil
}

func unpackInto(srcPath, dstDir string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "open data pack failed")
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.ProblemDataInvalid, "create zstd reader failed")
	}
	defer zr.Close()

	root := filepath.Clean(dstDir) + string(filepath.Separator)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.ProblemDataInvalid, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return appErr.New(appErr.ProblemDataInvalid).WithMessage("invalid tar entry path")
		}
		target := filepath.Join(dstDir, cleanName)
		if !strings.HasPrefix(target, root) {
			return appErr.New(appErr.ProblemDataInvalid).WithMessage("tar entry escape detected")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create parent dir failed")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode).Perm()|0o600)
			if err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create file failed")
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return appErr.Wrapf(err, appErr.CacheError, "write file failed")
			}
			if err := out.Close(); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "close file failed")
			}
		default:
			// links and devices are not part of test data
		}
	}
}
