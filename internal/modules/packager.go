package modules

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lapsproject/laps/internal/ecode"
	"github.com/lapsproject/laps/internal/logging"
	"github.com/lapsproject/laps/internal/modules/runner"
)

// maxModuleBytes bounds the extracted size of an uploaded module archive.
const maxModuleBytes = 64 << 20

// Packager turns user-supplied module archives into container images.
type Packager struct {
	rt     Runtime
	prefix string
}

// NewPackager creates a packager building images tagged under prefix.
func NewPackager(rt Runtime, prefix string) *Packager {
	return &Packager{rt: rt, prefix: prefix}
}

// Build extracts the user archive, packs it into a canonical build
// context alongside the runner shim and builds the image. Returns the
// build log; on failure the error carries the log as a BuildFailed.
func (p *Packager) Build(ctx context.Context, key Key, archive io.Reader) (string, error) {
	dir, err := os.MkdirTemp("", "laps-module-*")
	if err != nil {
		return "", ecode.Wrap(ecode.KindInternal, "creating staging dir", err)
	}
	defer os.RemoveAll(dir)

	if err := extractArchive(dir, archive); err != nil {
		return "", err
	}

	for _, required := range []string{"main.py", "requirements.txt"} {
		if _, err := os.Stat(filepath.Join(dir, required)); err != nil {
			return "", ecode.Newf(ecode.KindInvalidInput, "module archive is missing %s", required)
		}
	}

	buildCtx, err := packBuildContext(dir)
	if err != nil {
		return "", err
	}

	tag := key.ImageTag(p.prefix)
	log, err := p.rt.BuildImage(ctx, tag, buildCtx)
	if err != nil {
		return log, err
	}

	logging.Component("packager").WithField("module", key.String()).
		WithField("image", tag).Info("built module image")
	return log, nil
}

// extractArchive unpacks a POSIX tar into dir, refusing absolute and
// parent-relative member names.
func extractArchive(dir string, archive io.Reader) error {
	tr := tar.NewReader(archive)
	var total int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return ecode.Wrap(ecode.KindInvalidInput, "reading module archive", err)
		}

		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return ecode.Newf(ecode.KindInvalidInput, "unsafe archive member %q", hdr.Name)
		}
		// The shim and build recipe are fixed; an archive must not
		// smuggle replacements in.
		base := filepath.Base(name)
		if base == "laps.py" || base == "Dockerfile" {
			return ecode.Newf(ecode.KindInvalidInput, "archive member %q is reserved", hdr.Name)
		}

		target := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return ecode.Wrap(ecode.KindInternal, "extracting archive", err)
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxModuleBytes {
				return ecode.Newf(ecode.KindInvalidInput, "module archive exceeds %d bytes", int64(maxModuleBytes))
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return ecode.Wrap(ecode.KindInternal, "extracting archive", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return ecode.Wrap(ecode.KindInternal, "extracting archive", err)
			}
			if _, err := io.CopyN(f, tr, hdr.Size); err != nil && !errors.Is(err, io.EOF) {
				_ = f.Close()
				return ecode.Wrap(ecode.KindInvalidInput, "extracting archive", err)
			}
			if err := f.Close(); err != nil {
				return ecode.Wrap(ecode.KindInternal, "extracting archive", err)
			}
		default:
			// Symlinks, devices and the rest have no business in a module.
			return ecode.Newf(ecode.KindInvalidInput, "unsupported archive member type for %q", hdr.Name)
		}
	}
}

// packBuildContext re-packs the staged module plus the fixed shim files
// into the canonical build context tar.
func packBuildContext(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	writeFile := func(name string, data []byte) error {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(data)),
		}); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := writeFile("Dockerfile", runner.Dockerfile); err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "packing build context", err)
	}
	if err := writeFile("laps.py", runner.Shim); err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "packing build context", err)
	}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return writeFile(filepath.ToSlash(rel), data)
	})
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "packing build context", err)
	}
	if err := tw.Close(); err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "packing build context", err)
	}
	return &buf, nil
}
