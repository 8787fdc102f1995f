package content

import (
	"context"
	"io"
	"io/fs"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// DefaultMaxFileSize is the largest single file Scan accepts.
const DefaultMaxFileSize int64 = 100 * 1024 * 1024 // 100MB

// ScanOptions controls Scan. The zero value is usable.
type ScanOptions struct {
	// MaxFileSize rejects files larger than this. 0 means DefaultMaxFileSize.
	MaxFileSize int64

	// IncludeHidden publishes dot files and dot directories. .well-known is
	// always published.
	IncludeHidden bool
}

func (o ScanOptions) maxFileSize() int64 {
	if o.MaxFileSize > 0 {
		return o.MaxFileSize
	}
	return DefaultMaxFileSize
}

// Scan walks fsys and digests every regular file. ctx is checked between files.
func Scan(ctx context.Context, fsys fs.FS, opts ScanOptions) (Manifest, error) {
	if fsys == nil {
		return Manifest{}, xerrors.New("scan: nil filesystem")
	}

	var entries []Entry
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		if !opts.IncludeHidden && pathutil.Hidden(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return xerrors.Newf("scan: %s is a symlink", p)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return xerrors.Newf("scan: %s is not a regular file (mode %s)", p, d.Type())
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		dg, size, err := digestFile(fsys, p, opts.maxFileSize())
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: p, Digest: dg, Size: size})
		return nil
	})
	if err != nil {
		return Manifest{}, xerrors.Wrap(err, "scan content tree")
	}
	return NewManifest(entries), nil
}

func digestFile(fsys fs.FS, p string, maxSize int64) (digest.Digest, int64, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return "", 0, xerrors.Wrapf(err, "open %s", p)
	}
	defer f.Close()

	dg, n, err := digestWithLimit(f, maxSize)
	if err != nil {
		return "", n, xerrors.Wrapf(err, "digest %s", p)
	}
	return dg, n, nil
}

// digestWithLimit reads r to EOF computing its sha256 digest, failing once
// more than maxSize bytes are seen.
func digestWithLimit(r io.Reader, maxSize int64) (digest.Digest, int64, error) {
	dgr := digest.Canonical.Digester()
	n, err := io.Copy(dgr.Hash(), io.LimitReader(r, maxSize+1))
	if err != nil {
		return "", n, err
	}
	if n > maxSize {
		return "", n, xerrors.Newf("file exceeds max size (limit %d bytes)", maxSize)
	}
	return dgr.Digest(), n, nil
}

// ReadVerified reads p from fsys and checks it still matches want, so a file
// edited between scan and upload is never stored under a stale digest.
func ReadVerified(fsys fs.FS, p string, want digest.Digest) ([]byte, error) {
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", p)
	}
	if got := digest.FromBytes(data); got != want {
		return nil, xerrors.Newf("%s changed during sync (scanned %s, now %s)", p, short(want), short(got))
	}
	return data, nil
}

func short(d digest.Digest) string {
	e := d.Encoded()
	if len(e) > 12 {
		return e[:12]
	}
	return e
}

// ValidPath reports whether p is a clean relative content path of the kind
// Scan produces. Storage implementations refuse to write anything else.
func ValidPath(p string) bool {
	return p != "" && !strings.HasPrefix(p, "/") && !strings.HasSuffix(p, "/") &&
		!strings.Contains(p, "//") && !pathutil.HasDotSegments(p)
}
