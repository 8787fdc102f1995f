package content

import (
	"io/fs"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// CheckRoot performs sanity checks on a content tree before anything is
// provisioned, so a broken build never reaches the bucket.
// minFiles rejects trees with fewer files; 0 disables the check.
func CheckRoot(fsys fs.FS, minFiles int) error {
	if fsys == nil {
		return xerrors.New("validate: nil filesystem")
	}

	// index.html must exist and be non-empty
	if err := checkIndexHTML(fsys); err != nil {
		return err
	}

	if minFiles > 0 {
		count, err := countFiles(fsys)
		if err != nil {
			return xerrors.Wrap(err, "validate: counting files")
		}
		if count < minFiles {
			return xerrors.Newf("validate: tree has %d files, minimum is %d", count, minFiles)
		}
	}
	return nil
}

// checkIndexHTML verifies index.html exists, is a file and has content.
func checkIndexHTML(fsys fs.FS) error {
	info, err := fs.Stat(fsys, "index.html")
	if err != nil {
		return xerrors.Wrap(err, "validate: index.html not found")
	}
	if info.IsDir() {
		return xerrors.New("validate: index.html is a directory")
	}
	if info.Size() == 0 {
		return xerrors.New("validate: index.html is empty")
	}
	return nil
}

// countFiles walks the filesystem and returns the total file count
// (not counting directories).
func countFiles(fsys fs.FS) (int, error) {
	count := 0
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count, err
}
