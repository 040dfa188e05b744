// Package writer applies rendered files to the generated-output directory,
// touching only files whose content changed and deleting orphans.
package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/naginator/internal/logging"
	"github.com/pingsantohq/naginator/internal/render"
)

const (
	defaultFileMode os.FileMode = 0o644
	defaultDirMode  os.FileMode = 0o755
)

// Operations reported in Error.Op.
const (
	OpValidate = "validate"
	OpRead     = "read"
	OpWrite    = "write"
	OpDelete   = "delete"
	OpScan     = "scan"
	OpRestore  = "restore"
)

// Error is a per-file failure. Apply keeps going after an Error and returns
// all of them together.
type Error struct {
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configure a Writer.
type Options struct {
	// Root is the generated-output directory. Every file must live below it
	// and every other regular file below it is an orphan.
	Root     string
	FileMode os.FileMode
	DirMode  os.FileMode
	// DryRun computes the summary without touching the filesystem.
	DryRun  bool
	Workers int
	// Keep lists paths below Root that are never deleted, such as the run
	// lock.
	Keep []string
}

// Dependencies allow test overrides for the filesystem and logging.
type Dependencies struct {
	Fs     afero.Fs
	Logger *zap.Logger
}

// Writer applies rendered files.
type Writer struct {
	fs     afero.Fs
	opts   Options
	keep   map[string]struct{}
	logger *zap.Logger
}

// New validates options and fills defaults.
func New(opts Options, deps Dependencies) (*Writer, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("output root is required")
	}
	opts.Root = filepath.Clean(opts.Root)
	if opts.FileMode == 0 {
		opts.FileMode = defaultFileMode
	}
	if opts.DirMode == 0 {
		opts.DirMode = defaultDirMode
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	fsys := deps.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	keep := make(map[string]struct{}, len(opts.Keep))
	for _, k := range opts.Keep {
		keep[filepath.Clean(k)] = struct{}{}
	}
	return &Writer{
		fs:     fsys,
		opts:   opts,
		keep:   keep,
		logger: logging.OrNop(deps.Logger).Named("writer"),
	}, nil
}

// Apply writes changed files first and deletes orphans afterwards so hosts
// that still exist never disappear from the tree. Per-file failures do not
// stop the remaining work; they are returned together as a
// *multierror.Error of *Error values, alongside the changeset of what did
// succeed.
func (w *Writer) Apply(ctx context.Context, files []render.File) (*Changeset, error) {
	cs := newChangeset(w)
	var (
		mu     sync.Mutex
		errs   *multierror.Error
		wanted = make(map[string]struct{}, len(files))
		valid  = make([]render.File, 0, len(files))
	)
	fail := func(path, op string, err error) {
		mu.Lock()
		errs = multierror.Append(errs, &Error{Path: path, Op: op, Err: err})
		mu.Unlock()
	}

	for _, f := range files {
		path := filepath.Clean(f.Path)
		if err := w.checkPath(path); err != nil {
			fail(path, OpValidate, err)
			continue
		}
		if _, dup := wanted[path]; dup {
			fail(path, OpValidate, errors.New("duplicate path"))
			continue
		}
		wanted[path] = struct{}{}
		valid = append(valid, render.File{Path: path, Content: f.Content})
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(w.opts.Workers)
	for _, f := range valid {
		grp.Go(func() error {
			if err := grpCtx.Err(); err != nil {
				return err
			}
			change, prev, err := w.applyFile(f)
			if err != nil {
				fail(f.Path, OpWrite, err)
				return nil
			}
			cs.record(f.Path, change, prev)
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return cs.finish(), err
	}

	if err := w.removeOrphans(ctx, wanted, cs, fail); err != nil {
		return cs.finish(), err
	}

	cs.finish()
	w.logger.Info("applied configuration",
		zap.Int("created", cs.Summary.Created),
		zap.Int("updated", cs.Summary.Updated),
		zap.Int("deleted", cs.Summary.Deleted),
		zap.Int("unchanged", cs.Summary.Unchanged),
		zap.Bool("dry_run", w.opts.DryRun))
	return cs, errs.ErrorOrNil()
}

func (w *Writer) checkPath(path string) error {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil {
		return err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path is outside %s", w.opts.Root)
	}
	if _, ok := w.keep[path]; ok {
		return errors.New("path is reserved")
	}
	return nil
}

// applyFile compares and, if needed, replaces one file. prev holds the old
// content of an updated file.
func (w *Writer) applyFile(f render.File) (change, *snapshot, error) {
	existing, err := afero.ReadFile(w.fs, f.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !w.opts.DryRun {
			if err := w.writeAtomic(f.Path, f.Content, w.opts.FileMode); err != nil {
				return 0, nil, err
			}
		}
		return changeCreated, nil, nil
	case err != nil:
		return 0, nil, fmt.Errorf("read existing: %w", err)
	}

	if bytes.Equal(existing, f.Content) {
		return changeUnchanged, nil, nil
	}
	prev := &snapshot{content: existing, mode: w.opts.FileMode}
	if info, err := w.fs.Stat(f.Path); err == nil {
		prev.mode = info.Mode().Perm()
	}
	if !w.opts.DryRun {
		if err := w.writeAtomic(f.Path, f.Content, w.opts.FileMode); err != nil {
			return 0, nil, err
		}
	}
	return changeUpdated, prev, nil
}

// writeAtomic writes to a temp file next to path and renames it into place.
func (w *Writer) writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := w.fs.MkdirAll(dir, w.opts.DirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := afero.TempFile(w.fs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = w.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := w.fs.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := w.fs.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("publish file: %w", err)
	}
	return nil
}

func (w *Writer) removeOrphans(ctx context.Context, wanted map[string]struct{}, cs *Changeset, fail func(path, op string, err error)) error {
	var orphans []string
	err := afero.Walk(w.fs, w.opts.Root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if path == w.opts.Root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			fail(path, OpScan, err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		path = filepath.Clean(path)
		if _, ok := wanted[path]; ok {
			return nil
		}
		if _, ok := w.keep[path]; ok {
			return nil
		}
		orphans = append(orphans, path)
		return nil
	})
	if err != nil {
		fail(w.opts.Root, OpScan, err)
	}

	sort.Strings(orphans)
	for _, path := range orphans {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev := &snapshot{mode: w.opts.FileMode}
		content, err := afero.ReadFile(w.fs, path)
		if err != nil {
			fail(path, OpDelete, fmt.Errorf("read before delete: %w", err))
			continue
		}
		prev.content = content
		if info, err := w.fs.Stat(path); err == nil {
			prev.mode = info.Mode().Perm()
		}
		if !w.opts.DryRun {
			if err := w.fs.Remove(path); err != nil {
				fail(path, OpDelete, err)
				continue
			}
		}
		w.logger.Debug("removed orphan", zap.String("path", path), zap.Bool("dry_run", w.opts.DryRun))
		cs.record(path, changeDeleted, prev)
	}
	return nil
}
