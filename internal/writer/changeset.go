package writer

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type change int

const (
	changeUnchanged change = iota + 1
	changeCreated
	changeUpdated
	changeDeleted
)

// Summary counts what Apply did to the output directory.
type Summary struct {
	Created   int `yaml:"created"`
	Updated   int `yaml:"updated"`
	Deleted   int `yaml:"deleted"`
	Unchanged int `yaml:"unchanged"`
}

// Changed reports whether anything was created, updated or deleted.
func (s Summary) Changed() bool {
	return s.Created+s.Updated+s.Deleted > 0
}

type snapshot struct {
	content []byte
	mode    fs.FileMode
}

// Changeset records the outcome of Apply together with the previous content
// of every updated or deleted file, so the tree can be put back with
// Rollback.
type Changeset struct {
	Summary Summary
	Created []string
	Updated []string
	Deleted []string

	mu       sync.Mutex
	previous map[string]*snapshot
	writer   *Writer
}

func newChangeset(w *Writer) *Changeset {
	return &Changeset{writer: w, previous: make(map[string]*snapshot)}
}

func (c *Changeset) record(path string, kind change, prev *snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case changeUnchanged:
		c.Summary.Unchanged++
	case changeCreated:
		c.Summary.Created++
		c.Created = append(c.Created, path)
	case changeUpdated:
		c.Summary.Updated++
		c.Updated = append(c.Updated, path)
		c.previous[path] = prev
	case changeDeleted:
		c.Summary.Deleted++
		c.Deleted = append(c.Deleted, path)
		c.previous[path] = prev
	}
}

func (c *Changeset) finish() *Changeset {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.Strings(c.Created)
	sort.Strings(c.Updated)
	sort.Strings(c.Deleted)
	return c
}

// Rollback restores the tree as it was before Apply: created files are
// removed, updated and deleted files get their previous content back. A
// dry-run changeset has nothing to undo.
func (c *Changeset) Rollback(ctx context.Context) error {
	if c == nil || c.writer == nil || c.writer.opts.DryRun {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.writer
	var errs *multierror.Error
	for _, path := range c.Created {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierror.Append(errs, &Error{Path: path, Op: OpRestore, Err: err})
		}
	}
	restore := append(append([]string(nil), c.Updated...), c.Deleted...)
	sort.Strings(restore)
	for _, path := range restore {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev := c.previous[path]
		if err := w.writeAtomic(path, prev.content, prev.mode); err != nil {
			errs = multierror.Append(errs, &Error{Path: path, Op: OpRestore, Err: err})
		}
	}
	w.logger.Info("rolled back configuration",
		zap.Int("removed", len(c.Created)),
		zap.Int("restored", len(restore)))
	return errs.ErrorOrNil()
}
