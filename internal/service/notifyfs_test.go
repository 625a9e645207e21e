package service

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Ning0612/Meshsync/internal/core/normalize"
)

// notifyFs wraps an afero.Fs and reports every mutation to the stream of
// the root the path lives in, the way fsnotify would for a real disk
type notifyFs struct {
	afero.Fs
	roots   []string
	streams []*normalize.ChanStream
}

func newNotifyFs(base afero.Fs, roots []string) *notifyFs {
	n := &notifyFs{Fs: base, roots: roots}
	for range roots {
		n.streams = append(n.streams, normalize.NewChanStream(1024))
	}
	return n
}

func (n *notifyFs) send(name string, op normalize.Op) {
	name = filepath.Clean(name)
	for i, root := range n.roots {
		if strings.HasPrefix(name, root+string(filepath.Separator)) {
			n.streams[i].Send(name, op)
			return
		}
	}
}

func (n *notifyFs) close() {
	for _, s := range n.streams {
		s.Close()
	}
}

func (n *notifyFs) Create(name string) (afero.File, error) {
	f, err := n.Fs.Create(name)
	if err == nil {
		n.send(name, normalize.OpCreate)
	}
	return f, err
}

func (n *notifyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := n.Fs.OpenFile(name, flag, perm)
	if err == nil && flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		op := normalize.OpWrite
		if flag&os.O_CREATE != 0 {
			op |= normalize.OpCreate
		}
		n.send(name, op)
	}
	return f, err
}

func (n *notifyFs) Remove(name string) error {
	err := n.Fs.Remove(name)
	if err == nil {
		n.send(name, normalize.OpRemove)
	}
	return err
}

func (n *notifyFs) RemoveAll(path string) error {
	err := n.Fs.RemoveAll(path)
	if err == nil {
		n.send(path, normalize.OpRemove)
	}
	return err
}

func (n *notifyFs) Rename(oldname, newname string) error {
	err := n.Fs.Rename(oldname, newname)
	if err == nil {
		n.send(oldname, normalize.OpRename)
		n.send(newname, normalize.OpCreate)
	}
	return err
}

func (n *notifyFs) Chmod(name string, mode os.FileMode) error {
	err := n.Fs.Chmod(name, mode)
	if err == nil {
		n.send(name, normalize.OpChmod)
	}
	return err
}

func (n *notifyFs) Chtimes(name string, atime, mtime time.Time) error {
	err := n.Fs.Chtimes(name, atime, mtime)
	if err == nil {
		n.send(name, normalize.OpChmod)
	}
	return err
}
