package ignore

import (
	"bufio"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/Ning0612/Meshsync/internal/logger"
)

// FileName is the per-root ignore file, in gitignore syntax
const FileName = ".meshsyncignore"

var defaultIgnoreLines = []string{
	// staged propagation writes
	".*.meshsync-*.tmp",
	// editors
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// List decides which root-relative paths are not synchronized
type List struct {
	ignore *gitignore.GitIgnore
}

// New compiles the defaults plus extra patterns
func New(extra ...string) *List {
	lines := append(append([]string{}, defaultIgnoreLines...), extra...)
	return &List{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// Load compiles the defaults, extra patterns and the root's ignore file if present
func Load(fsys afero.Fs, rootPath string, extra ...string) *List {
	lines := append(append([]string{}, defaultIgnoreLines...), extra...)

	path := filepath.Join(rootPath, FileName)
	f, err := fsys.Open(path)
	if err == nil {
		defer f.Close()

		rules := 0
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
				rules++
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Get().Warn("Error reading ignore file", "path", path, "error", err)
		} else {
			logger.Get().Debug("Loaded ignore file", "path", path, "rules", rules)
		}
	}

	return &List{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// ShouldIgnore reports whether a slash-separated relative path is excluded
func (l *List) ShouldIgnore(rel string) bool {
	if l == nil || l.ignore == nil {
		return false
	}
	return l.ignore.MatchesPath(rel)
}
