package tinyids

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// DefaultGlobs are the paths scanned by file collectors when none are
// configured.
var DefaultGlobs = []string{
	"/usr/local/sbin/*",
	"/usr/local/bin/*",
	"/sbin/*",
	"/bin/*",
	"/usr/sbin/*",
	"/usr/bin/*",
	"/root/bin/*",
	"/lib/*",
	"/usr/lib/*",
	"/usr/local/lib/*",
}

// Collector produces the byte chunks that make up part of a host
// fingerprint. Produce must yield chunks in a deterministic order and stop
// at the first error returned by yield.
type Collector interface {
	Name() string
	Produce(ctx context.Context, yield func(chunk []byte) error) error
}

// CollectorSpec is the configuration of one collector instance.
type CollectorSpec struct {
	Name    string   `yaml:"name"`
	Paths   []string `yaml:"paths"`
	Command []string `yaml:"command"`
}

// CollectorFactory builds a collector from its configuration.
type CollectorFactory func(spec CollectorSpec) (Collector, error)

// ExternalCommandError reports a command collector whose process failed.
type ExternalCommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *ExternalCommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("command %q failed: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("command %q failed: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// Registry resolves collector names to factories.
type Registry struct {
	factories map[string]CollectorFactory
}

// NewRegistry returns a registry with the built-in collectors registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]CollectorFactory)}
	r.Register("bindata", func(spec CollectorSpec) (Collector, error) {
		return &FileContentCollector{Globs: spec.Paths}, nil
	})
	r.Register("binmeta", func(spec CollectorSpec) (Collector, error) {
		return &FileMetadataCollector{Globs: spec.Paths}, nil
	})
	r.Register("command", func(spec CollectorSpec) (Collector, error) {
		if len(spec.Command) == 0 {
			return nil, errors.New("command collector needs a command")
		}
		return &CommandCollector{Args: spec.Command}, nil
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f CollectorFactory) {
	r.factories[strings.ToLower(name)] = f
}

// Resolve builds the configured collectors in order. Unknown names are
// returned in unknown rather than failing the whole run; factory errors are
// fatal.
func (r *Registry) Resolve(specs []CollectorSpec) (collectors []Collector, unknown []string, err error) {
	for _, spec := range specs {
		f, ok := r.factories[strings.ToLower(spec.Name)]
		if !ok {
			unknown = append(unknown, spec.Name)
			continue
		}
		c, err := f(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("collector %s: %w", spec.Name, err)
		}
		collectors = append(collectors, c)
	}
	return collectors, unknown, nil
}

// filePaths expands globs into a sorted list of regular files, following
// symlinks. Duplicates across globs are kept once.
func filePaths(globs []string) ([]string, error) {
	if len(globs) == 0 {
		globs = DefaultGlobs
	}
	seen := make(map[string]struct{})
	var out []string
	for _, g := range globs {
		matches, err := filepath.Glob(g)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", g, err)
		}
		sort.Strings(matches)
		for _, p := range matches {
			if _, dup := seen[p]; dup {
				continue
			}
			info, err := os.Stat(p)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}

// FileContentCollector yields the contents of every matched file.
type FileContentCollector struct {
	Globs []string
}

// Name implements Collector.
func (*FileContentCollector) Name() string { return "bindata" }

// Produce implements Collector.
func (c *FileContentCollector) Produce(ctx context.Context, yield func([]byte) error) error {
	paths, err := filePaths(c.Globs)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			// Files can vanish or be unreadable between glob and read.
			continue
		}
		if err := yield(data); err != nil {
			return err
		}
	}
	return nil
}

// FileMetadataCollector yields one line of stat data per matched file:
// path, mode, inode, uid, gid, size, mtime.
type FileMetadataCollector struct {
	Globs []string
}

// Name implements Collector.
func (*FileMetadataCollector) Name() string { return "binmeta" }

// Produce implements Collector.
func (c *FileMetadataCollector) Produce(ctx context.Context, yield func([]byte) error) error {
	paths, err := filePaths(c.Globs)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		var ino uint64
		var uid, gid uint32
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			ino, uid, gid = uint64(st.Ino), st.Uid, st.Gid
		}
		line := fmt.Sprintf("%s %d %d %d %d %d %d\n",
			p, uint32(info.Mode()), ino, uid, gid, info.Size(), info.ModTime().Unix())
		if err := yield([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// CommandCollector yields the standard output of an external command.
type CommandCollector struct {
	Args []string
}

// Name implements Collector.
func (*CommandCollector) Name() string { return "command" }

// Produce implements Collector.
func (c *CommandCollector) Produce(ctx context.Context, yield func([]byte) error) error {
	if len(c.Args) == 0 {
		return errors.New("no command configured")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // command comes from the agent's own config
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ExternalCommandError{Args: c.Args, Stderr: stderr.String(), Err: err}
	}
	return yield(stdout.Bytes())
}
