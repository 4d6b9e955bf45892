// Package cmdwedge implements the only core-provided wedge, the command-line
// executor of spec.md §4.5: it deploys the command's containing directory to
// a local scratch area, invokes the binary with the job's arguments, and
// reports success based on exit status and (if declared) done-file
// existence.
package cmdwedge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gridwork/jobgrid/internal/clog"
	"github.com/gridwork/jobgrid/internal/job"
)

// Name is this wedge's identifier, matched against Job.WedgeName.
const Name = "cmd"

// Wedge deploys and runs command-line jobs. ScratchDir roots the local
// deployment area; each command's containing directory is mirrored under
// ScratchDir keyed by its own absolute path, mtime-stamped so a fresh
// deployment is skipped when nothing changed.
type Wedge struct {
	ScratchDir string
	Log        *clog.CLogger

	mu          sync.Mutex
	deployedAt  map[string]time.Time // command dir -> time of last deployment
}

// New creates a Wedge rooted at scratchDir.
func New(scratchDir string, log *clog.CLogger) *Wedge {
	return &Wedge{
		ScratchDir: scratchDir,
		Log:        log,
		deployedAt: make(map[string]time.Time),
	}
}

func (w *Wedge) Name() string { return Name }

// CreateJob default-constructs a job shaped for this wedge.
func (w *Wedge) CreateJob(coordinator, name, taskName string) *job.Job {
	return job.New(coordinator, name, taskName, Name, "", "", "")
}

// Execute is a no-op warm-up hook: the command-line wedge needs no
// node-start-time initialization.
func (w *Wedge) Execute(node, data string) error {
	return nil
}

// CleanUp removes the scratch deployment for command, if any was made.
func (w *Wedge) CleanUp(command string) {
	dir := filepath.Dir(command)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	dest := w.scratchPath(dir)

	w.mu.Lock()
	delete(w.deployedAt, dir)
	w.mu.Unlock()

	if err := os.RemoveAll(dest); err != nil && w.Log != nil {
		w.Log.Errorf("cmdwedge: cleaning up %s: %v", dest, err)
	}
}

// ProcessJob deploys j.Command's containing directory if not already fresh,
// runs the binary with j.Arguments, and blocks until it exits or cancel is
// closed, per spec.md §4.5's command-line wedge description. It reports
// success only for a zero exit status and, when j.DoneFile is set, only if
// that file exists afterwards.
func (w *Wedge) ProcessJob(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, error) {
	deployedCommand, err := w.deploy(j.Command)
	if err != nil {
		return false, fmt.Errorf("cmdwedge: deploying %s: %w", j.Command, err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	cmd := exec.CommandContext(runCtx, deployedCommand, strings.Fields(j.Arguments)...)

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("cmdwedge: starting %s: %w", deployedCommand, err)
	}
	go func() { done <- cmd.Wait() }()

	select {
	case <-cancel:
		stop()
		<-done
		return false, nil
	case err := <-done:
		if err != nil {
			return false, nil
		}
		if j.DoneFile != "" {
			if _, serr := os.Stat(j.DoneFile); serr != nil {
				return false, nil
			}
		}
		return true, nil
	}
}

// deploy mirrors the directory containing command into the scratch area,
// skipping the copy if the destination is already at least as fresh as the
// source directory's most recent modification time, and returns the deployed
// command's own path.
func (w *Wedge) deploy(command string) (string, error) {
	srcDir := filepath.Dir(command)
	absSrcDir, err := filepath.Abs(srcDir)
	if err != nil {
		return "", err
	}

	latest, err := latestModTime(absSrcDir)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	prev, known := w.deployedAt[absSrcDir]
	fresh := known && !latest.After(prev)
	w.mu.Unlock()

	destDir := w.scratchPath(absSrcDir)
	if !fresh {
		if err := copyDir(absSrcDir, destDir); err != nil {
			return "", err
		}
		w.mu.Lock()
		w.deployedAt[absSrcDir] = latest
		w.mu.Unlock()
	}

	return filepath.Join(destDir, filepath.Base(command)), nil
}

// scratchPath maps a source directory to its deployment location under
// ScratchDir, keyed by a sanitized form of its own absolute path so distinct
// source directories never collide.
func (w *Wedge) scratchPath(absSrcDir string) string {
	key := strings.ReplaceAll(strings.TrimPrefix(absSrcDir, string(filepath.Separator)), string(filepath.Separator), "_")
	return filepath.Join(w.ScratchDir, key)
}

// latestModTime returns the most recent modification time among every file
// matched recursively under dir, used as the deployment freshness stamp.
func latestModTime(dir string) (time.Time, error) {
	var latest time.Time
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**"))
	if err != nil {
		return time.Time{}, err
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

func copyDir(src, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(src, "**"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, m)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(m)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o755); err != nil {
			return err
		}
	}
	return nil
}
