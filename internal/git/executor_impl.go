package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/testmind-dev/tmrun/internal/log"
)

// Git-specific clone errors.
var (
	// ErrCloneFailed wraps any unclassified clone failure.
	ErrCloneFailed = errors.New("git clone failed")

	// ErrAuthFailed indicates the remote rejected the credentials.
	ErrAuthFailed = errors.New("git authentication failed")

	// ErrRepoNotFound indicates the remote repository does not exist or is hidden.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrPathAlreadyExists indicates the clone destination is not empty.
	ErrPathAlreadyExists = errors.New("destination path already exists")
)

var githubHTTPS = regexp.MustCompile(`(?i)^https://github\.com/`)

// Compile-time check that RealExecutor implements Cloner.
var _ Cloner = (*RealExecutor)(nil)

// CommandFactory builds the git command. Tests replace it to avoid a real git.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

// RealExecutor implements Cloner by executing the git CLI.
type RealExecutor struct {
	commandFactory CommandFactory
}

// NewRealExecutor creates a new RealExecutor using exec.CommandContext.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{commandFactory: exec.CommandContext}
}

// NewRealExecutorWithFactory creates a RealExecutor with a custom command factory.
func NewRealExecutorWithFactory(f CommandFactory) *RealExecutor {
	return &RealExecutor{commandFactory: f}
}

// Clone performs a shallow clone of opts.RepoURL into opts.Dest, or copies
// opts.LocalSnapshot when set.
func (e *RealExecutor) Clone(ctx context.Context, opts CloneOptions) error {
	if opts.LocalSnapshot != "" {
		log.Info(log.CatGit, "Using local repo snapshot", "src", opts.LocalSnapshot, "dest", opts.Dest)
		return CopySnapshot(opts.LocalSnapshot, opts.Dest)
	}

	url := AuthenticatedURL(opts.RepoURL, opts.Token)
	log.Info(log.CatGit, "Cloning repository", "url", RedactURL(url), "dest", opts.Dest)
	if _, err := e.runGitOutput(ctx, "clone", "--depth=1", url, opts.Dest); err != nil {
		return fmt.Errorf("clone %s: %w", RedactURL(url), err)
	}
	return nil
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.commandFactory(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(RedactURL(stderrStr), err)
		}
		return "", fmt.Errorf("%w: %w", ErrCloneFailed, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "permission denied"):
		return fmt.Errorf("%w: %s", ErrAuthFailed, stderr)
	case strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "does not appear to be a git repository"):
		return fmt.Errorf("%w: %s", ErrRepoNotFound, stderr)
	case strings.Contains(lower, "already exists and is not an empty directory"):
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}
	return fmt.Errorf("%w: %s: %w", ErrCloneFailed, stderr, originalErr)
}

// AuthenticatedURL injects token into HTTPS GitHub URLs. Other URLs are returned unchanged.
func AuthenticatedURL(repoURL, token string) string {
	if token == "" || !githubHTTPS.MatchString(repoURL) {
		return repoURL
	}
	return "https://" + token + "@" + repoURL[len("https://"):]
}

var credentialsInURL = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// RedactURL masks credentials embedded in URLs within s.
func RedactURL(s string) string {
	return credentialsInURL.ReplaceAllString(s, "${1}***@")
}

// CopySnapshot copies src into dest, skipping the top-level .git directory and
// every node_modules directory. Symlinks are recreated, not followed.
func CopySnapshot(src, dest string) error {
	src, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("local snapshot: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local snapshot %s is not a directory", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0o755)
		}
		segments := strings.Split(rel, string(filepath.Separator))
		if segments[0] == ".git" || d.Name() == "node_modules" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, rel)
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		default:
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src) //nolint:gosec // G304: walking a caller-provided tree
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm()) //nolint:gosec // G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
