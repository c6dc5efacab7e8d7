package workspace

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	cloneTimeout = 120 * time.Second
	pullTimeout  = 60 * time.Second
	gitTimeout   = 60 * time.Second
)

// networkSubcommands are the git verbs that reach the remote; only these
// get proxy env injected.
var networkSubcommands = map[string]bool{
	"clone": true, "pull": true, "push": true, "fetch": true, "ls-remote": true,
}

// Publish receives workspace progress lines for SSE fan-out. May be nil.
type Publish func(message string)

// Git wraps the git binary with explicit timeouts, token auth and proxy
// handling.
type Git struct {
	logger *zap.Logger
}

// NewGit builds the façade.
func NewGit(logger *zap.Logger) *Git {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Git{logger: logger.Named("git")}
}

// authURL injects an access token into an https remote URL.
func authURL(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// proxyFromEnv picks the https proxy from the environment, falling back to
// the macOS system web proxy when nothing is set.
func proxyFromEnv() string {
	for _, key := range []string{"HTTPS_PROXY", "https_proxy", "ALL_PROXY", "all_proxy"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if runtime.GOOS == "darwin" {
		return macOSWebProxy()
	}
	return ""
}

// macOSWebProxy shells out to networksetup for the Wi-Fi web proxy.
func macOSWebProxy() string {
	out, err := exec.Command("networksetup", "-getwebproxy", "Wi-Fi").Output()
	if err != nil {
		return ""
	}
	var enabled bool
	var server, port string
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "Enabled":
			enabled = v == "Yes"
		case "Server":
			server = v
		case "Port":
			port = v
		}
	}
	if !enabled || server == "" {
		return ""
	}
	return "http://" + server + ":" + port
}

// run executes one git command. Stderr is captured into the error.
func (g *Git) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	if len(args) > 0 && networkSubcommands[firstSubcommand(args)] {
		if proxy := proxyFromEnv(); proxy != "" {
			cmd.Env = append(cmd.Env, "HTTPS_PROXY="+proxy, "ALL_PROXY="+proxy)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s timed out after %s: %s", firstSubcommand(args), timeout, msg)
		}
		return "", fmt.Errorf("git %s: %w: %s", firstSubcommand(args), err, msg)
	}
	return stdout.String(), nil
}

// firstSubcommand skips -c key=value pairs to find the git verb.
func firstSubcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

// Clone clones the repo into dir, or fast-forwards an existing checkout.
// Progress lines go to publish when set.
func (g *Git) Clone(ctx context.Context, repoURL, token, dir string, publish Publish) error {
	emit := func(msg string) {
		if publish != nil {
			publish(msg)
		}
	}
	if _, err := os.Stat(dir + "/.git"); err == nil {
		emit("workspace exists, pulling latest changes")
		_, err := g.run(ctx, dir, pullTimeout,
			"-c", "http.version=HTTP/1.1", "pull", "--ff-only")
		if err != nil {
			return err
		}
		emit("workspace up to date")
		return nil
	}
	emit("cloning repository")
	_, err := g.run(ctx, "", cloneTimeout,
		"-c", "http.version=HTTP/1.1", "clone", authURL(repoURL, token), dir)
	if err != nil {
		return err
	}
	emit("clone complete")
	return nil
}

// BranchName is the coding branch for a story round.
func BranchName(storyID string, roundNumber int) string {
	return fmt.Sprintf("opd/story-%s-r%d", storyID, roundNumber)
}

// CreateCodingBranch checks out main, best-effort pulls, creates the round
// branch and pushes it upstream.
func (g *Git) CreateCodingBranch(ctx context.Context, dir, name string) error {
	if _, err := g.run(ctx, dir, gitTimeout, "checkout", "main"); err != nil {
		return err
	}
	// Pull failures are tolerable; the branch starts from whatever main we have.
	if _, err := g.run(ctx, dir, pullTimeout, "-c", "http.version=HTTP/1.1", "pull", "--ff-only"); err != nil {
		g.logger.Warn("pull before branch failed", zap.String("dir", dir), zap.Error(err))
	}
	if _, err := g.run(ctx, dir, gitTimeout, "checkout", "-b", name); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, gitTimeout, "push", "-u", "origin", name); err != nil {
		return err
	}
	return nil
}

// DiscardBranch switches back to main and deletes the branch locally and
// remotely. Both deletes are best effort.
func (g *Git) DiscardBranch(ctx context.Context, dir, name string) error {
	if _, err := g.run(ctx, dir, gitTimeout, "checkout", "main"); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, gitTimeout, "branch", "-D", name); err != nil {
		g.logger.Warn("local branch delete failed", zap.String("branch", name), zap.Error(err))
	}
	if _, err := g.run(ctx, dir, gitTimeout, "push", "origin", "--delete", name); err != nil {
		g.logger.Warn("remote branch delete failed", zap.String("branch", name), zap.Error(err))
	}
	return nil
}

// CommitAll stages everything and commits. A clean tree is not an error.
func (g *Git) CommitAll(ctx context.Context, dir, message string) error {
	if _, err := g.run(ctx, dir, gitTimeout, "add", "-A"); err != nil {
		return err
	}
	_, err := g.run(ctx, dir, gitTimeout, "commit", "-m", message)
	if err != nil && strings.Contains(err.Error(), "nothing to commit") {
		return nil
	}
	return err
}

// Push pushes the current branch.
func (g *Git) Push(ctx context.Context, dir, name string) error {
	_, err := g.run(ctx, dir, gitTimeout, "push", "origin", name)
	return err
}

// LsRemote probes a remote URL for reachability and auth.
func (g *Git) LsRemote(ctx context.Context, repoURL, token string) error {
	_, err := g.run(ctx, "", pullTimeout,
		"-c", "http.version=HTTP/1.1", "ls-remote", "--heads", authURL(repoURL, token))
	return err
}
