package source

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/config"
)

// scpLike matches "user@host:path" style git remotes.
var scpLike = regexp.MustCompile(`^([\w.-]+)@([\w.-]+):(.+)$`)

// GitHandler shallow-clones any git remote.
type GitHandler struct {
	config *config.GitConfig
	logger *zap.Logger
}

func NewGitHandler(cfg *config.GitConfig, logger *zap.Logger) *GitHandler {
	return &GitHandler{
		config: cfg,
		logger: logger,
	}
}

func (h *GitHandler) Kind() string {
	return "git"
}

func (h *GitHandler) CanHandle(reference string) bool {
	remote, _ := splitFragment(reference)
	if scpLike.MatchString(remote) {
		return true
	}
	u, err := url.Parse(remote)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "git", "ssh", "git+ssh":
		return u.Host != ""
	case "http", "https":
		return u.Host != "" && strings.HasSuffix(u.Path, ".git")
	}
	return false
}

type gitRef struct {
	remote string
	host   string
	path   string
	ref    string
}

func splitFragment(reference string) (string, string) {
	if i := strings.LastIndex(reference, "#"); i >= 0 {
		return reference[:i], reference[i+1:]
	}
	return reference, ""
}

func parseGitRef(reference string) (*gitRef, error) {
	remote, ref := splitFragment(reference)

	if m := scpLike.FindStringSubmatch(remote); m != nil {
		return &gitRef{remote: remote, host: m[2], path: m[3], ref: ref}, nil
	}

	u, err := url.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid git reference %q: %w", reference, err)
	}
	if u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return nil, fmt.Errorf("git reference %q must name a host and a path", reference)
	}
	return &gitRef{remote: remote, host: u.Hostname(), path: u.Path, ref: ref}, nil
}

func (h *GitHandler) CanonicalName(reference string) (string, error) {
	r, err := parseGitRef(reference)
	if err != nil {
		return "", err
	}
	path := strings.TrimSuffix(strings.Trim(r.path, "/"), ".git")
	parts := append([]string{r.host}, strings.Split(path, "/")...)
	parts = append(parts, r.ref)
	return joinName(parts...), nil
}

func (h *GitHandler) DisplayName(reference string) string {
	r, err := parseGitRef(reference)
	if err != nil {
		return reference
	}
	name := r.host + "/" + strings.TrimSuffix(strings.Trim(r.path, "/"), ".git")
	if r.ref != "" {
		name += "@" + r.ref
	}
	return name
}

func (h *GitHandler) Fetch(ctx context.Context, reference, targetDir string) error {
	r, err := parseGitRef(reference)
	if err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err)
	}
	return h.clone(ctx, r.remote, r.ref, targetDir)
}

// clone tries ref as a branch and then as a tag, starting from an empty
// targetDir each time. An empty ref clones the remote HEAD.
func (h *GitHandler) clone(ctx context.Context, remote, ref, targetDir string) error {
	depth := h.config.Depth
	if depth <= 0 {
		depth = 1
	}

	candidates := []plumbing.ReferenceName{""}
	if ref != "" {
		candidates = []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(ref),
			plumbing.NewTagReferenceName(ref),
		}
	}

	var lastErr error
	for _, refName := range candidates {
		if err := resetDir(targetDir); err != nil {
			return builderrors.Wrap(builderrors.CodeFetch, err)
		}

		h.logger.Debug("cloning repository",
			zap.String("remote", remote),
			zap.String("ref", refName.String()),
			zap.Int("depth", depth))

		_, err := git.PlainCloneContext(ctx, targetDir, false, &git.CloneOptions{
			URL:           remote,
			ReferenceName: refName,
			SingleBranch:  true,
			Depth:         depth,
			Tags:          git.NoTags,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return builderrors.Wrap(builderrors.CodeFetch, lastErr, remote)
}
