package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/config"
)

const (
	defaultArchiveURL = "https://github.com"
	defaultRef        = "HEAD"
)

// GitHubHandler downloads repository tarballs from GitHub archive URLs.
type GitHubHandler struct {
	config *config.GitHubConfig
	client *http.Client
	logger *zap.Logger
}

func NewGitHubHandler(cfg *config.GitHubConfig, logger *zap.Logger) *GitHubHandler {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &GitHubHandler{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (h *GitHubHandler) Kind() string {
	return "github"
}

func (h *GitHubHandler) CanHandle(reference string) bool {
	u, err := url.Parse(reference)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || strings.HasSuffix(host, ".github.com")
}

type githubRef struct {
	owner string
	repo  string
	ref   string
}

func parseGitHubRef(reference string) (*githubRef, error) {
	u, err := url.Parse(reference)
	if err != nil {
		return nil, fmt.Errorf("invalid github reference %q: %w", reference, err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return nil, fmt.Errorf("github reference %q must name an owner and a repository", reference)
	}

	r := &githubRef{
		owner: segments[0],
		repo:  strings.TrimSuffix(segments[1], ".git"),
	}
	if len(segments) > 3 && segments[2] == "tree" {
		r.ref = strings.Join(segments[3:], "/")
	}
	if u.Fragment != "" {
		r.ref = u.Fragment
	}
	return r, nil
}

// CanonicalName joins owner and repository with "-", lowercased, and
// appends the ref when the reference pins one.
func (h *GitHubHandler) CanonicalName(reference string) (string, error) {
	r, err := parseGitHubRef(reference)
	if err != nil {
		return "", err
	}
	return joinName(r.owner, r.repo, r.ref), nil
}

func (h *GitHubHandler) DisplayName(reference string) string {
	r, err := parseGitHubRef(reference)
	if err != nil {
		return reference
	}
	if r.ref != "" {
		return fmt.Sprintf("%s/%s@%s", r.owner, r.repo, r.ref)
	}
	return fmt.Sprintf("%s/%s", r.owner, r.repo)
}

func (h *GitHubHandler) archiveURL(r *githubRef) string {
	base := h.config.ArchiveURL
	if base == "" {
		base = defaultArchiveURL
	}
	ref := r.ref
	if ref == "" {
		ref = h.config.DefaultRef
	}
	if ref == "" {
		ref = defaultRef
	}
	return fmt.Sprintf("%s/%s/%s/archive/%s.tar.gz",
		strings.TrimRight(base, "/"), r.owner, r.repo, ref)
}

func (h *GitHubHandler) Fetch(ctx context.Context, reference, targetDir string) error {
	r, err := parseGitHubRef(reference)
	if err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err)
	}

	archive := h.archiveURL(r)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archive, nil)
	if err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err)
	}
	if h.config.Token != "" {
		req.Header.Set("Authorization", "token "+h.config.Token)
	}

	h.logger.Debug("downloading archive", zap.String("url", archive))

	resp, err := h.client.Do(req)
	if err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err, archive)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return builderrors.Newf(builderrors.CodeFetch, "%s returned %s", archive, resp.Status)
	}

	if err := resetDir(targetDir); err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err)
	}
	if err := extractTarGz(resp.Body, targetDir, 1); err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err, archive)
	}
	return nil
}
