package releases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/session-file-server/common"
	"github.com/ruteri/session-file-server/metrics"
)

const (
	DefaultGitHubURL = "https://api.github.com"

	// PollInterval is how often the poller looks for a stale project.
	PollInterval = 15 * time.Second

	// RefreshAfter keeps each project within GitHub's anonymous rate limit.
	RefreshAfter = 30 * time.Minute

	requestTimeout = 5 * time.Second
)

// Poller refreshes at most one stale project per tick.
type Poller struct {
	store    Store
	projects []string
	client   *http.Client
	baseURL  string
	clock    clock.Clock
	log      *slog.Logger
}

// NewPoller creates a poller for projects against the GitHub API at baseURL.
func NewPoller(store Store, projects []string, baseURL string, clk clock.Clock, log *slog.Logger) *Poller {
	if baseURL == "" {
		baseURL = DefaultGitHubURL
	}
	return &Poller{
		store:    store,
		projects: projects,
		client:   &http.Client{Timeout: requestTimeout},
		baseURL:  baseURL,
		clock:    clk,
		log:      log,
	}
}

// Poll refreshes the first project not updated within RefreshAfter. It
// returns the refreshed project, or "" when none was due.
func (p *Poller) Poll(ctx context.Context) (string, error) {
	project, err := p.nextStale(ctx)
	if err != nil || project == "" {
		return "", err
	}

	tag, err := p.latestTag(ctx, project)
	if err != nil {
		metrics.ReleasePolls.WithLabelValues("error").Inc()
		return "", err
	}
	if tag == "" {
		metrics.ReleasePolls.WithLabelValues("missing_tag").Inc()
		p.log.Warn("Latest release has no tag_name", slog.String("project", project))
		return "", nil
	}

	previous, err := p.store.Get(ctx, project)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	if err := p.store.Put(ctx, Version{Project: project, Version: tag, Updated: p.clock.Now()}); err != nil {
		metrics.ReleasePolls.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.ReleasePolls.WithLabelValues("ok").Inc()

	if previous == nil || previous.Version != tag {
		p.log.Info("New release version", slog.String("project", project), slog.String("version", tag))
	}
	return project, nil
}

func (p *Poller) nextStale(ctx context.Context) (string, error) {
	versions, err := p.store.List(ctx)
	if err != nil {
		return "", err
	}

	updated := make(map[string]time.Time, len(versions))
	for _, v := range versions {
		updated[v.Project] = v.Updated
	}

	cutoff := p.clock.Now().Add(-RefreshAfter)
	for _, project := range p.projects {
		if updated[project].Before(cutoff) {
			return project, nil
		}
	}
	return "", nil
}

func (p *Poller) latestTag(ctx context.Context, project string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/releases/latest", p.baseURL, project)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", common.PackageName+"/"+common.Version)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch latest release of %s: %w", project, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read latest release of %s: %w", project, err)
	}

	// Rate limiting and missing releases answer without a tag_name.
	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.Unmarshal(body, &release); err != nil {
		return "", fmt.Errorf("failed to decode latest release of %s (status %d): %w", project, resp.StatusCode, err)
	}
	return release.TagName, nil
}

// Run polls every PollInterval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.Ticker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.log.Warn("Release poll failed", "err", err)
			}
		}
	}
}

// Latest returns the version of project if it was refreshed within maxAge.
func Latest(ctx context.Context, store Store, project string, now time.Time, maxAge time.Duration) (*Version, error) {
	v, err := store.Get(ctx, project)
	if err != nil {
		return nil, err
	}
	if v.Updated.Before(now.Add(-maxAge)) {
		return nil, fmt.Errorf("%w: %s last updated %s", ErrStale, project, v.Updated.UTC().Format(time.RFC3339))
	}
	return v, nil
}
