// Package release discovers which versions of a project are published and
// installable.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stagehand/internal/policy"
	"github.com/mattjoyce/stagehand/internal/state"
)

// Lister returns the installable release versions of a project.
type Lister interface {
	Installable(ctx context.Context, project string) ([]string, error)
}

// Release is one published version in a feed.
type Release struct {
	Version     string `json:"version" yaml:"version"`
	Installable bool   `json:"installable" yaml:"installable"`
}

// Feed is the document served by a release endpoint or kept on disk.
type Feed struct {
	Project  string    `json:"project" yaml:"project"`
	Releases []Release `json:"releases" yaml:"releases"`
}

func (f Feed) installable(project string) ([]string, error) {
	if f.Project != "" && project != "" && f.Project != project {
		return nil, fmt.Errorf("release feed is for project %q, not %q", f.Project, project)
	}
	out := make([]string, 0, len(f.Releases))
	for _, r := range f.Releases {
		if r.Installable && strings.TrimSpace(r.Version) != "" {
			out = append(out, strings.TrimSpace(r.Version))
		}
	}
	return out, nil
}

// HTTPLister fetches a JSON Feed. The URL may contain "{project}", which is
// replaced with the path-escaped project name. With a Secret set, the body
// must carry a matching SignatureHeader.
type HTTPLister struct {
	URL    string
	Secret string
	Client *http.Client
}

func (l HTTPLister) Installable(ctx context.Context, project string) ([]string, error) {
	target := strings.ReplaceAll(l.URL, "{project}", url.PathEscape(project))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build release request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch releases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch releases: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read release feed: %w", err)
	}
	if l.Secret != "" {
		if err := verifySignature(body, resp.Header.Get(SignatureHeader), l.Secret); err != nil {
			return nil, err
		}
	}

	var feed Feed
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decode release feed: %w", err)
	}
	return feed.installable(project)
}

// FileLister reads a YAML Feed from disk.
type FileLister struct {
	Path string
}

func (l FileLister) Installable(_ context.Context, project string) ([]string, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read release file: %w", err)
	}
	var feed Feed
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("parse release file: %w", err)
	}
	return feed.installable(project)
}

// Cache is the state the CachedLister persists into.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (state.Entry, bool, error)
	Set(ctx context.Context, namespace, key string, value json.RawMessage) error
}

type cachedReleases struct {
	Versions  []string  `json:"versions"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CachedLister memoizes another Lister in the state store for TTL. When
// the upstream fails, an expired cache entry is served with a warning.
type CachedLister struct {
	next      Lister
	cache     Cache
	namespace string
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewCachedLister(next Lister, cache Cache, namespace string, ttl time.Duration, logger *slog.Logger) *CachedLister {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLister{
		next:      next,
		cache:     cache,
		namespace: namespace,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger.With("component", "releases"),
	}
}

func (l *CachedLister) Installable(ctx context.Context, project string) ([]string, error) {
	key := "releases:" + project

	var cached cachedReleases
	entry, ok, err := l.cache.Get(ctx, l.namespace, key)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(entry.Value, &cached); err != nil {
			ok = false
		} else if l.ttl > 0 && l.now().Sub(cached.FetchedAt) < l.ttl {
			return append([]string(nil), cached.Versions...), nil
		}
	}

	versions, err := l.next.Installable(ctx, project)
	if err != nil {
		if ok {
			l.logger.Warn("release discovery failed, serving stale cache", "project", project, "error", err)
			return append([]string(nil), cached.Versions...), nil
		}
		return nil, err
	}

	raw, err := json.Marshal(cachedReleases{Versions: versions, FetchedAt: l.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode release cache: %w", err)
	}
	if err := l.cache.Set(ctx, l.namespace, key, raw); err != nil {
		return nil, fmt.Errorf("store release cache: %w", err)
	}
	return versions, nil
}

// NextPatch picks the lowest stable release with installed's major and minor
// and a higher patch. The returned version is in the release's own
// spelling; ok is false when there is none.
func NextPatch(installed string, releases []string) (string, bool) {
	base := policy.Canonical(installed)
	if base == "" {
		return "", false
	}

	var candidates []string
	byCanonical := make(map[string]string)
	for _, rel := range releases {
		c := policy.Canonical(rel)
		if c == "" || semver.Prerelease(c) != "" {
			continue
		}
		if semver.MajorMinor(c) != semver.MajorMinor(base) || semver.Compare(c, base) <= 0 {
			continue
		}
		if _, seen := byCanonical[c]; !seen {
			byCanonical[c] = rel
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return semver.Compare(candidates[i], candidates[j]) < 0 })
	return byCanonical[candidates[0]], true
}
