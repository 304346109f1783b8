// Package updater checks GitHub for newer agent releases.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

const (
	// ReleasesURL lists the most recent releases of the agent.
	ReleasesURL = "https://api.github.com/repos/SimplyPrint/pcsc-agent/releases?per_page=20"
	// CacheDuration is how long a check result is reused.
	CacheDuration  = 30 * time.Minute
	RequestTimeout = 10 * time.Second

	userAgent       = "pcsc-agent-updater"
	maxReleaseNotes = 500
)

// agentTag matches agent release tags (v1.2.3) and skips prefixed ones such
// as sdk-v1.2.3.
var agentTag = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

type release struct {
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []asset   `json:"assets"`
}

type asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

// UpdateInfo is the result of an update check.
type UpdateInfo struct {
	Available      bool       `json:"available"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion,omitempty"`
	ReleaseURL     string     `json:"releaseUrl,omitempty"`
	ReleaseNotes   string     `json:"releaseNotes,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	Platform       string     `json:"platform"`
	CheckedAt      time.Time  `json:"checkedAt"`
	Error          string     `json:"error,omitempty"`
	IsDev          bool       `json:"isDev"`
}

// Checker checks for updates and caches the result.
type Checker struct {
	current string
	url     string
	client  *http.Client

	mu     sync.Mutex
	cached *UpdateInfo
	expiry time.Time
}

// NewChecker creates a checker for the running version.
func NewChecker(currentVersion string) *Checker {
	return &Checker{
		current: currentVersion,
		url:     ReleasesURL,
		client:  &http.Client{Timeout: RequestTimeout},
	}
}

// Check returns the cached result unless it expired or force is set.
func (c *Checker) Check(ctx context.Context, force bool) UpdateInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.cached != nil && time.Now().Before(c.expiry) {
		return *c.cached
	}

	info := c.fetch(ctx)
	if info.Error != "" {
		logging.Warn(logging.CatSystem, "Update check failed", map[string]any{
			"error": info.Error,
		})
	}
	c.cached = &info
	c.expiry = time.Now().Add(CacheDuration)
	return info
}

func (c *Checker) fetch(ctx context.Context) UpdateInfo {
	current := ParseVersion(c.current)
	info := UpdateInfo{
		CurrentVersion: c.current,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		CheckedAt:      time.Now(),
		IsDev:          current.IsDev(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		info.Error = fmt.Sprintf("failed to create request: %v", err)
		return info
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.client.Do(req)
	if err != nil {
		info.Error = fmt.Sprintf("failed to fetch release info: %v", err)
		return info
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		info.Error = "rate limited by GitHub API, try again later"
		return info
	default:
		info.Error = fmt.Sprintf("GitHub API returned status %d", resp.StatusCode)
		return info
	}

	var releases []release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		info.Error = fmt.Sprintf("failed to parse release info: %v", err)
		return info
	}

	// Releases come newest first.
	var latest *release
	for i := range releases {
		r := &releases[i]
		if !r.Draft && !r.Prerelease && agentTag.MatchString(r.TagName) {
			latest = r
			break
		}
	}
	if latest == nil {
		info.Error = "no agent releases found"
		return info
	}

	info.LatestVersion = latest.TagName
	info.ReleaseURL = latest.HTMLURL
	info.ReleaseNotes = truncate(latest.Body, maxReleaseNotes)
	info.PublishedAt = &latest.PublishedAt
	info.DownloadURL = pickAsset(latest.Assets, runtime.GOOS, runtime.GOARCH)
	// Dev builds are usually ahead of the last release.
	info.Available = !current.IsDev() && current.Less(ParseVersion(latest.TagName))
	return info
}

// Version is a parsed vMAJOR.MINOR.PATCH tag. Anything else is a dev build.
type Version struct {
	Major, Minor, Patch int
	Valid               bool
}

// ParseVersion parses "1.2.3" or "v1.2.3", ignoring any -suffix.
func ParseVersion(s string) Version {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return Version{}
		}
		n[i] = v
	}
	return Version{Major: n[0], Minor: n[1], Patch: n[2], Valid: true}
}

// IsDev reports whether the version is not a release build.
func (v Version) IsDev() bool { return !v.Valid }

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

var (
	archAliases = map[string][]string{
		"amd64": {"amd64", "x86_64", "x64"},
		"arm64": {"arm64", "aarch64"},
		"386":   {"386", "i386", "x86"},
	}
	osAliases = map[string][]string{
		"darwin":  {"darwin", "macos"},
		"windows": {"windows", "win"},
		"linux":   {"linux"},
	}
	// Earlier extensions are preferred.
	osExtensions = map[string][]string{
		"darwin":  {".dmg", ".pkg", ".tar.gz", ".zip"},
		"windows": {".msi", ".exe", ".zip"},
		"linux":   {".deb", ".rpm", ".tar.gz"},
	}
)

// pickAsset returns the download URL best matching goos and goarch.
func pickAsset(assets []asset, goos, goarch string) string {
	arches := archAliases[goarch]
	if arches == nil {
		arches = []string{goarch}
	}
	oses := osAliases[goos]
	if oses == nil {
		oses = []string{goos}
	}
	exts := osExtensions[goos]

	best, bestScore := "", -1
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		if !containsAny(name, oses) {
			continue
		}
		if !containsAny(name, arches) && !(goos == "darwin" && strings.Contains(name, "universal")) {
			continue
		}
		score := 0
		for i, ext := range exts {
			if strings.HasSuffix(name, ext) {
				score = len(exts) - i
				break
			}
		}
		if score > bestScore {
			best, bestScore = a.URL, score
		}
	}
	return best
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(notes string, maxLen int) string {
	notes = strings.TrimSpace(notes)
	if len(notes) <= maxLen {
		return notes
	}
	return notes[:maxLen] + "..."
}
