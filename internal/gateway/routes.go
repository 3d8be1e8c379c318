package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

var ErrNoRoutes = errors.New("no gateway routes configured")

// Route maps a path prefix to a backend origin
type Route struct {
	Prefix string `yaml:"prefix" toml:"prefix" json:"prefix"`
	Target string `yaml:"target" toml:"target" json:"target"`
	// Breaker guards the route with a circuit breaker; nil means the
	// gateway default
	Breaker *bool `yaml:"breaker,omitempty" toml:"breaker,omitempty" json:"breaker,omitempty"`
}

type routeFile struct {
	Routes []Route `yaml:"routes" toml:"routes"`
}

// ParseRoutes parses "prefix=origin" pairs separated by commas
func ParseRoutes(list string) ([]Route, error) {
	var routes []Route
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		prefix, target, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("route %q: expected prefix=origin", pair)
		}
		routes = append(routes, Route{
			Prefix: strings.TrimSpace(prefix),
			Target: strings.TrimSpace(target),
		})
	}
	return normalize(routes)
}

// LoadRoutesFile reads a route table from a .yaml, .yml or .toml file
func LoadRoutesFile(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}

	var file routeFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".toml":
		err = toml.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("unsupported routes file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse routes file %s: %w", path, err)
	}
	return normalize(file.Routes)
}

// LoadRoutes prefers the routes file when one is given
func LoadRoutes(list, file string) ([]Route, error) {
	if file != "" {
		return LoadRoutesFile(file)
	}
	return ParseRoutes(list)
}

// normalize validates routes and orders them longest prefix first
func normalize(routes []Route) ([]Route, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}

	seen := make(map[string]bool, len(routes))
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", r.Prefix)
		}
		if r.Prefix = strings.TrimRight(r.Prefix, "/"); r.Prefix == "" {
			r.Prefix = "/"
		}
		if seen[r.Prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", r.Prefix)
		}
		seen[r.Prefix] = true

		u, err := url.Parse(r.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid target: %w", r.Prefix, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("route %s: target %q must be an absolute http(s) URL", r.Prefix, r.Target)
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Prefix) > len(out[j].Prefix)
	})
	return out, nil
}

// matches reports whether path falls under prefix on a segment boundary
func matches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
