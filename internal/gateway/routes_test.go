package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes(" /api/payments=http://localhost:3001 , /api=http://localhost:3000,/api/payments/refunds/=http://localhost:3004")
	require.NoError(t, err)
	require.Len(t, routes, 3)

	// longest prefix first, trailing slash trimmed
	assert.Equal(t, "/api/payments/refunds", routes[0].Prefix)
	assert.Equal(t, "/api/payments", routes[1].Prefix)
	assert.Equal(t, "http://localhost:3001", routes[1].Target)
	assert.Equal(t, "/api", routes[2].Prefix)
}

func TestParseRoutesErrors(t *testing.T) {
	tests := []struct {
		name string
		list string
	}{
		{"empty", ""},
		{"missing equals", "/api/payments"},
		{"relative prefix", "api=http://localhost:3000"},
		{"relative target", "/api=localhost:3000"},
		{"unsupported scheme", "/api=ftp://localhost"},
		{"duplicate", "/api=http://a,/api/=http://b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRoutes(tt.list)
			assert.Error(t, err)
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRoutesFile(t *testing.T) {
	yamlPath := writeFile(t, "routes.yaml", `
routes:
  - prefix: /api/payments
    target: http://payments:3001
    breaker: true
  - prefix: /api/analytics
    target: http://analytics:3002
    breaker: false
`)
	tomlPath := writeFile(t, "routes.toml", `
[[routes]]
prefix = "/api/payments"
target = "http://payments:3001"
breaker = true

[[routes]]
prefix = "/api/analytics"
target = "http://analytics:3002"
breaker = false
`)

	for _, path := range []string{yamlPath, tomlPath} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			routes, err := LoadRoutesFile(path)
			require.NoError(t, err)
			require.Len(t, routes, 2)

			byPrefix := map[string]Route{}
			for _, r := range routes {
				byPrefix[r.Prefix] = r
			}
			require.NotNil(t, byPrefix["/api/payments"].Breaker)
			assert.True(t, *byPrefix["/api/payments"].Breaker)
			require.NotNil(t, byPrefix["/api/analytics"].Breaker)
			assert.False(t, *byPrefix["/api/analytics"].Breaker)
			assert.Equal(t, "http://analytics:3002", byPrefix["/api/analytics"].Target)
		})
	}
}

func TestLoadRoutesFileErrors(t *testing.T) {
	_, err := LoadRoutesFile(writeFile(t, "routes.json", `{}`))
	assert.Error(t, err)

	_, err = LoadRoutesFile(writeFile(t, "routes.yaml", "routes: ["))
	assert.Error(t, err)

	_, err = LoadRoutesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRoutesPrefersFile(t *testing.T) {
	path := writeFile(t, "routes.yml", "routes:\n  - prefix: /api/files\n    target: http://files:9000\n")

	routes, err := LoadRoutes("/api/payments=http://localhost:3001", path)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "/api/files", routes[0].Prefix)

	routes, err = LoadRoutes("/api/payments=http://localhost:3001", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/payments", routes[0].Prefix)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		want   bool
	}{
		{"/api/payments", "/api/payments", true},
		{"/api/payments", "/api/payments/", true},
		{"/api/payments", "/api/payments/p1", true},
		{"/api/payments", "/api/paymentsx", false},
		{"/api/payments", "/api/pay", false},
		{"/", "/anything", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, matches(tt.prefix, tt.path), "%s vs %s", tt.prefix, tt.path)
	}
}
