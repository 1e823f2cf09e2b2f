package routetable

import (
	"testing"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupLiteralRoutes(t *testing.T) {
	routes := []config.Route{
		{Path: "/hi", Kind: config.KindHTML, HTML: "hey"},
		{Path: "/x.css", Kind: config.KindRaw, Raw: "a{}"},
	}

	rt, err := Build(routes)
	require.NoError(t, err)

	m, ok := rt.Lookup("/hi")
	require.True(t, ok)
	assert.Equal(t, "hey", m.Route.HTML)

	_, ok = rt.Lookup("/nope")
	assert.False(t, ok)
}

func TestLookupIsCaseSensitiveAndSlashSensitive(t *testing.T) {
	rt, err := Build([]config.Route{{Path: "/a", Kind: config.KindHTML, HTML: "a"}})
	require.NoError(t, err)

	_, ok := rt.Lookup("/A")
	assert.False(t, ok, "matching must be case-sensitive")

	_, ok = rt.Lookup("/a/")
	assert.False(t, ok, "/a and /a/ are distinct paths")
}

func TestLookupParamRoute(t *testing.T) {
	rt, err := Build([]config.Route{
		{Path: "/api/:name", Kind: config.KindJSON, JSON: map[string]any{"ok": true}},
	})
	require.NoError(t, err)

	m, ok := rt.Lookup("/api/widgets")
	require.True(t, ok)
	assert.Equal(t, "widgets", m.Params["name"])
}

func TestLiteralSegmentsTakePrecedenceOverParams(t *testing.T) {
	rt, err := Build([]config.Route{
		{Path: "/users/:id", Kind: config.KindHTML, HTML: "param"},
		{Path: "/users/me", Kind: config.KindHTML, HTML: "literal"},
	})
	require.NoError(t, err)

	m, ok := rt.Lookup("/users/me")
	require.True(t, ok)
	assert.Equal(t, "literal", m.Route.HTML)

	m, ok = rt.Lookup("/users/other")
	require.True(t, ok)
	assert.Equal(t, "param", m.Route.HTML)
	assert.Equal(t, "other", m.Params["id"])
}

func TestDirMountMatchesNestedPaths(t *testing.T) {
	rt, err := Build([]config.Route{
		{Path: "/static", Kind: config.KindDir, Dir: "./public"},
	})
	require.NoError(t, err)

	m, ok := rt.Lookup("/static/a.txt")
	require.True(t, ok)
	assert.Equal(t, "./public", m.Route.Dir)
	assert.Equal(t, "a.txt", m.Params["*"])

	m, ok = rt.Lookup("/static/sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, "sub/b.txt", m.Params["*"])
}

func TestBuildIsDeterministic(t *testing.T) {
	routes := []config.Route{
		{Path: "/a", Kind: config.KindHTML, HTML: "a"},
		{Path: "/b/:id", Kind: config.KindHTML, HTML: "b"},
		{Path: "/c", Kind: config.KindDir, Dir: "./c"},
	}

	rt1, err := Build(routes)
	require.NoError(t, err)
	rt2, err := Build(routes)
	require.NoError(t, err)

	assert.Equal(t, rt1.RouteHash(), rt2.RouteHash())
}

func TestFirstRouteWinsOnExactDuplicate(t *testing.T) {
	routes := []config.Route{
		{Path: "/dup", Kind: config.KindHTML, HTML: "first"},
		{Path: "/dup", Kind: config.KindHTML, HTML: "second"},
	}

	rt, err := Build(routes)
	require.NoError(t, err)
	require.NotEmpty(t, rt.Warnings())

	m, ok := rt.Lookup("/dup")
	require.True(t, ok)
	assert.Equal(t, "first", m.Route.HTML)
}

func TestBuildRejectsEmptySegment(t *testing.T) {
	_, err := Build([]config.Route{{Path: "/a//b", Kind: config.KindHTML, HTML: "x"}})
	require.Error(t, err)

	var ipe *InvalidPatternError
	require.ErrorAs(t, err, &ipe)
}

func TestBuildRejectsDuplicateParamName(t *testing.T) {
	_, err := Build([]config.Route{{Path: "/a/:id/b/:id", Kind: config.KindHTML, HTML: "x"}})
	require.Error(t, err)
}

func TestLookupFirstMatchAmongParamAlternatives(t *testing.T) {
	routes := []config.Route{
		{Path: "/p/:first", Kind: config.KindHTML, HTML: "first-param"},
		{Path: "/p/:second/tail", Kind: config.KindHTML, HTML: "second-param"},
	}

	rt, err := Build(routes)
	require.NoError(t, err)

	m, ok := rt.Lookup("/p/x/tail")
	require.True(t, ok)
	assert.Equal(t, "second-param", m.Route.HTML)
	assert.Equal(t, "x", m.Params["second"])
}
