package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHelloWorld(t *testing.T) {
	doc := `
servers:
  - bind_address: "127.0.0.1:8080"
    routes:
      - path: "/hello"
        html: "<h1>hi</h1>"
      - path: "/api/:name"
        json: { ok: true }
        cors: true
      - path: "/styles.css"
        raw: "body{}"
      - path: "/assets"
        dir: "./public"
`
	cfg, err := Parse([]byte(doc), "test.yml")
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)

	sc := cfg.Servers[0]
	assert.Equal(t, "127.0.0.1:8080", sc.BindAddress)
	require.Len(t, sc.Routes, 4)

	assert.Equal(t, "/hello", sc.Routes[0].Path)
	assert.Equal(t, KindHTML, sc.Routes[0].Kind)
	assert.Equal(t, "<h1>hi</h1>", sc.Routes[0].HTML)

	assert.Equal(t, KindJSON, sc.Routes[1].Kind)
	assert.True(t, sc.Routes[1].CORS)

	assert.Equal(t, KindRaw, sc.Routes[2].Kind)
	assert.Equal(t, "body{}", sc.Routes[2].Raw)

	assert.Equal(t, KindDir, sc.Routes[3].Kind)
	assert.Equal(t, "./public", sc.Routes[3].Dir)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	doc := `
servers:
  - bind_address: "127.0.0.1:0"
    bogus: true
    routes: []
`
	_, err := Parse([]byte(doc), "")
	require.Error(t, err)
}

func TestParseRejectsUnknownRouteKeys(t *testing.T) {
	doc := `
servers:
  - routes:
      - path: "/x"
        html: "hi"
        wat: 1
`
	_, err := Parse([]byte(doc), "")
	require.Error(t, err)
}

func TestParseRejectsMultipleContentKinds(t *testing.T) {
	doc := `
servers:
  - routes:
      - path: "/x"
        html: "hi"
        raw: "also hi"
`
	_, err := Parse([]byte(doc), "")
	require.Error(t, err)
}

func TestParseRejectsNoContentKind(t *testing.T) {
	doc := `
servers:
  - routes:
      - path: "/x"
        cors: true
`
	_, err := Parse([]byte(doc), "")
	require.Error(t, err)
}

func TestParseRejectsDuplicateBindAddress(t *testing.T) {
	doc := `
servers:
  - bind_address: "127.0.0.1:8080"
    routes: []
  - bind_address: "127.0.0.1:8080"
    routes: []
`
	_, err := Parse([]byte(doc), "")
	require.Error(t, err)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseEphemeralBindAddress(t *testing.T) {
	doc := `
servers:
  - routes:
      - path: "/"
        html: "home"
  - routes:
      - path: "/"
        html: "home2"
`
	cfg, err := Parse([]byte(doc), "")
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	_, ok := cfg.Servers[0].BindKey()
	assert.False(t, ok)
}

func TestParseNullJSONLiteral(t *testing.T) {
	doc := `
servers:
  - routes:
      - path: "/n"
        json: null
`
	cfg, err := Parse([]byte(doc), "")
	require.NoError(t, err)
	assert.Equal(t, KindJSON, cfg.Servers[0].Routes[0].Kind)
	assert.Nil(t, cfg.Servers[0].Routes[0].JSON)
}
