package dispatch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/routetable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, routes []config.Route) *routetable.RouteTable {
	t.Helper()
	rt, err := routetable.Build(routes)
	require.NoError(t, err)
	return rt
}

func doRequest(d *Dispatcher, rt *routetable.RouteTable, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	d.ServeRoute(rt, rec, req)
	return rec
}

func TestServeHTML(t *testing.T) {
	rt := buildTable(t, []config.Route{{Path: "/hi", Kind: config.KindHTML, HTML: "hey"}})
	d := New(nil)

	rec := doRequest(d, rt, http.MethodGet, "/hi")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hey", rec.Body.String())

	rec = doRequest(d, rt, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", rec.Body.String())
}

func TestServeRawGuessesMIMEFromPath(t *testing.T) {
	rt := buildTable(t, []config.Route{{Path: "/x.css", Kind: config.KindRaw, Raw: "a{}"}})
	d := New(nil)

	rec := doRequest(d, rt, http.MethodGet, "/x.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/css; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "a{}", rec.Body.String())
}

func TestServeRawUnknownExtensionDefaultsPlain(t *testing.T) {
	rt := buildTable(t, []config.Route{{Path: "/thing.xyzzy", Kind: config.KindRaw, Raw: "body"}})
	d := New(nil)

	rec := doRequest(d, rt, http.MethodGet, "/thing.xyzzy")
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestServeJSON(t *testing.T) {
	rt := buildTable(t, []config.Route{{Path: "/api/:name", Kind: config.KindJSON, JSON: map[string]any{"ok": true}}})
	d := New(nil)

	rec := doRequest(d, rt, http.MethodGet, "/api/widgets")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestCORSHeaders(t *testing.T) {
	rt := buildTable(t, []config.Route{{Path: "/", Kind: config.KindHTML, HTML: "home", CORS: true}})
	d := New(nil)

	rec := doRequest(d, rt, http.MethodGet, "/")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestCORSPreflightOptions(t *testing.T) {
	rt := buildTable(t, []config.Route{{Path: "/", Kind: config.KindHTML, HTML: "home", CORS: true}})
	d := New(nil)

	rec := doRequest(d, rt, http.MethodOptions, "/")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Body.String())
}

func TestServeDirAndPathTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	secret := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(secret, "secret"), []byte("nope"), 0o644))

	rt := buildTable(t, []config.Route{{Path: "/static", Kind: config.KindDir, Dir: dir}})
	d := New(nil)

	rec := doRequest(d, rt, http.MethodGet, "/static/a.txt")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hello", rec.Body.String())

	rec = doRequest(d, rt, http.MethodGet, "/static/missing.txt")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(d, rt, http.MethodGet, "/static/../secret")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type panicLoggerSpy struct{ called bool }

func (p *panicLoggerSpy) Errorf(format string, args ...any) { p.called = true }

func TestPanicRecoveredAs500(t *testing.T) {
	rt, err := routetable.Build(nil)
	require.NoError(t, err)

	d := New(&panicLoggerSpy{})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()

	func() {
		defer d.recoverPanic(rec)
		panic("boom")
	}()

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	_ = req
}

func TestNotFoundBody(t *testing.T) {
	rt := buildTable(t, nil)
	d := New(nil)

	rec := doRequest(d, rt, http.MethodGet, "/anything")
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "not_found", string(body))
}
