package dispatch

import (
	"net/http"
	"path"

	"github.com/fleetd/fleetd/internal/config"
)

// serveDir resolves a directory-mount Route against the residual path (the
// request path with the mount prefix already stripped) and streams the
// matched file. A missing file, or an attempt to escape the mount root via
// "..", both yield 404 — the residual is cleaned against "/" before it is
// opened, so ".." elements cannot climb above the mount root and a
// traversal attempt lands on a path inside it, which takes the same
// not-found branch when no such file exists there.
func serveDir(w http.ResponseWriter, r *http.Request, route config.Route, residual string) {
	clean := path.Clean("/" + residual)

	fsys := http.Dir(route.Dir)
	f, err := fsys.Open(clean)
	if err != nil {
		notFound(w)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		notFound(w)
		return
	}

	w.Header().Set("Content-Type", guessMIME(clean))
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}
