package remote

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// serveStatic serves the remote client bundle for everything outside
// /api/*. Paths that would escape the asset root are rejected; unknown
// paths fall back to the root document (single-page-app routing) when that
// document exists.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if s.cfg.AssetRoot == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if strings.Contains(r.URL.Path, "..") {
		writeError(w, http.StatusBadRequest, "bad path")
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	target := filepath.Join(s.cfg.AssetRoot, filepath.FromSlash(clean))
	if rel, err := filepath.Rel(s.cfg.AssetRoot, target); err != nil || strings.HasPrefix(rel, "..") {
		writeError(w, http.StatusBadRequest, "bad path")
		return
	}

	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		http.ServeFile(w, r, target)
		return
	}

	index := filepath.Join(s.cfg.AssetRoot, "index.html")
	if _, err := os.Stat(index); err == nil {
		http.ServeFile(w, r, index)
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}
