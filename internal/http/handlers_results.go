package httpx

import (
	"io/fs"
	"net/http"
	"os"
	"path"

	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// ResultHandlers serves finished videos from the results tree.
type ResultHandlers struct {
	fsys fs.FS
}

// NewResultHandlers serves files below dir.
func NewResultHandlers(dir string) *ResultHandlers {
	return &ResultHandlers{fsys: os.DirFS(dir)}
}

// Video handles GET /results/{id}/translated_video.mp4 with range support.
func (h *ResultHandlers) Video(w http.ResponseWriter, r *http.Request) {
	name := path.Join(r.PathValue("id"), pipeline.ResultFileName)
	if !fs.ValidPath(name) || path.Dir(name) != r.PathValue("id") {
		http.NotFound(w, r)
		return
	}
	if info, err := fs.Stat(h.fsys, name); err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFileFS(w, r, h.fsys, name)
}
