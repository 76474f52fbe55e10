package processor

import (
	"os"
	"path/filepath"

	"fluidsim/internal/worker/publisher"
)

// workspace is the per-job scratch directory. Nothing in it outlives the job.
type workspace struct {
	dir    string
	frames string
}

func newWorkspace(root, jobID string) (*workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
	}
	dir, err := os.MkdirTemp(root, "render_"+publisher.SanitizeID(jobID)+"_")
	if err != nil {
		return nil, err
	}
	ws := &workspace{dir: dir, frames: filepath.Join(dir, "frames")}
	if err := os.Mkdir(ws.frames, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return ws, nil
}

func (w *workspace) release() error {
	return os.RemoveAll(w.dir)
}
