package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileEvidence stores audit screenshots on local disk, one PNG per
// attempt, and returns the file path as the evidence ref.
type FileEvidence struct {
	Dir string
}

func (f FileEvidence) Save(_ context.Context, actionID string, img []byte) (string, error) {
	if f.Dir == "" {
		return "", fmt.Errorf("evidence dir not configured")
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%d.png", actionID, time.Now().UnixMilli())
	path := filepath.Join(f.Dir, name)
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

var _ EvidenceStore = FileEvidence{}
