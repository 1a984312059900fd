package receiver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// fallbackName is used when the sender supplied no usable filename.
const fallbackName = "received.bin"

// sanitizeFilename strips directory components so a hostile sender cannot
// steer the output path outside the download directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return fallbackName
	}
	return name
}

// SaveResult writes a reconstructed file into dir, suffixing the name with
// _1, _2, ... before the extension when the target already exists. It
// returns the path actually written.
func SaveResult(dir string, res *Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("receiver: create download dir: %w", err)
	}

	name := sanitizeFilename(res.Filename)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	path := filepath.Join(dir, name)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}

	if err := os.WriteFile(path, res.Data, 0o644); err != nil {
		return "", fmt.Errorf("receiver: write %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SaveResult",
		"path":     path,
		"bytes":    len(res.Data),
	}).Info("Reconstructed file saved")

	return path, nil
}
