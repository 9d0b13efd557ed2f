package recognition

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// TesseractRecognizer shells out to the tesseract CLI, feeding the tile on stdin.
type TesseractRecognizer struct {
	path string
	lang string
}

func NewTesseractRecognizer(path, lang string) *TesseractRecognizer {
	if path == "" {
		path = "tesseract"
	}
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}
	if lang == "" {
		lang = "eng"
	}
	return &TesseractRecognizer{path: path, lang: lang}
}

func (t *TesseractRecognizer) IsAvailable() bool {
	cmd := exec.Command(t.path, "--version")
	return cmd.Run() == nil
}

func (t *TesseractRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	cmd := exec.CommandContext(ctx, t.path, "stdin", "stdout", "-l", t.lang)
	cmd.Stdin = bytes.NewReader(image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tesseract OCR: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(string(output)), nil
}
