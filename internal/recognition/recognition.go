// Package recognition provides the OCR backends a pipeline run dispatches tiles to.
package recognition

import (
	"fmt"

	"github.com/nikhilbhutani/tallocr/internal/config"
	"github.com/nikhilbhutani/tallocr/internal/llm"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

var (
	_ pipeline.Recognizer = (*VisionRecognizer)(nil)
	_ pipeline.Recognizer = (*TesseractRecognizer)(nil)
	_ pipeline.Recognizer = (*HTTPRecognizer)(nil)
	_ pipeline.Recognizer = (*Cached)(nil)
)

// Options carries the collaborators a backend may need. Gateway is required
// for the vision backend; Store is optional and enables result caching.
type Options struct {
	Gateway        llm.Gateway
	Store          Store
	MaxConcurrency int
}

// New builds the recognizer selected by cfg.Backend.
func New(cfg config.RecognitionConfig, opts Options) (pipeline.Recognizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var rec pipeline.Recognizer
	namespace := cfg.Backend
	switch cfg.Backend {
	case "vision":
		if opts.Gateway == nil {
			return nil, fmt.Errorf("vision backend requires an LLM gateway")
		}
		rec = NewVisionRecognizer(opts.Gateway, cfg.VisionProvider, cfg.VisionModel)
		namespace = fmt.Sprintf("vision:%s:%s", cfg.VisionProvider, cfg.VisionModel)
	case "tesseract":
		rec = NewTesseractRecognizer(cfg.TesseractPath, cfg.TesseractLang)
		namespace = "tesseract:" + cfg.TesseractLang
	case "http":
		rec = NewHTTPRecognizer(cfg.InferenceURL, cfg.InferenceToken, opts.MaxConcurrency)
		namespace = "http:" + cfg.InferenceURL
	}

	if opts.Store != nil && cfg.CacheTTL > 0 {
		rec = NewCached(rec, opts.Store, cfg.CacheTTL, namespace)
	}
	return rec, nil
}
