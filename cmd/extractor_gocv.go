//go:build gocv

package cmd

import (
	"context"

	"github.com/andresmejia3/straightface/internal/cascade"
	"github.com/andresmejia3/straightface/internal/rule"
)

func newExtractor(ctx context.Context, opts Options, kind rule.Kind) (extractor, error) {
	if opts.Extractor != "cascade" {
		return newPythonExtractor(ctx, opts, kind)
	}
	cfg := cascade.DefaultConfig()
	if opts.CascadeDir != "" {
		cfg.Dir = opts.CascadeDir
	}
	e, err := cascade.New(cfg)
	if err != nil {
		return nil, err
	}
	return e, nil
}
