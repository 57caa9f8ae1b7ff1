//go:build !gocv

package cmd

import (
	"context"
	"errors"

	"github.com/andresmejia3/straightface/internal/rule"
)

func newExtractor(ctx context.Context, opts Options, kind rule.Kind) (extractor, error) {
	if opts.Extractor == "cascade" {
		return nil, errors.New("the cascade extractor needs a build with -tags gocv")
	}
	return newPythonExtractor(ctx, opts, kind)
}
