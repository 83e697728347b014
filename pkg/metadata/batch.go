package metadata

import (
	"context"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/heimdall-sbom/heimdall/pkg/component"
)

// ExtractBatch extracts the components of paths in parallel, at most
// Options.Workers at a time. The result is in the order of paths. Paths
// that do not exist carry a ProcessingError. Files that can not be opened
// or are in an unrecognized format are returned with WasProcessed false
// and no error. The error is only non-nil when ctx is done before every
// file was processed.
func (e *Extractor) ExtractBatch(ctx context.Context, paths []string) ([]*component.Component, error) {
	out := make([]*component.Component, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := component.New(p)
			if err != nil {
				c = &component.Component{Name: filepath.Base(p), FilePath: p}
				c.SetProcessingError(err)
				out[i] = c
				return nil
			}
			e.ExtractMetadata(ctx, c)
			out[i] = c
			return nil
		})
	}
	err := g.Wait()
	return out, err
}
