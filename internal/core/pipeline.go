package core

import (
	"context"
	"errors"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/ipsdiag/internal/archive"
	"github.com/JonMunkholm/ipsdiag/internal/diag"
	"github.com/JonMunkholm/ipsdiag/internal/registry"
)

// Options configures a Pipeline.
type Options struct {
	// Workers bounds concurrent artifact parsing (default: runtime.NumCPU).
	Workers int

	// Archive bounds extraction.
	Archive archive.Options
}

// Pipeline turns archive bytes into a RecordSet: sequential extraction,
// parallel per-artifact parsing, then a deterministic reduce.
type Pipeline struct {
	normalizer *Normalizer
	opts       Options
}

// NewPipeline creates a Pipeline. A nil registry selects the built-in one.
func NewPipeline(reg *registry.Registry, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Pipeline{normalizer: NewNormalizer(reg), opts: opts}
}

// Registry returns the registry used for classification.
func (p *Pipeline) Registry() *registry.Registry { return p.normalizer.Registry() }

// Workers returns the parse concurrency.
func (p *Pipeline) Workers() int { return p.opts.Workers }

// Process runs the whole pipeline. It returns an *archive.Error when the
// container cannot be read and ctx.Err() when ctx is cancelled; every
// other problem is a diagnostic in the result.
func (p *Pipeline) Process(ctx context.Context, data []byte) (*RecordSet, error) {
	arc, err := Extract(ctx, data, p.opts.Archive)
	if err != nil {
		return nil, err
	}
	results, err := p.ParseAll(ctx, arc)
	if err != nil {
		return nil, err
	}
	return p.normalizer.Reduce(arc, results), nil
}

// Extract reads every artifact of data into memory. Extraction is a single
// pass and finishes before any parsing starts.
func Extract(ctx context.Context, data []byte, opts archive.Options) (*Archive, error) {
	var sink diag.Sink
	r, err := archive.Open(data, opts, &sink)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	arc := &Archive{Format: r.Format(), Size: int64(len(data)), Artifacts: []Artifact{}}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		arc.Artifacts = append(arc.Artifacts, Artifact{Name: e.Name, Data: e.Data, Truncated: e.Truncated})
	}
	arc.Diagnostics = sink.Items()
	return arc, nil
}

// ParseAll parses every artifact of arc on a bounded worker pool. Results
// are indexed like arc.Artifacts and each carries its own diagnostics, so
// workers share no mutable state.
func (p *Pipeline) ParseAll(ctx context.Context, arc *Archive) ([]Parsed, error) {
	results := make([]Parsed, len(arc.Artifacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, a := range arc.Artifacts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.normalizer.Parse(a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
