package packaging

import (
	"context"
	"io"

	"github.com/gophersatwork/buildcache/snapshot"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Decorator wraps a Packer, typically to add a stream transformation.
type Decorator func(Packer) Packer

// Chain applies decorators to core in order: the last decorator is the outermost layer.
func Chain(core Packer, decorators ...Decorator) Packer {
	p := core
	for _, d := range decorators {
		p = d(p)
	}
	return p
}

// NewGzipPacker returns core wrapped in a single gzip frame.
func NewGzipPacker(core Packer) Packer {
	return Chain(core, Gzip(gzip.DefaultCompression))
}

// Gzip compresses archives with gzip at the given level.
// The gzip header carries no name and no modification time,
// so equal archives compress to equal bytes.
func Gzip(level int) Decorator {
	return func(inner Packer) Packer {
		return &streamPacker{
			inner: inner,
			name:  "gzip",
			wrapWriter: func(w io.Writer) (io.WriteCloser, error) {
				return gzip.NewWriterLevel(w, level)
			},
			wrapReader: func(r io.Reader) (io.ReadCloser, error) {
				return gzip.NewReader(r)
			},
		}
	}
}

// Zstd compresses archives with zstandard at the given level.
func Zstd(level zstd.EncoderLevel) Decorator {
	return func(inner Packer) Packer {
		return &streamPacker{
			inner: inner,
			name:  "zstd",
			wrapWriter: func(w io.Writer) (io.WriteCloser, error) {
				return zstd.NewWriter(w, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
			},
			wrapReader: func(r io.Reader) (io.ReadCloser, error) {
				d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
				if err != nil {
					return nil, err
				}
				return d.IOReadCloser(), nil
			},
		}
	}
}

// streamPacker layers a compressing writer and a decompressing reader around
// another Packer. The reported size is the compressed size.
type streamPacker struct {
	inner      Packer
	name       string
	wrapWriter func(io.Writer) (io.WriteCloser, error)
	wrapReader func(io.Reader) (io.ReadCloser, error)
}

func (p *streamPacker) Pack(ctx context.Context, entity CacheableEntity, snapshots map[string]*snapshot.Snapshot, w io.Writer, writeOrigin OriginWriter) (PackResult, error) {
	cw := &countingWriter{w: w}
	zw, err := p.wrapWriter(cw)
	if err != nil {
		return PackResult{}, errors.Wrapf(err, "create %s writer", p.name)
	}
	result, err := p.inner.Pack(ctx, entity, snapshots, zw, writeOrigin)
	if err != nil {
		zw.Close()
		return PackResult{}, err
	}
	if err := zw.Close(); err != nil {
		return PackResult{}, errors.Wrapf(err, "finish %s stream", p.name)
	}
	result.Size = cw.n
	return result, nil
}

func (p *streamPacker) Unpack(ctx context.Context, entity CacheableEntity, r io.Reader, readOrigin OriginReader) (UnpackResult, error) {
	zr, err := p.wrapReader(r)
	if err != nil {
		return UnpackResult{}, errors.Wrapf(err, "open %s stream", p.name)
	}
	defer zr.Close()
	result, err := p.inner.Unpack(ctx, entity, zr, readOrigin)
	if err != nil {
		return UnpackResult{}, err
	}
	// Read up to the end of the frame so that checksums are verified.
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return UnpackResult{}, errors.Wrapf(err, "read %s stream", p.name)
	}
	return result, nil
}
