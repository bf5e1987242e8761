package sparse

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// zeroBlock is a single all-zero block, hashed once at package
// initialization to produce zeroBlockHash.
var zeroBlock [BlockSize]byte

// zeroBlockHash is SHA-256 of a single all-zero BlockSize block,
// precomputed once for ShaSha256's hole fast path.
var zeroBlockHash = sha256.Sum256(zeroBlock[:])

// CopyOptions tunes Copy's behavior.
type CopyOptions struct {
	// FlushEvery, if nonzero, calls File.Sync every N blocks written,
	// mirroring the original sparse.c's periodic flush discipline.
	FlushEvery int
	// Progress renders a progress bar across the copy when true.
	Progress bool
}

// Copy performs a sparse-aware copy of src's [start,end) window to dst
// at the same offsets: for each BlockSize unit inside a data fragment,
// an all-zero unit is skipped (leaving a hole in dst) and any other
// unit is written verbatim, per spec §4.2. A partial-block tail (when
// end isn't block-aligned) is copied byte-exactly.
func Copy(src, dst *os.File, start, end int64, opts CopyOptions) error {
	// Find works on whole blocks; a tail past alignedEnd is copied below.
	alignedEnd := end
	if end > start {
		alignedEnd = end - (end-start)%BlockSize
	}
	data, _, err := Find(src, start, alignedEnd)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.DefaultBytes(data.NumBlocks()*BlockSize, "copying")
	}

	buf := make([]byte, BlockSize)
	written := 0
	for _, frag := range data.Frags {
		for off := frag.Offset; off < frag.Offset+frag.Length; off += BlockSize {
			n := int64(BlockSize)
			if off+n > frag.Offset+frag.Length {
				n = frag.Offset + frag.Length - off
			}
			if _, err := src.ReadAt(buf[:n], off); err != nil && err != io.EOF {
				return cvmerr.New(cvmerr.IoError, "sparse.Copy", fmt.Errorf("read at %d: %w", off, err))
			}
			if n == BlockSize && AllZero(buf) {
				continue // leave a hole in dst
			}
			if _, err := dst.WriteAt(buf[:n], off); err != nil {
				return cvmerr.New(cvmerr.IoError, "sparse.Copy", fmt.Errorf("write at %d: %w", off, err))
			}
			if bar != nil {
				_ = bar.Add64(n)
			}
			written++
			if opts.FlushEvery > 0 && written%opts.FlushEvery == 0 {
				if err := dst.Sync(); err != nil {
					return cvmerr.New(cvmerr.IoError, "sparse.Copy", err)
				}
			}
		}
	}
	if tail := end - alignedEnd; tail > 0 {
		tailBuf := make([]byte, tail)
		if _, err := src.ReadAt(tailBuf, alignedEnd); err != nil && err != io.EOF {
			return cvmerr.New(cvmerr.IoError, "sparse.Copy", fmt.Errorf("read tail at %d: %w", alignedEnd, err))
		}
		if _, err := dst.WriteAt(tailBuf, alignedEnd); err != nil {
			return cvmerr.New(cvmerr.IoError, "sparse.Copy", fmt.Errorf("write tail at %d: %w", alignedEnd, err))
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return dst.Sync()
}

// Compare performs the same block-by-block walk as Copy but compares a
// and b's contents instead, failing at the first mismatch per spec §4.2.
func Compare(a, b *os.File, start, end int64) error {
	data, _, err := Find(a, start, end)
	if err != nil {
		return err
	}

	bufA := make([]byte, BlockSize)
	bufB := make([]byte, BlockSize)
	for _, frag := range data.Frags {
		for off := frag.Offset; off < frag.Offset+frag.Length; off += BlockSize {
			n := int64(BlockSize)
			if off+n > frag.Offset+frag.Length {
				n = frag.Offset + frag.Length - off
			}
			if _, err := a.ReadAt(bufA[:n], off); err != nil && err != io.EOF {
				return cvmerr.New(cvmerr.IoError, "sparse.Compare", err)
			}
			if _, err := b.ReadAt(bufB[:n], off); err != nil && err != io.EOF {
				return cvmerr.New(cvmerr.IoError, "sparse.Compare", err)
			}
			for i := int64(0); i < n; i++ {
				if bufA[i] != bufB[i] {
					return cvmerr.New(cvmerr.HashMismatch, "sparse.Compare", fmt.Errorf("mismatch at byte offset %d", off+i))
				}
			}
		}
	}
	return nil
}

// ShaSha256 computes a deterministic sha-of-shas fingerprint of f's
// [start,end) window: for each BlockSize block, if the block falls in a
// hole or is all-zero, the precomputed zero-block hash is fed in place
// of reading it; otherwise SHA-256(block) is fed. This yields a
// fingerprint that never needs to read holes, per spec §4.2.
func ShaSha256(f *os.File, start, end int64) ([32]byte, error) {
	data, _, err := Find(f, start, end)
	if err != nil {
		return [32]byte{}, err
	}

	h := sha256.New()
	buf := make([]byte, BlockSize)
	blk := start
	dataIdx := 0
	for blk < end {
		inData := false
		if dataIdx < len(data.Frags) {
			fr := data.Frags[dataIdx]
			if blk >= fr.Offset && blk < fr.Offset+fr.Length {
				inData = true
			} else if blk >= fr.Offset+fr.Length {
				dataIdx++
				if dataIdx < len(data.Frags) && blk >= data.Frags[dataIdx].Offset {
					inData = true
				}
			}
		}

		if !inData {
			h.Write(zeroBlockHash[:])
			blk += BlockSize
			continue
		}

		if _, err := f.ReadAt(buf, blk); err != nil && err != io.EOF {
			return [32]byte{}, cvmerr.New(cvmerr.IoError, "sparse.ShaSha256", err)
		}
		if AllZero(buf) {
			h.Write(zeroBlockHash[:])
		} else {
			sum := sha256.Sum256(buf)
			h.Write(sum[:])
		}
		blk += BlockSize
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
