package blob

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/repoforge/depot/pkg/depot"
)

// hashingReader computes a set of digests over everything read through it.
type hashingReader struct {
	r      io.Reader
	hashes map[depot.HashAlgorithm]hash.Hash
}

func newHashingReader(r io.Reader, algorithms []depot.HashAlgorithm) (*hashingReader, error) {
	hashes := make(map[depot.HashAlgorithm]hash.Hash, len(algorithms))
	writers := make([]io.Writer, 0, len(algorithms))
	for _, algorithm := range algorithms {
		h := algorithm.New()
		if h == nil {
			return nil, fmt.Errorf("unknown hash algorithm: %s", algorithm)
		}
		hashes[algorithm] = h
		writers = append(writers, h)
	}
	if len(writers) > 0 {
		r = io.TeeReader(r, io.MultiWriter(writers...))
	}
	return &hashingReader{r: r, hashes: hashes}, nil
}

func (h *hashingReader) Read(p []byte) (int, error) {
	return h.r.Read(p)
}

// digests returns the hex-encoded digests computed so far. Valid once the
// underlying stream has been fully consumed.
func (h *hashingReader) digests() map[depot.HashAlgorithm]string {
	out := make(map[depot.HashAlgorithm]string, len(h.hashes))
	for algorithm, hsh := range h.hashes {
		out[algorithm] = hex.EncodeToString(hsh.Sum(nil))
	}
	return out
}
