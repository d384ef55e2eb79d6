package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports cumulative progress via a callback,
// throttled to at most one report per interval so rapid small reads cannot
// flood the caller. The consumer sees totals including any resume offset.
type Reader struct {
	reader     io.Reader
	total      int64
	offset     int64
	onProgress func(written, total int64)
	interval   time.Duration

	read       int64
	lastReport time.Time
	now        func() time.Time
}

// NewReader creates a throttled progress reader. offset is the number of
// bytes already on disk before this reader starts (resume case); total is
// the expected final size, or 0 when unknown.
func NewReader(r io.Reader, offset, total int64, interval time.Duration, cb func(written, total int64)) *Reader {
	return &Reader{
		reader:     r,
		total:      total,
		offset:     offset,
		onProgress: cb,
		interval:   interval,
		now:        time.Now,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)

		if pr.onProgress != nil {
			now := pr.now()
			if pr.lastReport.IsZero() || now.Sub(pr.lastReport) >= pr.interval {
				pr.onProgress(pr.offset+pr.read, pr.total)
				pr.lastReport = now
			}
		}
	}

	if err == io.EOF && pr.onProgress != nil {
		// Final report so the caller always observes the last byte count.
		pr.onProgress(pr.offset+pr.read, pr.total)
	}

	return n, err
}

// BytesRead returns the number of bytes consumed through this reader,
// excluding any resume offset.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
