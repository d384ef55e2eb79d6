package progress

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestReader_ReportsThrottledProgress(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var reports [][2]int64
	pr := NewReader(bytes.NewReader(data), 0, 1000, time.Hour, func(written, total int64) {
		reports = append(reports, [2]int64{written, total})
	})

	// Fake clock: time never advances, so only the first read and the final
	// EOF report should fire.
	base := time.Unix(0, 0)
	pr.now = func() time.Time { return base }

	buf := make([]byte, 100)
	for {
		if _, err := pr.Read(buf); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
	}

	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2 (first read + EOF)", len(reports))
	}

	final := reports[len(reports)-1]
	if final[0] != 1000 || final[1] != 1000 {
		t.Errorf("final report = %v, want [1000 1000]", final)
	}

	if pr.BytesRead() != 1000 {
		t.Errorf("BytesRead() = %d, want 1000", pr.BytesRead())
	}
}

func TestReader_IncludesResumeOffset(t *testing.T) {
	data := []byte("remaining")

	var last int64
	pr := NewReader(bytes.NewReader(data), 400, 409, 0, func(written, total int64) {
		last = written
	})

	if _, err := io.Copy(io.Discard, pr); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}

	if last != 409 {
		t.Errorf("last reported written = %d, want 409 (offset + read)", last)
	}
}

func TestReader_MonotonicReports(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 500)

	var prev int64 = -1
	pr := NewReader(bytes.NewReader(data), 0, 500, 0, func(written, total int64) {
		if written < prev {
			t.Errorf("progress went backwards: %d after %d", written, prev)
		}
		prev = written
	})

	if _, err := io.Copy(io.Discard, pr); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
}
