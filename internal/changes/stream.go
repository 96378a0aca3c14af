package changes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/rpattn/ddfstore/internal/errors"
)

const maxLineSize = 16 << 20

// ReadStream decodes a newline-delimited diff stream into out. Blank lines are
// skipped. ReadStream closes out when it returns.
func ReadStream(ctx context.Context, r io.Reader, out chan<- *Descriptor) error {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errors.Wrapf(err, "diff line %d", line)
		}
		select {
		case out <- New(rec):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read diff stream")
	}
	return nil
}

// ReadAll decodes the whole stream, keeping only records accepted by keep.
func ReadAll(ctx context.Context, r io.Reader, keep func(*Descriptor) bool) ([]*Descriptor, error) {
	out := make(chan *Descriptor, 64)
	errc := make(chan error, 1)
	go func() { errc <- ReadStream(ctx, r, out) }()

	var all []*Descriptor
	for d := range out {
		if keep == nil || keep(d) {
			all = append(all, d)
		}
	}
	return all, <-errc
}
