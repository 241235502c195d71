package feed

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// maxLine bounds one JSON Lines record. Initial fetches can be large.
const maxLine = 64 << 20

// ReadBatches decodes one batch per non-blank line of r and hands it to
// fn in order. An unparseable line is handed over as an Unusable Decoded
// whose only rejection names the line, and reading continues. It stops at
// the first fn error.
func ReadBatches(r io.Reader, fn func(Decoded) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec, err := DecodeBatch(raw)
		if err != nil {
			dec = Decoded{Rejected: []RecordError{{Index: WholeBatch, Err: fmt.Errorf("line %d: %w", line, err)}}}
		}
		if err := fn(dec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read batches: %w", err)
	}
	return nil
}
