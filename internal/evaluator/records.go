package evaluator

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/jpalmerr/pulsequery/query"
)

// maxLineBytes caps a single record line.
const maxLineBytes = 1 << 20

// ReadRecords decodes one JSON object per line.
//
// Blank lines are ignored. Lines that are not JSON objects are skipped and
// counted in skipped. err is only set when reading itself fails, including
// a line longer than 1 MiB.
func ReadRecords(r io.Reader) (records []query.Record, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := query.DecodeRecord(line)
		if err != nil || rec == nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, skipped, fmt.Errorf("read records: %w", err)
	}
	return records, skipped, nil
}

// ReadFile reads the records of one file.
func ReadFile(path string) ([]query.Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ReadRecords(f)
}
