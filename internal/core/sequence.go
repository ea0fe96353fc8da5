package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// StageSequence copies a FASTA sequence file verbatim into a run-local
// path. The source is validated only far enough to catch obviously wrong
// inputs: the first non-blank line must be a FASTA header. Anything else is
// an input-conversion error, fatal before the predictor is launched.
func StageSequence(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open sequence file %s: %w", src, err)
	}
	defer in.Close()

	scanner := bufio.NewScanner(in)
	valid := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		valid = strings.HasPrefix(line, ">")
		break
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading sequence file %s: %w", src, err)
	}
	if !valid {
		return fmt.Errorf("sequence file %s is not in FASTA format", src)
	}

	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind sequence file %s: %w", src, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create sequence copy %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy sequence file to %s: %w", dst, err)
	}
	return nil
}
