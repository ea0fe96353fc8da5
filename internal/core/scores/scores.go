// Package scores parses the per-residue confidence scores that the
// predictor reports in the B-factor column of its output coordinate file.
package scores

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Fixed column offsets of the PDB coordinate format. The chain id is a
// single character, the residue sequence number and score are character
// ranges that may contain padding spaces.
const (
	chainCol     = 21
	resSeqStart  = 22
	resSeqEnd    = 26
	scoreStart   = 60
	scoreEnd     = 66
	minRecordLen = scoreEnd
)

// ResidueKey identifies a residue as "<chain>:<resSeq>", e.g. "A:10". This
// matches the specifier syntax ChimeraX uses, so keys can be passed through
// to attribute files unchanged.
func ResidueKey(chain, resSeq string) string {
	return chain + ":" + resSeq
}

// ScoreMap maps a residue key to its score. Scores are kept as the trimmed
// text of the fixed-width source field; converting to float and back would
// change the formatting the predictor chose.
type ScoreMap map[string]string

// ParseFile reads a predictor output file from disk. See Parse.
func ParseFile(path string) (ScoreMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open score file %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse extracts one score per residue from a fixed-column coordinate file.
// Only ATOM and HETATM records are considered; everything else in the file
// (headers, TER records, trailing junk) is skipped without error. The score
// of a residue is taken from its first atom record, so a residue with N
// atoms contributes exactly one entry. Residues that have no atom records
// simply do not appear in the result; callers must treat a missing key as
// "no score", not as zero.
func Parse(r io.Reader) (ScoreMap, error) {
	result := ScoreMap{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "ATOM") && !strings.HasPrefix(line, "HETATM") {
			continue
		}
		if len(line) < minRecordLen {
			continue
		}

		chain := strings.TrimSpace(line[chainCol : chainCol+1])
		resSeq := strings.TrimSpace(line[resSeqStart:resSeqEnd])
		key := ResidueKey(chain, resSeq)

		if _, seen := result[key]; seen {
			continue
		}
		result[key] = strings.TrimSpace(line[scoreStart:scoreEnd])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading score file: %w", err)
	}

	return result, nil
}
