package cif

import (
	"bufio"
	"errors"
	"fmt"
	"os"
)

// ErrNoAtomSite is returned when the structure file has no _atom_site
// table to align residue scores against.
var ErrNoAtomSite = errors.New("cif file has no _atom_site category")

// residueColumns locates the chain and residue-number columns of an
// _atom_site table. The auth_* columns are what coordinate-derived score
// keys refer to; label_* columns are the fallback for minimal files.
func residueColumns(atomSite *Section) (chainIdx, seqIdx int, err error) {
	index := func(candidates ...string) int {
		for _, candidate := range candidates {
			for i, name := range atomSite.Names {
				if name == candidate {
					return i
				}
			}
		}
		return -1
	}

	chainIdx = index("_atom_site.auth_asym_id", "_atom_site.label_asym_id")
	seqIdx = index("_atom_site.auth_seq_id", "_atom_site.label_seq_id")
	if chainIdx < 0 || seqIdx < 0 {
		return 0, 0, fmt.Errorf("_atom_site table lacks chain or residue columns")
	}
	return chainIdx, seqIdx, nil
}

// AddResidueAttribute appends a new per-residue attribute category to the
// dictionary. Rows align on (chain, residue number) against the file's own
// _atom_site table, in file order, one row per residue. Residues without a
// score produce no row at all; score keys that match no residue in the
// structure are dropped. Returns the number of residues annotated.
//
// Score keys use the "<chain>:<resnum>" scheme of the scores package.
func AddResidueAttribute(f *File, attrName string, residueScores map[string]string) (int, error) {
	atomSite := f.Category("_atom_site")
	if atomSite == nil {
		return 0, ErrNoAtomSite
	}

	chainIdx, seqIdx, err := residueColumns(atomSite)
	if err != nil {
		return 0, err
	}

	category := "_" + attrName
	names := []string{
		category + ".chain_id",
		category + ".residue_number",
		category + ".value",
	}

	var rows [][]string
	seen := map[string]bool{}
	for _, row := range atomSite.Rows {
		chain := Unquote(row[chainIdx])
		seq := Unquote(row[seqIdx])
		key := chain + ":" + seq
		if seen[key] {
			continue
		}
		seen[key] = true

		value, ok := residueScores[key]
		if !ok {
			continue
		}
		rows = append(rows, []string{chain, seq, value})
	}

	f.AppendLoop(names, rows)
	return len(rows), nil
}

// WriteDefattr writes the ChimeraX attribute sidecar for an attribute
// category previously added with AddResidueAttribute, so the annotated
// model can be colored per residue in the visualizer.
func WriteDefattr(path, attrName string, f *File) error {
	category := f.Category("_" + attrName)
	if category == nil {
		return fmt.Errorf("attribute category _%s not present in cif file", attrName)
	}

	fp, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create defattr file %s: %w", path, err)
	}
	defer fp.Close()

	w := bufio.NewWriter(fp)
	fmt.Fprintf(w, "attribute: %s\n", attrName)
	fmt.Fprintf(w, "match mode: 1-to-1\n")
	fmt.Fprintf(w, "recipient: residues\n")
	for _, row := range category.Rows {
		chain, seq, value := row[0], row[1], row[2]
		fmt.Fprintf(w, "\t/%s:%s\t%s\n", chain, seq, value)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write defattr file %s: %w", path, err)
	}
	return nil
}

// AttrFileName is the conventional sidecar name for an attribute.
func AttrFileName(attrName string) string {
	return attrName + ".defattr"
}
