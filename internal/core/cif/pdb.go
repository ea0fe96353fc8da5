package cif

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// atomSiteNames is the column set we emit when converting a PDB file. It
// carries both label_* and auth_* identifiers so downstream residue
// alignment works regardless of which set a reader prefers.
var atomSiteNames = []string{
	"_atom_site.group_PDB",
	"_atom_site.id",
	"_atom_site.type_symbol",
	"_atom_site.label_atom_id",
	"_atom_site.label_alt_id",
	"_atom_site.label_comp_id",
	"_atom_site.label_asym_id",
	"_atom_site.label_seq_id",
	"_atom_site.pdbx_PDB_ins_code",
	"_atom_site.Cartn_x",
	"_atom_site.Cartn_y",
	"_atom_site.Cartn_z",
	"_atom_site.occupancy",
	"_atom_site.B_iso_or_equiv",
	"_atom_site.auth_seq_id",
	"_atom_site.auth_asym_id",
}

// pdbField extracts a fixed-column field, tolerating short lines.
func pdbField(line string, start, end int) string {
	if len(line) < start {
		return ""
	}
	if len(line) < end {
		end = len(line)
	}
	return strings.TrimSpace(line[start:end])
}

// orDot substitutes the cif null token for empty fields.
func orDot(s string) string {
	if s == "" {
		return "."
	}
	return s
}

// FromPDB converts a fixed-column PDB coordinate file into a low-level cif
// dictionary holding a single _atom_site table. Non-coordinate records are
// ignored; this is a structural conversion for attribute merging, not a
// full format translation.
func FromPDB(path string) (*File, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdb file %s: %w", path, err)
	}
	defer fp.Close()

	block := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	f := &File{}
	f.appendRawLine("data_" + block)
	f.appendRawLine("#")

	var rows [][]string
	scanner := bufio.NewScanner(fp)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "ATOM") && !strings.HasPrefix(line, "HETATM") {
			continue
		}
		if len(line) < 54 {
			continue
		}

		group := "ATOM"
		if strings.HasPrefix(line, "HETATM") {
			group = "HETATM"
		}

		chain := pdbField(line, 21, 22)
		resSeq := pdbField(line, 22, 26)

		rows = append(rows, []string{
			group,
			orDot(pdbField(line, 6, 11)),  // id
			orDot(pdbField(line, 76, 78)), // type_symbol
			orDot(pdbField(line, 12, 16)), // atom name
			orDot(pdbField(line, 16, 17)), // alt loc
			orDot(pdbField(line, 17, 20)), // residue name
			orDot(chain),
			orDot(resSeq),
			orDot(pdbField(line, 26, 27)), // insertion code
			orDot(pdbField(line, 30, 38)), // x
			orDot(pdbField(line, 38, 46)), // y
			orDot(pdbField(line, 46, 54)), // z
			orDot(pdbField(line, 54, 60)), // occupancy
			orDot(pdbField(line, 60, 66)), // b factor
			orDot(resSeq),
			orDot(chain),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading pdb file %s: %w", path, err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("pdb file %s contains no atom records", path)
	}

	f.Sections = append(f.Sections, &Section{Loop: true, Names: atomSiteNames, Rows: rows})
	return f, nil
}

// LoadStructure reads a structure file in either supported format into the
// low-level dictionary representation. The format is chosen by extension:
// .cif/.mmcif are parsed directly, .pdb/.ent are converted.
func LoadStructure(path string) (*File, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cif", ".mmcif":
		return ReadFile(path)
	case ".pdb", ".ent":
		return FromPDB(path)
	default:
		return nil, fmt.Errorf("unsupported structure format: %s", path)
	}
}
