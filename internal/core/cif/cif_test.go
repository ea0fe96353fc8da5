package cif

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCif = `data_1abc
#
_entry.id   1ABC
_cell.length_a 58.39
#
loop_
_atom_site.group_PDB
_atom_site.id
_atom_site.label_comp_id
_atom_site.auth_asym_id
_atom_site.auth_seq_id
ATOM 1 GLY A 10
ATOM 2 GLY A 10
ATOM 3 ALA A 11
HETATM 4 HOH B 201
#
`

func TestReadSections(t *testing.T) {
	f, err := Read(strings.NewReader(sampleCif))
	require.NoError(t, err)

	atomSite := f.Category("_atom_site")
	require.NotNil(t, atomSite)
	assert.Len(t, atomSite.Names, 5)
	assert.Len(t, atomSite.Rows, 4)
	assert.Equal(t, []string{"ATOM", "1", "GLY", "A", "10"}, atomSite.Rows[0])

	assert.Nil(t, f.Category("_no_such_category"))
}

func TestRoundTripPreservesContent(t *testing.T) {
	f, err := Read(strings.NewReader(sampleCif))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, f.Write(&out))

	// Reparse: same structure must come back.
	g, err := Read(strings.NewReader(out.String()))
	require.NoError(t, err)

	origAtoms := f.Category("_atom_site")
	reAtoms := g.Category("_atom_site")
	require.NotNil(t, reAtoms)
	assert.Equal(t, origAtoms.Names, reAtoms.Names)
	assert.Equal(t, origAtoms.Rows, reAtoms.Rows)
}

func TestSplitTokensQuoting(t *testing.T) {
	tokens := splitTokens(`ATOM 'C 1' "O' " plain`)
	assert.Equal(t, []string{"ATOM", "'C 1'", `"O' "`, "plain"}, tokens)

	assert.Equal(t, "C 1", Unquote("'C 1'"))
	assert.Equal(t, "plain", Unquote("plain"))
}

func TestReadSemicolonBlock(t *testing.T) {
	input := "data_x\n_struct.title\n;A long title\nspanning lines\n;\n"
	f, err := Read(strings.NewReader(input))
	require.NoError(t, err)

	var kv *Section
	for _, sec := range f.Sections {
		if sec.Raw == nil && !sec.Loop {
			kv = sec
		}
	}
	require.NotNil(t, kv)
	assert.Equal(t, []string{"_struct.title"}, kv.Names)
	assert.Contains(t, kv.Rows[0][0], "A long title")
}

func TestAddResidueAttribute(t *testing.T) {
	f, err := Read(strings.NewReader(sampleCif))
	require.NoError(t, err)

	scores := map[string]string{
		"A:10":  "0.50",
		"B:201": "-0.20",
		"Z:999": "0.99", // not in structure, must be dropped
	}

	n, err := AddResidueAttribute(f, "DAQ_score", scores)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	attr := f.Category("_DAQ_score")
	require.NotNil(t, attr)
	assert.Equal(t, []string{
		"_DAQ_score.chain_id",
		"_DAQ_score.residue_number",
		"_DAQ_score.value",
	}, attr.Names)

	// A:11 has no score, so there must be no row for it (not a zero).
	assert.Equal(t, [][]string{
		{"A", "10", "0.50"},
		{"B", "201", "-0.20"},
	}, attr.Rows)
}

func TestAddResidueAttributeNoAtomSite(t *testing.T) {
	f, err := Read(strings.NewReader("data_x\n_entry.id X\n"))
	require.NoError(t, err)

	_, err = AddResidueAttribute(f, "score", map[string]string{"A:1": "1.0"})
	assert.ErrorIs(t, err, ErrNoAtomSite)
}

func TestMergedOutputStillParsable(t *testing.T) {
	f, err := Read(strings.NewReader(sampleCif))
	require.NoError(t, err)

	_, err = AddResidueAttribute(f, "DAQ_score", map[string]string{"A:10": "0.50"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "annotated.cif")
	require.NoError(t, f.WriteFile(path))

	g, err := ReadFile(path)
	require.NoError(t, err)
	require.NotNil(t, g.Category("_atom_site"))

	attr := g.Category("_DAQ_score")
	require.NotNil(t, attr)
	assert.Equal(t, "0.50", attr.Rows[0][2])
}

func TestWriteDefattr(t *testing.T) {
	f, err := Read(strings.NewReader(sampleCif))
	require.NoError(t, err)

	_, err = AddResidueAttribute(f, "DAQ_score", map[string]string{"A:10": "0.50", "B:201": "-0.20"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), AttrFileName("DAQ_score"))
	require.NoError(t, WriteDefattr(path, "DAQ_score", f))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	expected := "attribute: DAQ_score\n" +
		"match mode: 1-to-1\n" +
		"recipient: residues\n" +
		"\t/A:10\t0.50\n" +
		"\t/B:201\t-0.20\n"
	assert.Equal(t, expected, string(content))
}

func TestFromPDB(t *testing.T) {
	pdb := strings.Join([]string{
		"HEADER    TEST",
		"ATOM      1  N   GLY A  10      11.104   6.134  -6.504  1.00  0.50           N",
		"ATOM      2  CA  GLY A  10      11.639   6.071  -5.147  1.00  0.50           C",
		"ATOM      3  N   ALA A  11      10.430   4.964  -3.375  1.00  0.30           N",
		"TER",
		"END",
	}, "\n")

	path := filepath.Join(t.TempDir(), "model.pdb")
	require.NoError(t, os.WriteFile(path, []byte(pdb), 0644))

	f, err := FromPDB(path)
	require.NoError(t, err)

	atomSite := f.Category("_atom_site")
	require.NotNil(t, atomSite)
	assert.Len(t, atomSite.Rows, 3)

	chainIdx, seqIdx, err := residueColumns(atomSite)
	require.NoError(t, err)
	assert.Equal(t, "A", atomSite.Rows[0][chainIdx])
	assert.Equal(t, "10", atomSite.Rows[0][seqIdx])

	// Conversion output must merge like a native cif file.
	n, err := AddResidueAttribute(f, "score", map[string]string{"A:10": "0.50", "A:11": "0.30"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLoadStructureUnsupported(t *testing.T) {
	_, err := LoadStructure("model.docx")
	assert.Error(t, err)
}
