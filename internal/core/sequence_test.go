package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageSequence(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input.fasta")
	dst := filepath.Join(dir, "staged.fasta")

	content := "\n>chain A description\nMKVLAT\nGHIKLM\n"
	require.NoError(t, os.WriteFile(src, []byte(content), 0644))

	require.NoError(t, StageSequence(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, string(data), "sequence is copied verbatim, header position included")
}

func TestStageSequenceRejectsNonFasta(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input.txt")
	dst := filepath.Join(dir, "staged.fasta")

	require.NoError(t, os.WriteFile(src, []byte("MKVLAT\n"), 0644))

	err := StageSequence(src, dst)
	require.Error(t, err)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "no output is written for invalid input")
}

func TestStageSequenceRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty.fasta")

	require.NoError(t, os.WriteFile(src, nil, 0644))

	assert.Error(t, StageSequence(src, filepath.Join(dir, "out.fasta")))
}

func TestStageSequenceMissingSource(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, StageSequence(filepath.Join(dir, "nope.fasta"), filepath.Join(dir, "out.fasta")))
}
