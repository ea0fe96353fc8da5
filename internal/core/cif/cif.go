// Package cif reads and writes mmCIF files at the dictionary level: named
// categories of items and loop tables, kept in file order, without any
// semantic interpretation of the contents. This is enough to copy a
// structure file while appending a new category, which is all the pipeline
// needs; nothing here validates the structure itself.
package cif

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Section is one run of an mmCIF file: either verbatim lines we pass
// through untouched (comments, the data_ header, blank lines), a run of
// key-value items, or a loop_ table.
type Section struct {
	// Raw, when non-nil, holds lines emitted exactly as read.
	Raw []string

	// Loop distinguishes a loop_ table from a key-value run.
	Loop bool

	// Names are full item names such as "_atom_site.id".
	Names []string

	// Rows hold the values: one row per loop record, or a single row
	// parallel to Names for a key-value run. Values keep their original
	// quoting so they round-trip.
	Rows [][]string
}

// File is the parsed low-level representation of one mmCIF file.
type File struct {
	Sections []*Section
}

// Category returns the first loop section whose item names belong to the
// given category (e.g. "_atom_site"), or nil if there is none.
func (f *File) Category(name string) *Section {
	prefix := name + "."
	for _, sec := range f.Sections {
		if sec.Raw != nil || !sec.Loop || len(sec.Names) == 0 {
			continue
		}
		if strings.HasPrefix(sec.Names[0], prefix) {
			return sec
		}
	}
	return nil
}

// AppendLoop adds a new loop table at the end of the file.
func (f *File) AppendLoop(names []string, rows [][]string) {
	f.Sections = append(f.Sections,
		&Section{Raw: []string{"#"}},
		&Section{Loop: true, Names: names, Rows: rows},
	)
}

// ReadFile parses path as a low-level mmCIF dictionary.
func ReadFile(path string) (*File, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cif file %s: %w", path, err)
	}
	defer fp.Close()

	parsed, err := Read(fp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cif file %s: %w", path, err)
	}
	return parsed, nil
}

type parser struct {
	lines []string
	pos   int
}

// Read parses an mmCIF document into sections.
func Read(r io.Reader) (*File, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading cif input: %w", err)
	}

	p := &parser{lines: lines}
	f := &File{}

	for p.pos < len(p.lines) {
		line := p.lines[p.pos]
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "data_"):
			f.appendRawLine(line)
			p.pos++

		case trimmed == "loop_":
			p.pos++
			sec, err := p.parseLoop()
			if err != nil {
				return nil, err
			}
			f.Sections = append(f.Sections, sec)

		case strings.HasPrefix(trimmed, "_"):
			sec, err := p.parseKeyValues()
			if err != nil {
				return nil, err
			}
			f.Sections = append(f.Sections, sec)

		default:
			// Unrecognized content (stray tokens, global_, save_ frames)
			// passes through untouched.
			f.appendRawLine(line)
			p.pos++
		}
	}

	return f, nil
}

func (f *File) appendRawLine(line string) {
	n := len(f.Sections)
	if n > 0 && f.Sections[n-1].Raw != nil {
		f.Sections[n-1].Raw = append(f.Sections[n-1].Raw, line)
		return
	}
	f.Sections = append(f.Sections, &Section{Raw: []string{line}})
}

func (p *parser) parseLoop() (*Section, error) {
	sec := &Section{Loop: true}

	for p.pos < len(p.lines) {
		trimmed := strings.TrimSpace(p.lines[p.pos])
		if !strings.HasPrefix(trimmed, "_") {
			break
		}
		// A name line may carry only the item name; values start after the
		// header block.
		fields := strings.Fields(trimmed)
		sec.Names = append(sec.Names, fields[0])
		p.pos++
	}
	if len(sec.Names) == 0 {
		return nil, fmt.Errorf("loop_ without item names at line %d", p.pos+1)
	}

	var row []string
	for p.pos < len(p.lines) {
		trimmed := strings.TrimSpace(p.lines[p.pos])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "_") || trimmed == "loop_" ||
			strings.HasPrefix(trimmed, "data_") {
			break
		}

		values, err := p.parseValues()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			row = append(row, v)
			if len(row) == len(sec.Names) {
				sec.Rows = append(sec.Rows, row)
				row = nil
			}
		}
	}
	if len(row) != 0 {
		return nil, fmt.Errorf("loop table with %d columns has a partial row of %d values", len(sec.Names), len(row))
	}

	return sec, nil
}

func (p *parser) parseKeyValues() (*Section, error) {
	sec := &Section{Rows: [][]string{nil}}

	for p.pos < len(p.lines) {
		trimmed := strings.TrimSpace(p.lines[p.pos])
		if !strings.HasPrefix(trimmed, "_") {
			break
		}

		tokens := splitTokens(trimmed)
		name := tokens[0]
		p.pos++

		var value string
		switch len(tokens) {
		case 1:
			// Value on the following line, possibly a semicolon block.
			values, err := p.parseValues()
			if err != nil {
				return nil, err
			}
			if len(values) != 1 {
				return nil, fmt.Errorf("expected single value for item %s, got %d", name, len(values))
			}
			value = values[0]
		case 2:
			value = tokens[1]
		default:
			return nil, fmt.Errorf("unexpected trailing values for item %s", name)
		}

		sec.Names = append(sec.Names, name)
		sec.Rows[0] = append(sec.Rows[0], value)
	}

	return sec, nil
}

// parseValues consumes one line of values, or one semicolon-delimited text
// block, advancing the parser.
func (p *parser) parseValues() ([]string, error) {
	line := p.lines[p.pos]

	if strings.HasPrefix(line, ";") {
		var block []string
		block = append(block, line)
		p.pos++
		for p.pos < len(p.lines) {
			l := p.lines[p.pos]
			block = append(block, l)
			p.pos++
			if strings.HasPrefix(l, ";") {
				return []string{strings.Join(block, "\n")}, nil
			}
		}
		return nil, fmt.Errorf("unterminated text block starting at %q", line)
	}

	p.pos++
	return splitTokens(strings.TrimSpace(line)), nil
}

// splitTokens splits a cif line into whitespace-separated values, keeping
// quoted values (and their quotes) intact.
func splitTokens(line string) []string {
	var tokens []string
	i := 0
	for i < len(line) {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			break
		}

		if line[i] == '\'' || line[i] == '"' {
			quote := line[i]
			j := i + 1
			for j < len(line) {
				// A closing quote counts only when followed by whitespace
				// or end of line.
				if line[j] == quote && (j+1 >= len(line) || line[j+1] == ' ' || line[j+1] == '\t') {
					break
				}
				j++
			}
			if j < len(line) {
				tokens = append(tokens, line[i:j+1])
				i = j + 1
				continue
			}
			// Unterminated quote: fall through and treat as a bare token.
		}

		j := i
		for j < len(line) && line[j] != ' ' && line[j] != '\t' {
			j++
		}
		tokens = append(tokens, line[i:j])
		i = j
	}
	return tokens
}

// Unquote strips the surrounding cif quotes from a value, if any.
func Unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '\'' && value[len(value)-1] == '\'') ||
			(value[0] == '"' && value[len(value)-1] == '"') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// WriteFile serializes the dictionary back to disk.
func (f *File) WriteFile(path string) error {
	fp, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create cif file %s: %w", path, err)
	}
	defer fp.Close()

	w := bufio.NewWriter(fp)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write cif file %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush cif file %s: %w", path, err)
	}
	return nil
}

// Write serializes the dictionary. Raw sections are emitted verbatim;
// key-value and loop sections are re-emitted with canonical spacing, which
// readers of the format accept interchangeably.
func (f *File) Write(w io.Writer) error {
	for _, sec := range f.Sections {
		if sec.Raw != nil {
			for _, line := range sec.Raw {
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}
			continue
		}

		if sec.Loop {
			if _, err := fmt.Fprintln(w, "loop_"); err != nil {
				return err
			}
			for _, name := range sec.Names {
				if _, err := fmt.Fprintln(w, name); err != nil {
					return err
				}
			}
			for _, row := range sec.Rows {
				if err := writeRow(w, row); err != nil {
					return err
				}
			}
			continue
		}

		width := 0
		for _, name := range sec.Names {
			if len(name) > width {
				width = len(name)
			}
		}
		for i, name := range sec.Names {
			value := sec.Rows[0][i]
			if strings.HasPrefix(value, ";") {
				if _, err := fmt.Fprintf(w, "%s\n%s\n", name, value); err != nil {
					return err
				}
				continue
			}
			if _, err := fmt.Fprintf(w, "%-*s %s\n", width, name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeRow(w io.Writer, row []string) error {
	for i, value := range row {
		if strings.HasPrefix(value, ";") {
			// Text blocks occupy their own lines within a row.
			sep := "\n"
			if i == 0 {
				sep = ""
			}
			if _, err := fmt.Fprintf(w, "%s%s\n", sep, value); err != nil {
				return err
			}
			continue
		}
		sep := " "
		if i == 0 {
			sep = ""
		}
		if _, err := fmt.Fprintf(w, "%s%s", sep, value); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
