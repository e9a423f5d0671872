package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// Diseases lists the ChestX-ray14 findings in label-index order
var Diseases = []string{
	"Atelectasis", "Cardiomegaly", "Effusion", "Infiltration", "Mass", "Nodule", "Pneumonia",
	"Pneumothorax", "Consolidation", "Edema", "Emphysema", "Fibrosis", "Pleural_Thickening", "Hernia",
}

var (
	// ErrUnknownDisease is returned for a finding name outside Diseases
	ErrUnknownDisease = errors.New("unknown disease")
	// ErrNoPositives is returned when balancing a table without positive cases
	ErrNoPositives = errors.New("no positive observations")
)

// DiseaseIndex returns the label index of a finding, case-insensitively
func DiseaseIndex(name string) (int, error) {
	for i, d := range Diseases {
		if strings.EqualFold(d, strings.TrimSpace(name)) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownDisease, name)
}

// Record is one row of a pre-split table
type Record struct {
	Image    string // file name relative to the image folder
	Findings []int  // disease indices; empty for "No Finding"
	Label    int    // binary target, set by MultiLabelToBinary
}

// ChestXRayDataset is an in-memory table of image records
type ChestXRayDataset struct {
	records []Record
	binary  bool
}

// CSVOptions selects the columns read by LoadCSV
type CSVOptions struct {
	ImageColumn string // default "Image Index"
	// LabelColumn defaults to "Label" and falls back to "Finding Labels"
	LabelColumn string
}

// NewChestXRayDataset wraps records. The slice is not copied.
func NewChestXRayDataset(records []Record) *ChestXRayDataset {
	return &ChestXRayDataset{records: records}
}

// LoadCSV reads a table from path
func LoadCSV(path string, opts CSVOptions) (*ChestXRayDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	ds, err := ReadCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ReadCSV parses a table with a header row
func ReadCSV(r io.Reader, opts CSVOptions) (*ChestXRayDataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	imageCol := findColumn(header, opts.ImageColumn, "Image Index")
	if imageCol < 0 {
		return nil, fmt.Errorf("image column not found in header %v", header)
	}
	labelCol := findColumn(header, opts.LabelColumn, "Label", "Finding Labels")
	if labelCol < 0 {
		return nil, fmt.Errorf("label column not found in header %v", header)
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if imageCol >= len(row) || labelCol >= len(row) {
			return nil, fmt.Errorf("line %d: expected at least %d columns, got %d", line, max(imageCol, labelCol)+1, len(row))
		}

		findings, err := ParseFindings(row[labelCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, Record{Image: strings.TrimSpace(row[imageCol]), Findings: findings})
	}

	return &ChestXRayDataset{records: records}, nil
}

func findColumn(header []string, names ...string) int {
	for _, name := range names {
		if name == "" {
			continue
		}
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
	}
	return -1
}

// ParseFindings parses a label cell: either space-separated disease indices
// ("3 10") or '|'-separated names ("Effusion|Emphysema"). "No Finding" and
// empty cells yield no findings.
func ParseFindings(cell string) ([]int, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" || strings.EqualFold(cell, "No Finding") {
		return nil, nil
	}

	var findings []int
	if strings.Contains(cell, "|") || !isNumeric(cell) {
		for _, name := range strings.Split(cell, "|") {
			if strings.EqualFold(strings.TrimSpace(name), "No Finding") {
				continue
			}
			idx, err := DiseaseIndex(name)
			if err != nil {
				return nil, err
			}
			findings = append(findings, idx)
		}
		return findings, nil
	}

	for _, tok := range strings.Fields(cell) {
		idx, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid label index %q: %w", tok, err)
		}
		if idx < 0 || idx >= len(Diseases) {
			return nil, fmt.Errorf("label index %d out of range [0, %d)", idx, len(Diseases))
		}
		findings = append(findings, idx)
	}
	return findings, nil
}

func isNumeric(s string) bool {
	for _, tok := range strings.Fields(s) {
		if _, err := strconv.Atoi(tok); err != nil {
			return false
		}
	}
	return true
}

// Len returns the number of records
func (d *ChestXRayDataset) Len() int {
	return len(d.records)
}

// Record returns the record at index
func (d *ChestXRayDataset) Record(index int) Record {
	return d.records[index]
}

// GetItem returns the image file name and binary label at the given index
func (d *ChestXRayDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.records) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.records))
	}
	return d.records[index].Image, d.records[index].Label, nil
}

// IsBinary reports whether labels have been binarized
func (d *ChestXRayDataset) IsBinary() bool {
	return d.binary
}

// MultiLabelToBinary returns a copy whose Label is 1 when the record has the
// finding diseaseIdx and 0 otherwise
func (d *ChestXRayDataset) MultiLabelToBinary(diseaseIdx int) (*ChestXRayDataset, error) {
	if diseaseIdx < 0 || diseaseIdx >= len(Diseases) {
		return nil, fmt.Errorf("disease index %d out of range [0, %d)", diseaseIdx, len(Diseases))
	}

	out := &ChestXRayDataset{records: make([]Record, len(d.records)), binary: true}
	for i, r := range d.records {
		r.Label = 0
		for _, f := range r.Findings {
			if f == diseaseIdx {
				r.Label = 1
				break
			}
		}
		out.records[i] = r
	}
	return out, nil
}

// CountPositive returns the number of records with Label 1
func (d *ChestXRayDataset) CountPositive() int {
	n := 0
	for _, r := range d.records {
		if r.Label == 1 {
			n++
		}
	}
	return n
}

// BalanceObs samples amt/2 positive and amt/2 negative records without
// replacement and returns them shuffled. Each half is capped by what is
// available.
func (d *ChestXRayDataset) BalanceObs(amt int, rng *rand.Rand) (*ChestXRayDataset, error) {
	if amt <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amt)
	}

	var pos, neg []int
	for i, r := range d.records {
		if r.Label == 1 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}
	if len(pos) == 0 {
		return nil, ErrNoPositives
	}

	half := amt / 2
	picked := append(sample(pos, half, rng), sample(neg, half, rng)...)
	out := d.Subset(picked)
	out.Shuffle(rng)
	return out, nil
}

func sample(indices []int, n int, rng *rand.Rand) []int {
	if n > len(indices) {
		n = len(indices)
	}
	perm := rng.Perm(len(indices))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = indices[perm[i]]
	}
	return out
}

// Shuffle permutes the records in place
func (d *ChestXRayDataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.records), func(i, j int) {
		d.records[i], d.records[j] = d.records[j], d.records[i]
	})
}

// Subset creates a subset of the dataset with the specified indices
func (d *ChestXRayDataset) Subset(indices []int) *ChestXRayDataset {
	subset := &ChestXRayDataset{records: make([]Record, len(indices)), binary: d.binary}
	for i, idx := range indices {
		subset.records[i] = d.records[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *ChestXRayDataset) String() string {
	if d.binary {
		pos := d.CountPositive()
		return fmt.Sprintf("ChestXRayDataset: %d samples (%d positive, %d negative)", len(d.records), pos, len(d.records)-pos)
	}
	return fmt.Sprintf("ChestXRayDataset: %d samples, %d classes", len(d.records), len(Diseases))
}
