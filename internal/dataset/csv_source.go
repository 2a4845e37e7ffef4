package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

const validationFile = "test.csv"

// LoadCSVSource reads a partition directory laid out as
// <root>/<split>/<client>.csv with an optional <root>/test.csv validation
// set. Each row is the integer label followed by the features. Clients are
// ordered by file name.
func LoadCSVSource(root, split string) (*MemorySource, error) {
	dir := filepath.Join(root, split)
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions in %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no client partitions found in %s", dir)
	}
	sort.Strings(files)

	var source *MemorySource
	for _, file := range files {
		samples, err := readCSV(file)
		if err != nil {
			return nil, err
		}
		if len(samples) == 0 {
			return nil, fmt.Errorf("partition %s is empty", file)
		}
		if source == nil {
			source = NewMemorySource(len(samples[0].Features))
		}
		key := strings.TrimSuffix(filepath.Base(file), ".csv")
		if err := source.AddClient(key, samples); err != nil {
			return nil, err
		}
	}

	samples, err := readCSV(filepath.Join(root, validationFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := source.SetValidation(samples); err != nil {
			return nil, err
		}
	}

	return source, nil
}

func readCSV(path string) ([]tensor.Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	var samples []tensor.Sample
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("%s:%d: expected a label and at least one feature", path, line)
		}

		label, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label %q", path, line, record[0])
		}
		features := make([]float64, len(record)-1)
		for j, field := range record[1:] {
			features[j], err = strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: invalid feature %q", path, line, field)
			}
		}
		samples = append(samples, tensor.Sample{Features: features, Label: label})
	}
	return samples, nil
}
