// Package dataset loads PaySim-style transaction ledgers from CSV.
package dataset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/opensource-finance/clovershield/internal/domain"
)

// ErrMissingColumn is returned when a required column is absent from the header.
var ErrMissingColumn = errors.New("missing required column")

// Corpus is a time-ordered ledger held in memory.
type Corpus struct {
	Records []domain.Transaction

	// Labelled is true when the source carried an isFraud column.
	Labelled bool

	// Skipped counts malformed rows that were dropped while reading.
	Skipped int
}

// Len returns the number of records.
func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Records)
}

// Tail returns the most recent n records. n <= 0 or n beyond the corpus
// size returns every record.
func (c *Corpus) Tail(n int) []domain.Transaction {
	if c == nil {
		return nil
	}
	if n <= 0 || n >= len(c.Records) {
		return c.Records
	}
	return c.Records[len(c.Records)-n:]
}

// Options controls corpus loading.
type Options struct {
	// MaxRows stops reading after this many valid rows. Zero reads everything.
	MaxRows int
}

var requiredColumns = []string{
	"step", "type", "amount",
	"nameorig", "oldbalanceorig", "newbalanceorig",
	"namedest", "oldbalancedest", "newbalancedest",
}

// columnAliases maps spellings found in the wild onto canonical lowercase names.
var columnAliases = map[string]string{
	"oldbalanceorg": "oldbalanceorig",
	"newbalanceorg": "newbalanceorig",
}

// Load reads a CSV ledger from path. Files ending in .gz are decompressed.
// The result is stably sorted by step.
func Load(path string, opts Options) (*Corpus, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer file.Close()

	var r io.Reader = bufio.NewReaderSize(file, 1<<16)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip corpus: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	corpus, err := Read(r, opts)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	slog.Info("corpus loaded",
		"path", path,
		"rows", corpus.Len(),
		"labelled", corpus.Labelled,
		"skipped", corpus.Skipped,
	)
	return corpus, nil
}

// Read parses a CSV ledger. Column names are matched case-insensitively.
func Read(r io.Reader, opts Options) (*Corpus, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		colIndex[name] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	fraudCol, labelled := colIndex["isfraud"]
	flaggedCol, hasFlagged := colIndex["isflaggedfraud"]

	corpus := &Corpus{Labelled: labelled}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			corpus.Skipped++
			continue
		}

		tx, err := parseRow(record, colIndex)
		if err != nil {
			corpus.Skipped++
			continue
		}
		if labelled {
			fraud := record[fraudCol] == "1"
			tx.IsFraud = &fraud
		}
		if hasFlagged {
			tx.IsFlaggedFraud = record[flaggedCol] == "1"
		}

		corpus.Records = append(corpus.Records, tx)
		if opts.MaxRows > 0 && len(corpus.Records) >= opts.MaxRows {
			break
		}
	}

	SortByStep(corpus.Records)
	return corpus, nil
}

// SortByStep orders records by step, keeping file order within a step.
func SortByStep(records []domain.Transaction) {
	slices.SortStableFunc(records, func(a, b domain.Transaction) int {
		return a.Step - b.Step
	})
}

func parseRow(record []string, col map[string]int) (domain.Transaction, error) {
	var (
		tx  domain.Transaction
		err error
	)
	if tx.Step, err = strconv.Atoi(record[col["step"]]); err != nil {
		return tx, err
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"amount", &tx.Amount},
		{"oldbalanceorig", &tx.OldBalanceOrig},
		{"newbalanceorig", &tx.NewBalanceOrig},
		{"oldbalancedest", &tx.OldBalanceDest},
		{"newbalancedest", &tx.NewBalanceDest},
	}
	for _, f := range floats {
		if *f.dst, err = strconv.ParseFloat(record[col[f.name]], 64); err != nil {
			return tx, fmt.Errorf("%s: %w", f.name, err)
		}
	}

	tx.Type = domain.TxType(strings.ToUpper(record[col["type"]]))
	tx.NameOrig = record[col["nameorig"]]
	tx.NameDest = record[col["namedest"]]
	return tx, nil
}
