package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

var historyLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"20060102150405",
	"200601021504",
	"2006-01-02",
}

// HistoryStats summarises a history import.
type HistoryStats struct {
	Rows         int
	Measurements int
	Skipped      int
}

type historyColumn struct {
	date   int
	result int
}

// LoadHistory imports a historical measurement export with a header of the form
// mrn,creatinine_date_0,creatinine_result_0,creatinine_date_1,... Empty cells and
// unparsable pairs are skipped. Only storage failures abort the import.
func LoadHistory(ctx context.Context, r io.Reader, store Store) (HistoryStats, error) {
	var stats HistoryStats

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return stats, fmt.Errorf("geçmiş başlığı okunamadı: %w", err)
	}

	mrnCol, columns, err := historyColumns(header)
	if err != nil {
		return stats, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("geçmiş satırı okunamadı: %w", err)
		}
		stats.Rows++

		mrn := cell(record, mrnCol)
		if mrn == "" {
			stats.Skipped++
			continue
		}

		for _, col := range columns {
			rawDate, rawValue := cell(record, col.date), cell(record, col.result)
			if rawDate == "" || rawValue == "" {
				continue
			}

			ts, ok := parseHistoryTime(rawDate)
			value, verr := strconv.ParseFloat(rawValue, 64)
			if !ok || verr != nil {
				slog.Warn("Geçmiş ölçümü atlandı", "mrn", mrn, "date", rawDate, "value", rawValue)
				stats.Skipped++
				continue
			}

			if err := store.UpsertMeasurement(ctx, mrn, value, ts); err != nil {
				if errors.Is(err, ErrHistoryFull) {
					slog.Warn("Geçmiş ölçümü için yer yok", "mrn", mrn, "error", err)
					stats.Skipped++
					continue
				}
				return stats, fmt.Errorf("geçmiş ölçümü kaydedilemedi: %w", err)
			}
			stats.Measurements++
		}
	}

	return stats, nil
}

func historyColumns(header []string) (int, []historyColumn, error) {
	mrnCol := -1
	dates := make(map[string]int)
	results := make(map[string]int)
	var order []string

	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		switch {
		case name == "mrn":
			mrnCol = i
		case strings.HasPrefix(name, "creatinine_date_"):
			suffix := strings.TrimPrefix(name, "creatinine_date_")
			dates[suffix] = i
			order = append(order, suffix)
		case strings.HasPrefix(name, "creatinine_result_"):
			results[strings.TrimPrefix(name, "creatinine_result_")] = i
		}
	}

	if mrnCol == -1 {
		return 0, nil, errors.New("geçmiş dosyasında mrn sütunu yok")
	}

	columns := make([]historyColumn, 0, len(order))
	for _, suffix := range order {
		result, ok := results[suffix]
		if !ok {
			continue
		}
		columns = append(columns, historyColumn{date: dates[suffix], result: result})
	}
	return mrnCol, columns, nil
}

func parseHistoryTime(s string) (time.Time, bool) {
	for _, layout := range historyLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func cell(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
