package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"revshare/services/revshared/config"
	"revshare/services/revshared/domain"
)

// Supported report formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Writer renders a period's revenue share records for finance reconciliation.
type Writer struct {
	dir     string
	formats []string
	logger  *slog.Logger
}

// NewWriter builds a report writer rooted at dir. No formats means both.
func NewWriter(dir string, formats []string, logger *slog.Logger) (*Writer, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("export: directory required")
	}
	if len(formats) == 0 {
		formats = []string{FormatCSV, FormatParquet}
	}
	normalised := make([]string, 0, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		switch f {
		case FormatCSV, FormatParquet:
			normalised = append(normalised, f)
		default:
			return nil, fmt.Errorf("export: unsupported format %q", f)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, formats: normalised, logger: logger}, nil
}

// FromConfig builds a writer from the export section. It returns nil when no
// directory is configured.
func FromConfig(cfg config.ExportConfig, logger *slog.Logger) (*Writer, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, nil
	}
	return NewWriter(cfg.Dir, cfg.Formats, logger)
}

// ExportPeriod writes the records into <dir>/<period id>/ and returns the
// written paths.
func (w *Writer) ExportPeriod(ctx context.Context, period domain.Period, records []domain.RevenueShareRecord) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runDir := filepath.Join(w.dir, period.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}
	paths := make([]string, 0, len(w.formats))
	for _, format := range w.formats {
		path := filepath.Join(runDir, "revenue_share_records."+format)
		var err error
		switch format {
		case FormatCSV:
			err = writeCSV(path, records)
		case FormatParquet:
			err = writeParquet(path, records)
		}
		if err != nil {
			return paths, err
		}
		w.logger.Info("export: wrote report",
			slog.String("period_id", period.ID),
			slog.String("path", path),
			slog.Int("rows", len(records)))
		paths = append(paths, path)
	}
	return paths, nil
}

var header = []string{
	"record_id", "period_id", "period_start", "period_end", "beneficiary_partner_id", "source_partner_id", "level",
	"system_revenue", "calculated_amount", "cap_amount", "final_amount", "status", "obligation_id", "updated_at",
}

func writeCSV(path string, records []domain.RevenueShareRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	defer file.Close()
	cw := csv.NewWriter(file)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write([]string{
			rec.ID,
			rec.PeriodID,
			formatTime(rec.PeriodStart),
			formatTime(rec.PeriodEnd),
			rec.BeneficiaryID,
			rec.SourceID,
			strconv.Itoa(rec.Level),
			rec.SystemRevenue.StringFixed(2),
			rec.CalculatedAmount.StringFixed(2),
			rec.CapAmount.StringFixed(2),
			rec.FinalAmount.StringFixed(2),
			string(rec.Status),
			rec.ObligationID,
			formatTime(rec.UpdatedAt),
		}); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return file.Close()
}

// Amounts stay strings so no value passes through float64.
type parquetRow struct {
	RecordID         string `parquet:"name=record_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PeriodID         string `parquet:"name=period_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PeriodStart      string `parquet:"name=period_start, type=BYTE_ARRAY, convertedtype=UTF8"`
	PeriodEnd        string `parquet:"name=period_end, type=BYTE_ARRAY, convertedtype=UTF8"`
	BeneficiaryID    string `parquet:"name=beneficiary_partner_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceID         string `parquet:"name=source_partner_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level            int32  `parquet:"name=level, type=INT32"`
	SystemRevenue    string `parquet:"name=system_revenue, type=BYTE_ARRAY, convertedtype=UTF8"`
	CalculatedAmount string `parquet:"name=calculated_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	CapAmount        string `parquet:"name=cap_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	FinalAmount      string `parquet:"name=final_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ObligationID     string `parquet:"name=obligation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt        string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, records []domain.RevenueShareRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &parquetRow{
			RecordID:         rec.ID,
			PeriodID:         rec.PeriodID,
			PeriodStart:      formatTime(rec.PeriodStart),
			PeriodEnd:        formatTime(rec.PeriodEnd),
			BeneficiaryID:    rec.BeneficiaryID,
			SourceID:         rec.SourceID,
			Level:            int32(rec.Level),
			SystemRevenue:    rec.SystemRevenue.StringFixed(2),
			CalculatedAmount: rec.CalculatedAmount.StringFixed(2),
			CapAmount:        rec.CapAmount.StringFixed(2),
			FinalAmount:      rec.FinalAmount.StringFixed(2),
			Status:           string(rec.Status),
			ObligationID:     rec.ObligationID,
			UpdatedAt:        formatTime(rec.UpdatedAt),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
