package payment

import (
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// settledRow is the flat Parquet schema for one settled debit note or
// invoice, grounded on the teacher's otc-gateway reconciler export shape
// (services/otc-gateway/recon/reconciler.go's parquetRow).
type settledRow struct {
	DocumentID    string  `parquet:"name=document_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AgreementID   string  `parquet:"name=agreement_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Platform      string  `parquet:"name=platform, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayeeAddress  string  `parquet:"name=payee_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        float64 `parquet:"name=amount, type=DOUBLE"`
	SettledAt     string  `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Confirmation  string  `parquet:"name=confirmation, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// SettledRecord is one row handed to ExportSettledPayments.
type SettledRecord struct {
	DocumentID   string
	AgreementID  string
	Platform     string
	PayeeAddress string
	Amount       float64
	SettledAt    time.Time
	Confirmation string
}

// ExportSettledPayments writes records to a Snappy-compressed Parquet file at
// path, for downstream billing/audit pipelines.
func ExportSettledPayments(path string, records []SettledRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("payment: create parquet export: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settledRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("payment: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &settledRow{
			DocumentID:   rec.DocumentID,
			AgreementID:  rec.AgreementID,
			Platform:     rec.Platform,
			PayeeAddress: rec.PayeeAddress,
			Amount:       rec.Amount,
			SettledAt:    rec.SettledAt.Format(time.RFC3339),
			Confirmation: rec.Confirmation,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("payment: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("payment: parquet flush: %w", err)
	}
	return file.Close()
}
