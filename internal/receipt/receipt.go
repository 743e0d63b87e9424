// Package receipt renders provisional PDF receipts for collections that
// are still buffered locally. They carry a local receipt number and an
// explicit notice that the server has not confirmed the payment yet.
package receipt

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/jung-kurt/gofpdf/v2"

	"cobranzas/gateway/internal/domain"
	"cobranzas/gateway/internal/xid"
)

type Data struct {
	ReceiptNo  string
	Customer   domain.Customer
	Submission domain.PendingSubmission
}

// NewNumber mints a local receipt number.
func NewNumber() string {
	return xid.New("rec")
}

// Render lays out one provisional receipt as an A5 PDF.
func Render(data Data) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A5", "")
	pdf.SetMargins(10, 10, 10)
	pdf.AddPage()

	// Header
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(128, 9, "Recibo de Cobranza (provisorio)", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(128, 5, fmt.Sprintf("Recibo: %s", data.ReceiptNo), "", 1, "C", false, 0, "")
	pdf.CellFormat(128, 5, fmt.Sprintf("Fecha: %s", data.Submission.Date.Format("02-01-2006 15:04")), "", 1, "C", false, 0, "")
	pdf.Ln(3)

	// Customer box
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(128, 7, "Cliente", "1", 1, "L", true, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(128, 6, fmt.Sprintf("Nombre: %s", data.Customer.Name), "LRB", 1, "L", false, 0, "")
	if data.Customer.Address != "" {
		pdf.CellFormat(128, 6, fmt.Sprintf("Dirección: %s, %s", data.Customer.Address, data.Customer.City), "LRB", 1, "L", false, 0, "")
	}
	pdf.Ln(3)

	// Lines table
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(200, 200, 200)
	pdf.CellFormat(40, 6, "Venta", "1", 0, "C", true, 0, "")
	pdf.CellFormat(40, 6, "Cuota", "1", 0, "C", true, 0, "")
	pdf.CellFormat(48, 6, "Importe", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	for _, line := range sortedLines(data.Submission) {
		pdf.CellFormat(40, 6, fmt.Sprintf("%d", line.SaleID), "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%d", line.Installment), "1", 0, "C", false, 0, "")
		pdf.CellFormat(48, 6, line.Amount.String(), "1", 1, "R", false, 0, "")
	}

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(80, 7, "Total", "1", 0, "R", false, 0, "")
	pdf.CellFormat(48, 7, data.Submission.PaidTotal().String(), "1", 1, "R", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "I", 8)
	pdf.MultiCell(128, 4, "Pago registrado localmente, pendiente de confirmación por el servidor.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sortedLines orders a submission's lines by their form row index.
func sortedLines(sub domain.PendingSubmission) []domain.SubmissionLine {
	keys := make([]string, 0, len(sub.Lines))
	for k := range sub.Lines {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	out := make([]domain.SubmissionLine, 0, len(keys))
	for _, k := range keys {
		out = append(out, sub.Lines[k])
	}
	return out
}
