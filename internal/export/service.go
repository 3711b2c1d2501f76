package export

import (
	"context"
	"fmt"

	"juday/api/internal/store"
)

// SheetSource loads the sheet to be exported.
type SheetSource interface {
	GetSheetByDate(ctx context.Context, userID, date string) (store.Sheet, error)
}

// Service renders individual sheets as PDFs.
type Service struct {
	source SheetSource
}

func NewService(source SheetSource) *Service {
	return &Service{source: source}
}

// SheetPDF renders one day's sheet as a PDF.
func (s *Service) SheetPDF(ctx context.Context, userID, dateKey, email string) (*Result, error) {
	sheet, err := s.source.GetSheetByDate(ctx, userID, dateKey)
	if err != nil {
		return nil, fmt.Errorf("load sheet: %w", err)
	}

	html, err := RenderSheetHTML(TemplateData{
		DateKey:  sheet.SheetDate,
		BodyHTML: bodyToHTML(sheet.Body),
		Email:    email,
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	data, err := renderPDF(html)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     data,
		Filename: fmt.Sprintf("juday-%s.pdf", sheet.SheetDate),
		MimeType: "application/pdf",
	}, nil
}
