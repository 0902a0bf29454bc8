package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"pricewatch/logger"
	"pricewatch/metrics"
	"pricewatch/models"
	"pricewatch/normalizer"
)

var (
	ErrInvalidMapping = errors.New("invalid column mapping")
	ErrUnreadableFile = errors.New("unreadable price list")
)

// minMedianRows is how many stored products a category needs before its
// median is trusted for plausibility warnings.
const minMedianRows = 5

// ProductWriter persists and profiles supplier products.
type ProductWriter interface {
	MedianPrices(ctx context.Context, minRows int) (map[string]decimal.Decimal, error)
	InsertProducts(ctx context.Context, products []models.NormalizedProduct) error
}

// ImportRequest is one supplier price-list upload.
type ImportRequest struct {
	SupplierID string
	FileName   string
	File       io.Reader
	Mapping    normalizer.ColumnMapping
	DryRun     bool
}

// ImportResult reports the outcome per row. Products are returned only for
// dry runs.
type ImportResult struct {
	SupplierID string                     `json:"supplierId"`
	DryRun     bool                       `json:"dryRun"`
	Inserted   int                        `json:"inserted"`
	Report     normalizer.Report          `json:"report"`
	Products   []models.NormalizedProduct `json:"products,omitempty"`
}

// ImportService normalizes supplier price lists into products.
type ImportService struct {
	products ProductWriter
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewImportService creates an ImportService.
func NewImportService(products ProductWriter, m *metrics.Metrics, log logger.Logger) *ImportService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ImportService{products: products, metrics: m, log: log}
}

// Import reads the file, normalizes every row and stores the valid ones.
// Invalid rows never abort the import; they are reported with their row
// number.
func (s *ImportService) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if req.SupplierID == "" {
		return nil, fmt.Errorf("%w: supplier id is required", ErrInvalidRequest)
	}
	if err := validateMapping(req.Mapping); err != nil {
		return nil, err
	}

	sheet, err := normalizer.ReadFile(req.FileName, req.File)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableFile, req.FileName, err)
	}

	medians, err := s.products.MedianPrices(ctx, minMedianRows)
	if err != nil {
		s.log.Warn("Category medians unavailable, using import medians only", logger.Error(err))
		medians = nil
	}

	n := normalizer.New(req.SupplierID, normalizer.WithCategoryMedians(medians))
	report := n.NormalizeRows(sheet.Rows, req.Mapping, sheet.FirstRow)

	result := &ImportResult{SupplierID: req.SupplierID, DryRun: req.DryRun, Report: report}
	if req.DryRun {
		result.Products = report.Products
	} else if len(report.Products) > 0 {
		if err := s.products.InsertProducts(ctx, report.Products); err != nil {
			return nil, fmt.Errorf("store products: %w", err)
		}
		result.Inserted = len(report.Products)
	}

	s.metrics.RowImported("valid", report.ValidRows)
	s.metrics.RowImported("invalid", report.TotalRows-report.ValidRows)
	s.log.Info("Price list imported",
		logger.String("supplier_id", req.SupplierID),
		logger.String("file", req.FileName),
		logger.Int("rows", report.TotalRows),
		logger.Int("valid", report.ValidRows),
		logger.Int("warnings", len(report.Warnings)),
		logger.Bool("dry_run", req.DryRun),
	)
	return result, nil
}

func validateMapping(m normalizer.ColumnMapping) error {
	missing := make([]string, 0, 4)
	if m.Brand == "" {
		missing = append(missing, "brand")
	}
	if m.ProductName == "" {
		missing = append(missing, "productName")
	}
	if m.WholesalePrice == "" {
		missing = append(missing, "wholesalePrice")
	}
	if m.Currency == "" {
		missing = append(missing, "currency")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidMapping, missing)
	}
	return nil
}
