package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/models"
	"pricewatch/normalizer"
)

type productWriter struct {
	medians   map[string]decimal.Decimal
	medianErr error
	insertErr error
	inserted  []models.NormalizedProduct
}

func (w *productWriter) MedianPrices(context.Context, int) (map[string]decimal.Decimal, error) {
	return w.medians, w.medianErr
}

func (w *productWriter) InsertProducts(_ context.Context, products []models.NormalizedProduct) error {
	if w.insertErr != nil {
		return w.insertErr
	}
	w.inserted = append(w.inserted, products...)
	return nil
}

var importMapping = normalizer.ColumnMapping{
	Brand:          "Brand",
	ProductName:    "Product",
	WholesalePrice: "Price",
	Currency:       "Currency",
	EAN:            "EAN",
}

const priceList = "Brand;Product;Price;Currency;EAN\n" +
	"Chanel;No.5;45,00;EUR;\n" +
	";Coco;30,00;EUR;\n" +
	"Dior;Sauvage;abc;EUR;\n" +
	"Dior;Fahrenheit;52,50;EUR;4006381333931\n"

func TestImport_StoresValidRowsAndReportsErrors(t *testing.T) {
	writer := &productWriter{}
	svc := NewImportService(writer, nil, nil)

	res, err := svc.Import(context.Background(), ImportRequest{
		SupplierID: "sup-1",
		FileName:   "prices.csv",
		File:       strings.NewReader(priceList),
		Mapping:    importMapping,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Report.TotalRows)
	assert.Equal(t, 2, res.Report.ValidRows)
	assert.Equal(t, 2, res.Inserted)
	assert.Empty(t, res.Products)

	require.Len(t, writer.inserted, 2)
	assert.Equal(t, "Chanel", writer.inserted[0].Brand)
	assert.True(t, decimal.NewFromInt(45).Equal(writer.inserted[0].WholesalePrice))
	assert.Equal(t, "sup-1", writer.inserted[1].SupplierID)

	rows := make([]int, 0, len(res.Report.Errors))
	for _, issue := range res.Report.Errors {
		rows = append(rows, issue.Row)
	}
	assert.Contains(t, rows, 3)
	assert.Contains(t, rows, 4)
}

func TestImport_DryRunWritesNothing(t *testing.T) {
	writer := &productWriter{}
	svc := NewImportService(writer, nil, nil)

	res, err := svc.Import(context.Background(), ImportRequest{
		SupplierID: "sup-1",
		FileName:   "prices.csv",
		File:       strings.NewReader(priceList),
		Mapping:    importMapping,
		DryRun:     true,
	})
	require.NoError(t, err)
	assert.Empty(t, writer.inserted)
	assert.Equal(t, 0, res.Inserted)
	assert.Len(t, res.Products, 2)
}

func TestImport_MedianLookupFailureIsNotFatal(t *testing.T) {
	writer := &productWriter{medianErr: errors.New("timeout")}
	svc := NewImportService(writer, nil, nil)

	res, err := svc.Import(context.Background(), ImportRequest{
		SupplierID: "sup-1",
		FileName:   "prices.csv",
		File:       strings.NewReader(priceList),
		Mapping:    importMapping,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
}

func TestImport_RejectsIncompleteMapping(t *testing.T) {
	svc := NewImportService(&productWriter{}, nil, nil)

	_, err := svc.Import(context.Background(), ImportRequest{
		SupplierID: "sup-1",
		FileName:   "prices.csv",
		File:       strings.NewReader(priceList),
		Mapping:    normalizer.ColumnMapping{Brand: "Brand"},
	})
	require.ErrorIs(t, err, ErrInvalidMapping)
	assert.Contains(t, err.Error(), "wholesalePrice")
}

func TestImport_InsertFailureIsReturned(t *testing.T) {
	svc := NewImportService(&productWriter{insertErr: errors.New("duplicate key")}, nil, nil)

	_, err := svc.Import(context.Background(), ImportRequest{
		SupplierID: "sup-1",
		FileName:   "prices.csv",
		File:       strings.NewReader(priceList),
		Mapping:    importMapping,
	})
	assert.ErrorContains(t, err, "duplicate key")
}
