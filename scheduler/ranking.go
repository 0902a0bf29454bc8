package scheduler

import (
	"sort"

	"pricewatch/models"
)

// Rank returns the observations best first. Observations at or above the
// confidence threshold beat those below it; within a group higher confidence
// wins, then higher source priority, then the lower price. When nothing
// reaches the threshold every observation competes on the same terms.
func Rank(observations []models.Observation, threshold float64) []models.Observation {
	ranked := make([]models.Observation, len(observations))
	copy(ranked, observations)
	sort.SliceStable(ranked, func(i, j int) bool {
		return better(ranked[i], ranked[j], threshold)
	})
	return ranked
}

func better(a, b models.Observation, threshold float64) bool {
	aOK, bOK := a.Confidence >= threshold, b.Confidence >= threshold
	if aOK != bOK {
		return aOK
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.SourcePriority != b.SourcePriority {
		return a.SourcePriority > b.SourcePriority
	}
	return a.Price.LessThan(b.Price)
}

// partition splits products into consecutive batches of at most size.
func partition(products []models.NormalizedProduct, size int) [][]models.NormalizedProduct {
	if size <= 0 {
		size = models.DefaultBatchSize
	}
	batches := make([][]models.NormalizedProduct, 0, (len(products)+size-1)/size)
	for start := 0; start < len(products); start += size {
		end := start + size
		if end > len(products) {
			end = len(products)
		}
		batches = append(batches, products[start:end])
	}
	return batches
}
