package scraper_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"pricewatch/models"
	"pricewatch/scraper"
)

func TestScore_Bands(t *testing.T) {
	product := chanel()

	tests := []struct {
		name     string
		title    string
		brand    string
		ean      string
		min, max float64
	}{
		{"ean match", "Chanel N°5 Parfum", "", "4006381333931", 0.9, 1.0},
		{"ean match with leading zero", "No 5", "", "04006381333931", 0.9, 1.0},
		{"brand and title", "CHANEL No.5 Eau de Parfum 100 ml", "", "", 0.5, 0.8},
		{"explicit brand field", "No.5 100ml spray", "chanel", "", 0.5, 0.8},
		{"wrong brand", "Dior No.5 100ml", "Dior", "", 0, 0.4999},
		{"unrelated", "Garden hose 20m", "", "", 0, 0.4999},
		{"conflicting ean", "Chanel No.5 100ml", "", "3145891253317", 0, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scraper.Score(product, tt.title, tt.brand, tt.ean)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestScore_NoProductEAN(t *testing.T) {
	product := models.NormalizedProduct{Brand: "Dior", ProductName: "Sauvage", VariantSize: "60ml"}

	got := scraper.Score(product, "Dior Sauvage EDT 60ml", "", "3348901250146")

	assert.GreaterOrEqual(t, got, 0.5)
	assert.LessOrEqual(t, got, 0.8)
}

func TestTitleSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, scraper.TitleSimilarity("Crème Brûlée", "creme brulee"), 1e-9)
	assert.Zero(t, scraper.TitleSimilarity("", "anything"))
	assert.Zero(t, scraper.TitleSimilarity("alpha", "beta"))

	short := scraper.TitleSimilarity("chanel no 5", "chanel no 5 eau de parfum")
	partial := scraper.TitleSimilarity("chanel no 5", "chanel allure")
	assert.Greater(t, short, partial)
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"l", "oreal", "revitalift", "50ml"}, scraper.Tokens("L'Oréal Revitalift, 50ml"))
}

func TestBotDetector_Inspect(t *testing.T) {
	d := scraper.NewBotDetector()

	v := d.Inspect("Please complete the CAPTCHA below", "Attention Required")
	assert.True(t, v.Blocked)
	assert.Equal(t, scraper.BlockCaptcha, v.Kind)

	v = d.Inspect("Access denied. Checking your browser before accessing.", "")
	assert.True(t, v.Blocked)
	assert.Equal(t, scraper.BlockBotWall, v.Kind)

	v = d.Inspect("Chanel No.5 Eau de Parfum, 100 ml. In stock.", "Search results")
	assert.False(t, v.Blocked)
	assert.Zero(t, v.Score)
}

func TestTokens_Concurrent(t *testing.T) {
	product := chanel()
	want := []string{"creme", "brulee", "eau", "de", "parfum", "chloe"}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if got := scraper.Tokens("Crème Brûlée Eau de Parfum Chloé"); !assert.Equal(t, want, got) {
					return
				}
				scraper.Score(product, "Chanel N°5 Eau de Parfum 100 ml", "", "")
			}
		}()
	}
	wg.Wait()
}
