package models

import (
	"database/sql/driver"
	"strconv"
	"time"
)

// Source adapter kinds.
const (
	SourceTypeHTML     = "html"
	SourceTypeHeadless = "headless"
	SourceTypeAPI      = "api"
)

// SourceConfig is the free-form configuration document of a price source.
type SourceConfig struct {
	Type            string            `json:"type,omitempty" mapstructure:"type"`
	SearchURL       string            `json:"searchUrl,omitempty" mapstructure:"searchUrl"`
	Headers         map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	DelayMs         int               `json:"delayMs,omitempty" mapstructure:"delayMs"`
	UseHeadless     bool              `json:"useHeadless,omitempty" mapstructure:"useHeadless"`
	RegionPriority  []string          `json:"regionPriority,omitempty" mapstructure:"regionPriority"`
	IncludeVAT      bool              `json:"includeVAT,omitempty" mapstructure:"includeVAT"`
	IncludeShipping bool              `json:"includeShipping,omitempty" mapstructure:"includeShipping"`
	VATRate         float64           `json:"vatRate,omitempty" mapstructure:"vatRate"`
	AllowDomains    []string          `json:"allowDomains,omitempty" mapstructure:"allowDomains"`
	DenyDomains     []string          `json:"denyDomains,omitempty" mapstructure:"denyDomains"`
	Selectors       map[string]string `json:"selectors,omitempty" mapstructure:"selectors"`
	ProxyURL        string            `json:"proxyUrl,omitempty" mapstructure:"proxyUrl"`

	Extra map[string]interface{} `json:"-" mapstructure:",remain"`
}

// ParseSourceConfig decodes a free-form document into a SourceConfig.
func ParseSourceConfig(doc map[string]interface{}) (SourceConfig, error) {
	var cfg SourceConfig
	if err := decodeDocument(doc, &cfg); err != nil {
		return SourceConfig{}, err
	}
	return cfg, nil
}

// Kind returns the adapter kind to build for this source.
func (c SourceConfig) Kind() string {
	if c.UseHeadless {
		return SourceTypeHeadless
	}
	if c.Type == "" {
		return SourceTypeHTML
	}
	return c.Type
}

// Delay returns the configured per-request delay. The legacy "delay" key is
// honored when "delayMs" is absent.
func (c SourceConfig) Delay() time.Duration {
	if c.DelayMs > 0 {
		return time.Duration(c.DelayMs) * time.Millisecond
	}
	if legacy, ok := c.Extra["delay"]; ok {
		if ms := toMillis(legacy); ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

func toMillis(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case string:
		ms, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return ms
	}
	return 0
}

func (c SourceConfig) MarshalJSON() ([]byte, error) {
	type plain SourceConfig
	return encodeDocument(plain(c), c.Extra)
}

func (c *SourceConfig) UnmarshalJSON(data []byte) error {
	var cfg SourceConfig
	if err := unmarshalDocument(data, &cfg); err != nil {
		return err
	}
	*c = cfg
	return nil
}

func (c SourceConfig) Value() (driver.Value, error) { return jsonValue(c) }

func (c *SourceConfig) Scan(src interface{}) error { return scanJSON(src, c) }

// PriceScrapingSource is an external price source queried by one adapter.
type PriceScrapingSource struct {
	ID        string       `json:"id" db:"id"`
	Name      string       `json:"name" db:"name"`
	IsActive  bool         `json:"isActive" db:"is_active"`
	Priority  int          `json:"priority" db:"priority"`
	RateLimit int          `json:"rateLimit" db:"rate_limit"` // ms between requests
	Config    SourceConfig `json:"config" db:"config"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time    `json:"updatedAt" db:"updated_at"`
}

// MinInterval is the minimum spacing between two requests to this source.
func (s PriceScrapingSource) MinInterval() time.Duration {
	interval := time.Duration(s.RateLimit) * time.Millisecond
	if d := s.Config.Delay(); d > interval {
		interval = d
	}
	return interval
}
