package pricing

import (
	"fmt"
	"math"
	"sort"

	"github.com/BurntSushi/toml"

	"tokenledger/internal/model"
)

// Plan carries the per-tier limits an account is created with.
type Plan struct {
	DailyLimit    int64 `toml:"daily_limit" json:"daily_limit"`
	MonthlyTokens int64 `toml:"monthly_tokens" json:"monthly_tokens"`
}

// Table is the cost table and plan catalogue. Prices are expressed in USD
// in the file and converted to integer micro-dollars before any arithmetic,
// so the same inputs always produce the same token count.
type Table struct {
	TokenValueUSD                float64            `toml:"token_value_usd"`
	VideoMarkup                  float64            `toml:"video_markup"`
	DefaultVideoDuration         int                `toml:"default_video_duration"`
	UnknownEngineTokens          int64              `toml:"unknown_engine_tokens"`
	VideoEngines                 map[string]float64 `toml:"video_engines"`
	ImageTokens                  int64              `toml:"image_tokens"`
	ImageModels                  map[string]int64   `toml:"image_models"`
	ProductInsertionTokens       int64              `toml:"product_insertion_tokens"`
	TranscriptionTokensPerMinute int64              `toml:"transcription_tokens_per_minute"`
	Flat                         map[Kind]int64     `toml:"flat"`
	DefaultPlan                  string             `toml:"default_plan"`
	Plans                        map[string]Plan    `toml:"plans"`
}

var defaultFlat = map[Kind]int64{
	KindVideoDownload:           5,
	KindVideoEditing:            10,
	KindScriptGeneration:        7,
	KindScriptEnhancement:       5,
	KindContentAnalysis:         8,
	KindCaptionGeneration:       3,
	KindHashtagGeneration:       2,
	KindHookGeneration:          3,
	KindContentCalendar:         10,
	KindThumbnailTextGeneration: 3,
	KindSocialPost:              2,
	KindSocialPostMultiPlatform: 5,
	KindPostScheduling:          1,
	KindCampaignCreation:        20,
	KindAnalyticsReport:         15,
	KindCompetitorAnalysis:      25,
	KindTrendResearch:           12,
}

// DefaultTable returns the built-in prices and plans.
func DefaultTable() *Table {
	flat := make(map[Kind]int64, len(defaultFlat))
	for k, v := range defaultFlat {
		flat[k] = v
	}
	return &Table{
		TokenValueUSD:        0.01,
		VideoMarkup:          1.70,
		DefaultVideoDuration: 5,
		UnknownEngineTokens:  100,
		VideoEngines: map[string]float64{
			"hailuo-02":         0.028,
			"runway-gen4-turbo": 0.05,
			"kling-2.1":         0.19,
			"luma-ray3":         0.12,
			"pika-2.2":          0.08,
			"cogvideox-5b":      0.02,
			"cogvideox-i2v":     0.025,
		},
		ImageTokens:                  5,
		ImageModels:                  map[string]int64{},
		ProductInsertionTokens:       10,
		TranscriptionTokensPerMinute: 2,
		Flat:                         flat,
		DefaultPlan:                  "free",
		Plans: map[string]Plan{
			"free":       {DailyLimit: 15, MonthlyTokens: 300},
			"starter":    {DailyLimit: 100, MonthlyTokens: 2000},
			"pro":        {DailyLimit: 300, MonthlyTokens: 6000},
			"enterprise": {DailyLimit: 1000, MonthlyTokens: 20000},
		},
	}
}

// LoadTable overlays the TOML file at path on the default table. Keys that
// are absent keep their defaults; map entries are merged.
func LoadTable(path string) (*Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}
	md, err := toml.DecodeFile(path, t)
	if err != nil {
		return nil, fmt.Errorf("decode pricing file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("pricing file %s: unknown keys %v", path, undecoded)
	}
	for k := range t.Flat {
		if _, ok := defaultFlat[k]; !ok {
			return nil, fmt.Errorf("pricing file %s: %s is not a flat-priced operation", path, k)
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate reports configuration that would make pricing or limits unusable.
func (t *Table) Validate() error {
	if t.TokenValueUSD <= 0 {
		return fmt.Errorf("token_value_usd must be positive")
	}
	if t.VideoMarkup <= 0 {
		return fmt.Errorf("video_markup must be positive")
	}
	if len(t.Plans) == 0 {
		return fmt.Errorf("at least one plan is required")
	}
	if _, ok := t.Plans[t.DefaultPlan]; !ok {
		return fmt.Errorf("default plan %q is not defined", t.DefaultPlan)
	}
	for name, p := range t.Plans {
		if p.DailyLimit <= 0 {
			return fmt.Errorf("plan %q: daily_limit must be positive", name)
		}
		if p.MonthlyTokens < 0 {
			return fmt.Errorf("plan %q: monthly_tokens must not be negative", name)
		}
	}
	for k, v := range t.Flat {
		if v <= 0 {
			return fmt.Errorf("flat cost for %s must be positive", k)
		}
	}
	return nil
}

// Cost prices a single operation.
func (t *Table) Cost(op Operation) (int64, error) {
	if op == nil {
		return 0, model.ErrUnknownOperation
	}
	return op.cost(t)
}

// Plan looks up a plan by name.
func (t *Table) Plan(name string) (Plan, bool) {
	p, ok := t.Plans[name]
	return p, ok
}

// Kinds lists every priced operation kind, sorted.
func (t *Table) Kinds() []Kind {
	kinds := []Kind{KindVideoGeneration, KindImageGeneration, KindProductInsertion, KindVideoTranscription}
	for k := range defaultFlat {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func micros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// ceilDiv assumes b > 0 and a >= 0.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func (v VideoGeneration) cost(t *Table) (int64, error) {
	price, ok := t.VideoEngines[v.Engine]
	if !ok {
		return t.UnknownEngineTokens, nil
	}
	duration := v.DurationSeconds
	if duration <= 0 {
		duration = t.DefaultVideoDuration
	}
	perToken := micros(t.TokenValueUSD)
	base := ceilDiv(micros(price)*int64(duration), perToken)
	markupPct := int64(math.Round(t.VideoMarkup * 100))
	return ceilDiv(base*markupPct, 100), nil
}

func (i ImageGeneration) cost(t *Table) (int64, error) {
	count := int64(i.Count)
	if count <= 0 {
		count = 1
	}
	per := t.ImageTokens
	if override, ok := t.ImageModels[i.Model]; ok {
		per = override
	}
	return per * count, nil
}

func (p ProductInsertion) cost(t *Table) (int64, error) {
	count := int64(p.Count)
	if count <= 0 {
		count = 1
	}
	return t.ProductInsertionTokens * count, nil
}

func (v VideoTranscription) cost(t *Table) (int64, error) {
	minutes := ceilDiv(int64(v.DurationSeconds), 60)
	if minutes < 1 {
		minutes = 1
	}
	return minutes * t.TranscriptionTokensPerMinute, nil
}

func (f Flat) cost(t *Table) (int64, error) {
	c, ok := t.Flat[f.Op]
	if !ok {
		return 0, fmt.Errorf("%w: %q", model.ErrUnknownOperation, f.Op)
	}
	return c, nil
}
