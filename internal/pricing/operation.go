package pricing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tokenledger/internal/model"
)

// Kind names a priced operation at the string boundary (HTTP, gRPC, NATS, CLI).
type Kind string

const (
	KindVideoGeneration    Kind = "video_generation"
	KindImageGeneration    Kind = "image_generation"
	KindProductInsertion   Kind = "product_insertion"
	KindVideoTranscription Kind = "video_transcription"

	KindVideoDownload           Kind = "video_download"
	KindVideoEditing            Kind = "video_editing"
	KindScriptGeneration        Kind = "script_generation"
	KindScriptEnhancement       Kind = "script_enhancement"
	KindContentAnalysis         Kind = "content_analysis"
	KindCaptionGeneration       Kind = "caption_generation"
	KindHashtagGeneration       Kind = "hashtag_generation"
	KindHookGeneration          Kind = "hook_generation"
	KindContentCalendar         Kind = "content_calendar"
	KindThumbnailTextGeneration Kind = "thumbnail_text_generation"
	KindSocialPost              Kind = "social_post"
	KindSocialPostMultiPlatform Kind = "social_post_multi_platform"
	KindPostScheduling          Kind = "post_scheduling"
	KindCampaignCreation        Kind = "campaign_creation"
	KindAnalyticsReport         Kind = "analytics_report"
	KindCompetitorAnalysis      Kind = "competitor_analysis"
	KindTrendResearch           Kind = "trend_research"
)

// Operation is a priced request. The set of implementations is closed: only
// the types in this package satisfy it.
type Operation interface {
	Kind() Kind
	Params() map[string]any
	cost(t *Table) (int64, error)
}

// VideoGeneration is priced per second of output on the chosen engine.
type VideoGeneration struct {
	Engine          string
	DurationSeconds int
}

func (VideoGeneration) Kind() Kind { return KindVideoGeneration }

func (v VideoGeneration) Params() map[string]any {
	return map[string]any{"engine": v.Engine, "duration": v.DurationSeconds}
}

// ImageGeneration is priced per image, optionally per model.
type ImageGeneration struct {
	Model string
	Count int
}

func (ImageGeneration) Kind() Kind { return KindImageGeneration }

func (i ImageGeneration) Params() map[string]any {
	return map[string]any{"model": i.Model, "count": i.Count}
}

// ProductInsertion places a product into Count generated images.
type ProductInsertion struct {
	Count int
}

func (ProductInsertion) Kind() Kind { return KindProductInsertion }

func (p ProductInsertion) Params() map[string]any {
	return map[string]any{"count": p.Count}
}

// VideoTranscription is priced per started minute of media.
type VideoTranscription struct {
	DurationSeconds int
}

func (VideoTranscription) Kind() Kind { return KindVideoTranscription }

func (v VideoTranscription) Params() map[string]any {
	return map[string]any{"duration": v.DurationSeconds}
}

// Flat covers every fixed-price operation.
type Flat struct {
	Op Kind
}

func (f Flat) Kind() Kind { return f.Op }

func (Flat) Params() map[string]any { return nil }

// Parse builds a typed operation from a kind string and loosely typed
// params, as received from JSON or command line flags.
func Parse(kind string, params map[string]any) (Operation, error) {
	k := Kind(strings.TrimSpace(kind))
	switch k {
	case KindVideoGeneration:
		return VideoGeneration{
			Engine:          stringParam(params, "engine"),
			DurationSeconds: intParam(params, "duration", "duration_seconds"),
		}, nil
	case KindImageGeneration:
		return ImageGeneration{
			Model: stringParam(params, "model"),
			Count: intParam(params, "count", "num_images", "numImages"),
		}, nil
	case KindProductInsertion:
		return ProductInsertion{Count: intParam(params, "count", "num_images", "numImages")}, nil
	case KindVideoTranscription:
		return VideoTranscription{DurationSeconds: intParam(params, "duration", "duration_seconds")}, nil
	}
	if _, ok := defaultFlat[k]; ok {
		return Flat{Op: k}, nil
	}
	return nil, fmt.Errorf("%w: %q", model.ErrUnknownOperation, kind)
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}

func intParam(params map[string]any, keys ...string) int {
	for _, key := range keys {
		v, ok := params[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int32:
			return int(n)
		case int64:
			return int(n)
		case float64:
			return int(n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i)
			}
			if f, err := n.Float64(); err == nil {
				return int(f)
			}
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i
			}
		}
	}
	return 0
}
