package pricing

import (
	"errors"
	"testing"

	"tokenledger/internal/model"
)

func TestCostDefaults(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		name string
		op   Operation
		want int64
	}{
		// ceil(0.028*5*100)=14, ceil(14*1.70)=24
		{"video hailuo 5s", VideoGeneration{Engine: "hailuo-02", DurationSeconds: 5}, 24},
		// ceil(0.19*10*100)=190, ceil(190*1.70)=323
		{"video kling 10s", VideoGeneration{Engine: "kling-2.1", DurationSeconds: 10}, 323},
		{"video default duration", VideoGeneration{Engine: "hailuo-02"}, 24},
		{"video unknown engine", VideoGeneration{Engine: "mystery", DurationSeconds: 30}, 100},
		{"image single", ImageGeneration{Model: "flux-dev"}, 5},
		{"image batch", ImageGeneration{Model: "flux-dev", Count: 4}, 20},
		{"product insertion", ProductInsertion{Count: 2}, 20},
		{"transcription 61s", VideoTranscription{DurationSeconds: 61}, 4},
		{"transcription minimum", VideoTranscription{}, 2},
		{"flat script", Flat{Op: KindScriptGeneration}, 7},
		{"flat campaign", Flat{Op: KindCampaignCreation}, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.Cost(tt.op)
			if err != nil {
				t.Fatalf("Cost: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Cost = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCostDeterministic(t *testing.T) {
	table := DefaultTable()
	op := VideoGeneration{Engine: "luma-ray3", DurationSeconds: 7}
	first, err := table.Cost(op)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, _ := table.Cost(op)
		if got != first {
			t.Fatalf("iteration %d: cost %d != %d", i, got, first)
		}
	}
}

func TestParse(t *testing.T) {
	op, err := Parse("video_generation", map[string]any{"engine": "pika-2.2", "duration": float64(8)})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, ok := op.(VideoGeneration)
	if !ok {
		t.Fatalf("expected VideoGeneration, got %T", op)
	}
	if v.Engine != "pika-2.2" || v.DurationSeconds != 8 {
		t.Fatalf("unexpected params %+v", v)
	}

	op, err = Parse("image_generation", map[string]any{"numImages": "3"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img := op.(ImageGeneration); img.Count != 3 {
		t.Fatalf("expected count 3, got %d", img.Count)
	}

	op, err = Parse("trend_research", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if op.Kind() != KindTrendResearch {
		t.Fatalf("unexpected kind %s", op.Kind())
	}

	if _, err := Parse("teleportation", nil); !errors.Is(err, model.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestCostUnknownFlat(t *testing.T) {
	_, err := DefaultTable().Cost(Flat{Op: "nope"})
	if !errors.Is(err, model.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestLoadTableOverlay(t *testing.T) {
	table, err := LoadTable("testdata/pricing.toml")
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if table.DefaultPlan != "starter" {
		t.Fatalf("default plan = %s", table.DefaultPlan)
	}
	if plan, ok := table.Plan("starter"); !ok || plan.DailyLimit != 120 {
		t.Fatalf("starter plan = %+v, %v", plan, ok)
	}
	if _, ok := table.Plan("unknown-tier"); ok {
		t.Fatal("unknown plan should not resolve")
	}
	if free, _ := table.Plan("free"); free.DailyLimit != 15 {
		t.Fatalf("untouched plan lost its defaults: %+v", free)
	}

	// ceil(0.40*5*100)=200, markup 2.0
	got, err := table.Cost(VideoGeneration{Engine: "veo-3.1", DurationSeconds: 5})
	if err != nil || got != 400 {
		t.Fatalf("veo cost = %d, %v", got, err)
	}
	if got, _ := table.Cost(VideoGeneration{Engine: "hailuo-02", DurationSeconds: 5}); got != 28 {
		t.Fatalf("hailuo cost with new markup = %d", got)
	}
	if got, _ := table.Cost(ImageGeneration{Model: "flux-pro", Count: 2}); got != 16 {
		t.Fatalf("flux-pro cost = %d", got)
	}
	if got, _ := table.Cost(Flat{Op: KindScriptGeneration}); got != 9 {
		t.Fatalf("script cost = %d", got)
	}
	if got, _ := table.Cost(Flat{Op: KindVideoDownload}); got != 5 {
		t.Fatalf("merged flat entry lost: %d", got)
	}
}

func TestLoadTableRejectsVariableFlat(t *testing.T) {
	if _, err := LoadTable("testdata/bad_flat.toml"); err == nil {
		t.Fatal("expected error for flat price on a variable operation")
	}
}

func TestLoadTableMissingFile(t *testing.T) {
	if _, err := LoadTable("testdata/does-not-exist.toml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
