package eval

import (
	"math"
	"testing"

	"retina-forge/internal/model"
)

func TestIoU(t *testing.T) {
	a := model.Box{X: 0, Y: 0, W: 10, H: 10}
	tests := []struct {
		name string
		b    model.Box
		want float64
	}{
		{"identical", model.Box{X: 0, Y: 0, W: 10, H: 10}, 1},
		{"disjoint", model.Box{X: 20, Y: 20, W: 10, H: 10}, 0},
		{"touching", model.Box{X: 10, Y: 0, W: 10, H: 10}, 0},
		// 5x10 overlap over 100+100-50 union.
		{"half shift", model.Box{X: 5, Y: 0, W: 10, H: 10}, 50.0 / 150.0},
		{"contained quarter", model.Box{X: 0, Y: 0, W: 5, H: 5}, 0.25},
	}
	for _, tt := range tests {
		if got := IoU(a, tt.b); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%s: IoU=%f want %f", tt.name, got, tt.want)
		}
	}
}

func TestAveragePrecisionPerfect(t *testing.T) {
	images := []imageDetections{{
		truth: []model.Box{{X: 0, Y: 0, W: 10, H: 10}, {X: 50, Y: 50, W: 10, H: 10}},
		dets: []model.Detection{
			{Box: model.Box{X: 0, Y: 0, W: 10, H: 10}, Score: 0.9},
			{Box: model.Box{X: 50, Y: 50, W: 10, H: 10}, Score: 0.8},
		},
	}}
	if got := AveragePrecision(images); math.Abs(got-1) > 1e-12 {
		t.Fatalf("AP=%f want 1", got)
	}
}

func TestAveragePrecisionWithFalsePositive(t *testing.T) {
	// Highest-scored detection misses; the second one hits the only truth.
	// Precision at the hit is 1/2 at recall 1, so AP = 0.5.
	images := []imageDetections{{
		truth: []model.Box{{X: 0, Y: 0, W: 10, H: 10}},
		dets: []model.Detection{
			{Box: model.Box{X: 80, Y: 80, W: 10, H: 10}, Score: 0.9},
			{Box: model.Box{X: 0, Y: 0, W: 10, H: 10}, Score: 0.5},
		},
	}}
	if got := AveragePrecision(images); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("AP=%f want 0.5", got)
	}
}

func TestAveragePrecisionDuplicateDetections(t *testing.T) {
	// The second detection of the same truth box is a false positive, but
	// the first already reaches full recall at precision 1.
	images := []imageDetections{{
		truth: []model.Box{{X: 0, Y: 0, W: 10, H: 10}},
		dets: []model.Detection{
			{Box: model.Box{X: 0, Y: 0, W: 10, H: 10}, Score: 0.9},
			{Box: model.Box{X: 1, Y: 0, W: 10, H: 10}, Score: 0.8},
		},
	}}
	if got := AveragePrecision(images); math.Abs(got-1) > 1e-12 {
		t.Fatalf("AP=%f want 1", got)
	}
}

func TestAveragePrecisionNoTruth(t *testing.T) {
	images := []imageDetections{{
		dets: []model.Detection{{Box: model.Box{X: 0, Y: 0, W: 10, H: 10}, Score: 0.9}},
	}}
	if got := AveragePrecision(images); got != 0 {
		t.Fatalf("AP=%f want 0 with no ground truth", got)
	}
}

func TestMeanAPAveragesOverClassesWithTruth(t *testing.T) {
	truth := [][]model.Box{{
		{X: 0, Y: 0, W: 10, H: 10, Label: 0},
		{X: 50, Y: 50, W: 10, H: 10, Label: 1},
	}}
	dets := [][]model.Detection{{
		// Class 0 matched, class 1 missed entirely.
		{Box: model.Box{X: 0, Y: 0, W: 10, H: 10, Label: 0}, Score: 0.9},
	}}
	// AP(class 0)=1, AP(class 1)=0, class 2 has no truth and is skipped.
	got := MeanAP(dets, truth, 3)
	if math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("mAP=%f want 0.5", got)
	}
}

func TestMeanAPEmpty(t *testing.T) {
	if got := MeanAP(nil, nil, 5); got != 0 {
		t.Fatalf("mAP=%f want 0 for empty input", got)
	}
}
