// Package eval scores detections against ground truth. The headline number
// is mean average precision at an IoU threshold of 0.5.
package eval

import (
	"sort"

	"retina-forge/internal/model"
)

// MatchThreshold is the IoU above which a detection counts as a hit.
const MatchThreshold = 0.5

// IoU computes intersection over union of two boxes.
func IoU(a, b model.Box) float64 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.W, b.X+b.W)
	y2 := min(a.Y+a.H, b.Y+b.H)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// imageDetections pairs one image's predictions with its ground truth.
type imageDetections struct {
	dets  []model.Detection
	truth []model.Box
}

// AveragePrecision computes AP for one class over a set of images. dets and
// truth must be pre-filtered to the class. Returns 0 when the class has no
// ground truth boxes.
func AveragePrecision(images []imageDetections) float64 {
	type scored struct {
		score float64
		img   int
		det   int
	}
	var all []scored
	totalTruth := 0
	for i, im := range images {
		totalTruth += len(im.truth)
		for d := range im.dets {
			all = append(all, scored{score: im.dets[d].Score, img: i, det: d})
		}
	}
	if totalTruth == 0 {
		return 0
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })

	matched := make([][]bool, len(images))
	for i, im := range images {
		matched[i] = make([]bool, len(im.truth))
	}

	tp := 0
	fp := 0
	// Precision at each recall step, greedy matching in score order.
	var precisions, recalls []float64
	for _, s := range all {
		im := images[s.img]
		best := -1
		bestIoU := MatchThreshold
		for t, gt := range im.truth {
			if matched[s.img][t] {
				continue
			}
			if iou := IoU(im.dets[s.det].Box, gt); iou >= bestIoU {
				best = t
				bestIoU = iou
			}
		}
		if best >= 0 {
			matched[s.img][best] = true
			tp++
		} else {
			fp++
		}
		precisions = append(precisions, float64(tp)/float64(tp+fp))
		recalls = append(recalls, float64(tp)/float64(totalTruth))
	}

	// Monotone precision envelope, then sum over recall increments.
	for i := len(precisions) - 2; i >= 0; i-- {
		if precisions[i+1] > precisions[i] {
			precisions[i] = precisions[i+1]
		}
	}
	ap := 0.0
	prev := 0.0
	for i := range recalls {
		ap += (recalls[i] - prev) * precisions[i]
		prev = recalls[i]
	}
	return ap
}

// MeanAP computes mAP@0.5 across classes. detections and truth are parallel
// per-image slices; numClasses is the label space size.
func MeanAP(detections [][]model.Detection, truth [][]model.Box, numClasses int) float64 {
	if numClasses == 0 {
		return 0
	}
	sum := 0.0
	classes := 0
	for c := 0; c < numClasses; c++ {
		images := make([]imageDetections, len(truth))
		hasTruth := false
		for i := range truth {
			for _, b := range truth[i] {
				if b.Label == c {
					images[i].truth = append(images[i].truth, b)
					hasTruth = true
				}
			}
			if i < len(detections) {
				for _, d := range detections[i] {
					if d.Box.Label == c {
						images[i].dets = append(images[i].dets, d)
					}
				}
			}
		}
		if !hasTruth {
			continue
		}
		sum += AveragePrecision(images)
		classes++
	}
	if classes == 0 {
		return 0
	}
	return sum / float64(classes)
}
