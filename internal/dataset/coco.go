// Package dataset loads COCO-style detection data and streams stride-padded
// training batches through a worker pool.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"retina-forge/internal/augment"
)

// ImageRecord is one annotated image. Box categories are remapped to
// contiguous labels in [0, NumClasses).
type ImageRecord struct {
	ID       int
	FileName string
	Width    int
	Height   int
	Boxes    []augment.Box
}

// Index is a loaded annotation file.
type Index struct {
	Images []ImageRecord

	labelToCat  []int
	labelToName []string
}

type cocoFile struct {
	Images []struct {
		ID       int    `json:"id"`
		FileName string `json:"file_name"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	} `json:"images"`
	Annotations []struct {
		ImageID    int       `json:"image_id"`
		CategoryID int       `json:"category_id"`
		BBox       []float64 `json:"bbox"`
		IsCrowd    int       `json:"iscrowd"`
	} `json:"annotations"`
	Categories []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
}

// LoadIndex parses a COCO annotation file. Crowd annotations and malformed
// boxes are dropped.
func LoadIndex(path string) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}
	var file cocoFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse annotations: %w", err)
	}
	if len(file.Images) == 0 {
		return nil, fmt.Errorf("annotations %s contain no images", path)
	}
	if len(file.Categories) == 0 {
		return nil, fmt.Errorf("annotations %s contain no categories", path)
	}

	sort.Slice(file.Categories, func(i, j int) bool {
		return file.Categories[i].ID < file.Categories[j].ID
	})
	catToLabel := make(map[int]int, len(file.Categories))
	idx := &Index{
		labelToCat:  make([]int, len(file.Categories)),
		labelToName: make([]string, len(file.Categories)),
	}
	for label, cat := range file.Categories {
		catToLabel[cat.ID] = label
		idx.labelToCat[label] = cat.ID
		idx.labelToName[label] = cat.Name
	}

	byID := make(map[int]*ImageRecord, len(file.Images))
	idx.Images = make([]ImageRecord, len(file.Images))
	for i, img := range file.Images {
		idx.Images[i] = ImageRecord{
			ID:       img.ID,
			FileName: img.FileName,
			Width:    img.Width,
			Height:   img.Height,
		}
		byID[img.ID] = &idx.Images[i]
	}

	for _, ann := range file.Annotations {
		if ann.IsCrowd != 0 || len(ann.BBox) != 4 {
			continue
		}
		if ann.BBox[2] <= 0 || ann.BBox[3] <= 0 {
			continue
		}
		rec, ok := byID[ann.ImageID]
		if !ok {
			continue
		}
		label, ok := catToLabel[ann.CategoryID]
		if !ok {
			continue
		}
		rec.Boxes = append(rec.Boxes, augment.Box{
			X: ann.BBox[0], Y: ann.BBox[1], W: ann.BBox[2], H: ann.BBox[3],
			Category: label,
		})
	}
	return idx, nil
}

// NumClasses is the number of contiguous labels.
func (i *Index) NumClasses() int {
	return len(i.labelToCat)
}

// Len is the number of images.
func (i *Index) Len() int {
	return len(i.Images)
}

// CategoryID maps a contiguous label back to the COCO category id.
func (i *Index) CategoryID(label int) int {
	return i.labelToCat[label]
}

// CategoryName maps a contiguous label to its name.
func (i *Index) CategoryName(label int) string {
	return i.labelToName[label]
}
