package catalog

import (
	"errors"
	"fmt"
	"sort"
)

// Image is a source image registered on a project by the project service.
type Image struct {
	ID        string `json:"id"`
	FileName  string `json:"file_name"`
	SourceKey string `json:"source_key"`
}

// Tool is one ordered step of a project's pipeline.
type Tool struct {
	Position  int            `json:"position"`
	Procedure string         `json:"procedure"`
	Params    map[string]any `json:"params,omitempty"`
}

// Project is the read-only view of a project the orchestrator needs: its
// owner, its images, and its ordered tool chain. The document is owned and
// written by the external project service; the orchestrator never mutates it.
type Project struct {
	ID      string  `json:"id"`
	OwnerID string  `json:"owner_id"`
	Name    string  `json:"name"`
	Images  []Image `json:"images"`
	Tools   []Tool  `json:"tools"`
}

var errToolPositions = errors.New("tool positions must be contiguous from 0")

// NormalizeTools returns the tool chain sorted by position, rejecting gaps
// and duplicates. Positions are contiguous 0..N-1 by contract; the project
// service renumbers on reorder/delete.
func NormalizeTools(tools []Tool) ([]Tool, error) {
	out := make([]Tool, len(tools))
	copy(out, tools)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	for i, t := range out {
		if t.Position != i {
			return nil, fmt.Errorf("%w: position %d at index %d", errToolPositions, t.Position, i)
		}
	}
	return out, nil
}

// ImageByID finds a project image, returning false when absent.
func (p *Project) ImageByID(imageID string) (Image, bool) {
	for _, img := range p.Images {
		if img.ID == imageID {
			return img, true
		}
	}
	return Image{}, false
}
