package checkpoint

import (
	"fmt"
	"sort"
	"strings"
)

// ValidateTensorName rejects names that could escape a section or smuggle
// control bytes.
func ValidateTensorName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	case len(name) > maxTensorName:
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), maxTensorName),
		}
	case strings.Contains(name, ".."):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains '..'"}
	case strings.ContainsAny(name, "/\\"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains path separator (/ or \\)"}
	case strings.Contains(name, "\x00"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains null byte"}
	}
	return nil
}

// ValidateHeader checks names and that every tensor lies inside the
// payload without sharing bytes with another tensor, in any section.
func ValidateHeader(h *Header, dataSize int64) error {
	var spans []span
	for section, metas := range h.Sections {
		if section != SectionState && section != SectionRotate {
			return &ValidationError{Type: "unknown_section", Details: section}
		}
		seen := make(map[string]bool, len(metas))
		for _, m := range metas {
			if err := ValidateTensorName(m.Name); err != nil {
				return err
			}
			if seen[m.Name] {
				return &ValidationError{Type: "duplicate_name", Tensor: m.Name, Details: "section " + section}
			}
			seen[m.Name] = true
			spans = append(spans, span{section: section, meta: m})
		}
	}
	if len(spans) > maxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(spans), maxTensorCount),
		}
	}
	return checkSpans(spans, dataSize)
}

// span is a tensor's byte range in tensors.bin, tagged with its section.
type span struct {
	section string
	meta    TensorMeta
}

func (s span) label() string { return s.section + "/" + s.meta.Name }

// checkSpans bounds every span by dataSize and rejects overlaps. Bounds are
// compared by subtraction so hostile offsets cannot wrap around.
func checkSpans(spans []span, dataSize int64) error {
	for _, s := range spans {
		off, size := s.meta.Offset, s.meta.Size
		if off < 0 || size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  s.label(),
				Details: fmt.Sprintf("offset=%d, size=%d", off, size),
			}
		}
		if size > dataSize || off > dataSize-size {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  s.label(),
				Details: fmt.Sprintf("offset %d + size %d exceeds data_size %d", off, size, dataSize),
			}
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].meta.Offset < spans[j].meta.Offset })
	for i := 1; i < len(spans); i++ {
		prev, next := spans[i-1], spans[i]
		if end := prev.meta.Offset + prev.meta.Size; end > next.meta.Offset {
			return &ValidationError{
				Type:    "offset_overlap",
				Tensor:  prev.label(),
				Tensor2: next.label(),
				Details: fmt.Sprintf("[%d, %d) overlaps [%d, %d)",
					prev.meta.Offset, end, next.meta.Offset, next.meta.Offset+next.meta.Size),
			}
		}
	}
	return nil
}
