package core

import "github.com/mohae/deepcopy"

// BinaryRef points at binary payload data held outside the item JSON.
// The engine never dereferences it; node behaviors exchange it opaquely.
type BinaryRef struct {
	ID       ID     `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Item is the atomic unit of data flowing on a pin: a structured JSON
// value plus optional named binary attachments.
type Item struct {
	JSON   any                  `json:"json"`
	Binary map[string]BinaryRef `json:"binary,omitempty"`
}

// NewItem wraps a structured value in an Item.
func NewItem(value any) Item {
	return Item{JSON: value}
}

// Copy returns a deep copy of the item so downstream mutation cannot
// leak back into cached results.
func (i Item) Copy() Item {
	out := Item{JSON: deepcopy.Copy(i.JSON)}
	if i.Binary != nil {
		out.Binary = make(map[string]BinaryRef, len(i.Binary))
		for name, ref := range i.Binary {
			out.Binary[name] = ref
		}
	}
	return out
}

// CopyItems deep-copies a slice of items.
func CopyItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i := range items {
		out[i] = items[i].Copy()
	}
	return out
}

// PinMain is the default pin name for both inputs and outputs.
const PinMain = "main"
