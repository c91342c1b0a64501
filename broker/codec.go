package broker

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/fiscal/workitem"
)

// ContentType is the MIME type of encoded envelopes.
const ContentType = "application/json"

// Encode serializes a work item envelope.
func Encode(item *workitem.WorkItem) ([]byte, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("broker: encode item %s: %w", item.ID, err)
	}
	return b, nil
}

// Decode parses a work item envelope.
func Decode(body []byte) (*workitem.WorkItem, error) {
	var item workitem.WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("broker: decode item: %w", err)
	}
	return &item, nil
}
