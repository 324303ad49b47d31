package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/tracehq/orchestrator/pkg/mmodel"
)

// marshalHandles encodes task outputs as the jsonb stored in the
// `outputs` column. An empty slice marshals to "[]" rather than null so
// readers can always unmarshal into []mmodel.Handle.
func marshalHandles(outputs []mmodel.Handle) ([]byte, error) {
	if outputs == nil {
		outputs = []mmodel.Handle{}
	}

	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal outputs: %w", err)
	}

	return b, nil
}
