package mst

import (
	"encoding/json"

	"github.com/r3e-network/workflow-engine/internal/apperr"
)

func encodeRoot(rec rootRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, apperr.Persistence("marshal mst root", err)
	}
	return data, nil
}

func decodeRoot(data []byte, out *rootRecord) error {
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Persistence("unmarshal mst root", err)
	}
	return nil
}
