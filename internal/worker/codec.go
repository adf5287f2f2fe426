package worker

import (
	"encoding/json"

	"github.com/mycelian/docdispatch/internal/model"
)

// encodeEmitGroup serializes an (emitKey, metadataList) pair to JSON
// before compression (spec §4.6 step 4, §4.7 step 2).
func encodeEmitGroup(g model.EmitGroup) ([]byte, error) {
	return json.Marshal(g)
}

func decodeEmitGroup(raw []byte) (model.EmitGroup, error) {
	var g model.EmitGroup
	if err := json.Unmarshal(raw, &g); err != nil {
		return model.EmitGroup{}, err
	}
	return g, nil
}
