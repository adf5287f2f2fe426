package model

import "encoding/json"

// EncodeTuple serializes a FetchEmitTuple to the wire format (spec §6).
func EncodeTuple(t FetchEmitTuple) (string, error) {
	if t.OnParseException == "" {
		t.OnParseException = PolicySkip
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeTuple parses the wire format produced by EncodeTuple.
func DecodeTuple(s string) (FetchEmitTuple, error) {
	var t FetchEmitTuple
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return FetchEmitTuple{}, err
	}
	if t.OnParseException == "" {
		t.OnParseException = PolicySkip
	}
	return t, nil
}
