package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTupleRoundTrip(t *testing.T) {
	in := FetchEmitTuple{
		FetchKey:         FetchKey{FetcherID: "fs", Key: "a.txt"},
		EmitKey:          EmitKey{EmitterID: "stdout", Key: "a.txt"},
		Metadata:         map[string]string{"lang": "en"},
		OnParseException: PolicyEmitEmpty,
	}

	s, err := EncodeTuple(in)
	require.NoError(t, err)

	out, err := DecodeTuple(s)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeTupleDefaultsPolicyToSkip(t *testing.T) {
	out, err := DecodeTuple(`{"fetchKey":{"fetcherId":"fs","key":"a"},"emitKey":{"emitterId":"e","key":"a"}}`)
	require.NoError(t, err)
	require.Equal(t, PolicySkip, out.OnParseException)
}
