package mcp

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_UnmarshalPicksFirstFittingKind(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
	}{
		{`null`, KindNull},
		{`true`, KindBool},
		{`42`, KindInt},
		{`-7`, KindInt},
		{`4.5`, KindFloat},
		{`1e3`, KindFloat},
		{`9223372036854775808`, KindFloat}, // overflows int64
		{`"hi"`, KindString},
		{`[1,"a",null]`, KindList},
		{`{"a":{"b":[true]}}`, KindMap},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var v Value
			require.NoError(t, json.Unmarshal([]byte(tt.in), &v))
			assert.Equal(t, tt.kind, v.Kind())
		})
	}
}

func TestValue_IntegersStayIntegers(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"count":12345678901,"ratio":0.25}`), &v))

	n, ok := v.Get("count").AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(12345678901), n)

	f, ok := v.Get("ratio").AsFloat()
	require.True(t, ok)
	assert.Equal(t, 0.25, f)

	// Ints widen to float on request, never the other way.
	wide, ok := v.Get("count").AsFloat()
	assert.True(t, ok)
	assert.Equal(t, float64(12345678901), wide)
	_, ok = v.Get("ratio").AsInt()
	assert.False(t, ok)
}

func TestValue_MarshalDispatchesOnTag(t *testing.T) {
	v := Map(map[string]Value{
		"null":  Null(),
		"bool":  Bool(false),
		"int":   Int(3),
		"float": Float(3.5),
		"str":   Str("x\ny"),
		"list":  List(),
		"map":   Map(nil),
	})
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"null":null,"bool":false,"int":3,"float":3.5,"str":"x\ny","list":[],"map":{}}`, string(data))
	assert.NotContains(t, string(data), "\n", "encoded values never contain raw newlines")
}

func TestValue_RoundTripNested(t *testing.T) {
	in := `{"transactions":[{"amount":-12.5,"id":"t1","tags":["food"]},{"amount":100,"id":"t2","tags":[]}],"ok":true}`
	var v Value
	require.NoError(t, json.Unmarshal([]byte(in), &v))
	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))

	amount, ok := v.Get("transactions").Index(1).Get("amount").AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(100), amount)
	assert.True(t, v.Get("missing").IsNull())
	assert.True(t, v.Get("transactions").Index(9).IsNull())
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]interface{}{
		"n":    uint8(7),
		"f":    float32(1.5),
		"l":    []interface{}{"a", 1},
		"s":    []string{"x"},
		"nil":  nil,
		"kept": Str("v"),
	})
	require.NoError(t, err)
	assert.Equal(t, KindMap, v.Kind())
	assert.Equal(t, KindInt, v.Get("n").Kind())
	assert.Equal(t, KindFloat, v.Get("f").Kind())
	assert.Equal(t, 2, v.Get("l").Len())
	assert.Equal(t, KindNull, v.Get("nil").Kind())

	_, err = FromAny(struct{ A int }{1})
	assert.True(t, errors.Is(err, ErrProtocol))

	_, err = FromAny(map[string]interface{}{"bad": make(chan int)})
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestToValueAndDecode(t *testing.T) {
	type args struct {
		FilePath  string `json:"file_path"`
		Processor string `json:"processor"`
	}
	v, err := ToValue(args{FilePath: "/tmp/a.pdf", Processor: "auto"})
	require.NoError(t, err)
	s, _ := v.Get("file_path").AsString()
	assert.Equal(t, "/tmp/a.pdf", s)

	var back args
	require.NoError(t, v.Decode(&back))
	assert.Equal(t, "auto", back.Processor)
}

func TestValue_RejectsBadInput(t *testing.T) {
	var v Value
	assert.True(t, errors.Is(v.UnmarshalJSON([]byte(`{"a":`)), ErrProtocol))
	assert.True(t, errors.Is(v.UnmarshalJSON([]byte(`1 2`)), ErrProtocol))

	_, err := Float(math.NaN()).MarshalJSON()
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestObject(t *testing.T) {
	v, err := Object("name", "categorize_transaction", "arguments", map[string]interface{}{"amount": 5})
	require.NoError(t, err)
	name, _ := v.Get("name").AsString()
	assert.Equal(t, "categorize_transaction", name)

	_, err = Object("odd")
	assert.Error(t, err)
	_, err = Object(1, 2)
	assert.Error(t, err)
}
