package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFramer_SplitAtArbitraryBoundaries(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "messages")
		var stream []byte
		want := make([]string, 0, n)
		for i := 0; i < n; i++ {
			text := rapid.String().Draw(rt, fmt.Sprintf("text%d", i))
			num := rapid.Int64().Draw(rt, fmt.Sprintf("num%d", i))
			msg, err := json.Marshal(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      fmt.Sprintf("req-%d", i),
				"result":  map[string]interface{}{"text": text, "n": num},
			})
			if err != nil {
				rt.Fatalf("marshal: %v", err)
			}
			want = append(want, string(msg))
			stream = append(stream, msg...)
			stream = append(stream, '\n')
		}

		cuts := rapid.SliceOfDistinct(rapid.IntRange(0, len(stream)), rapid.ID[int]).Draw(rt, "cuts")
		sort.Ints(cuts)

		f := NewFramer(0)
		var got []string
		prev := 0
		for _, c := range append(cuts, len(stream)) {
			for _, frame := range f.Feed(stream[prev:c]) {
				got = append(got, string(frame))
			}
			prev = c
		}

		if len(got) != len(want) {
			rt.Fatalf("got %d frames, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("frame %d: got %s want %s", i, got[i], want[i])
			}
		}
		if f.Buffered() != 0 {
			rt.Fatalf("%d bytes left buffered", f.Buffered())
		}
	})
}

func TestFramer_MultiLineMessageIsAssembled(t *testing.T) {
	f := NewFramer(0)
	assert.Empty(t, f.Feed([]byte("{\n  \"jsonrpc\": \"2.0\",\n")))
	frames := f.Feed([]byte("  \"id\": \"1\",\n  \"result\": {}\n}\n"))
	require.Len(t, frames, 1)
	assert.True(t, json.Valid(frames[0]))
	assert.Equal(t, 0, f.Buffered())
}

func TestFramer_NoiseBeforeMessageIsDropped(t *testing.T) {
	f := NewFramer(0)
	frames := f.Feed([]byte("Loading model weights...\n{\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":null}\n{\"jsonrpc\":\"2.0\",\"id\":\"2\",\"result\":null}\n"))
	require.Len(t, frames, 2)
	assert.Contains(t, string(frames[0]), `"id":"1"`)
	assert.Contains(t, string(frames[1]), `"id":"2"`)
	assert.Equal(t, 1, f.NoiseDrops())
	assert.Equal(t, 0, f.Buffered())
}

func TestFramer_IncompleteTailWaits(t *testing.T) {
	f := NewFramer(0)
	assert.Empty(t, f.Feed([]byte(`{"jsonrpc":"2.0","id":"1",`)))
	assert.Greater(t, f.Buffered(), 0)
	frames := f.Feed([]byte(`"result":1}` + "\n"))
	require.Len(t, frames, 1)
}

func TestFramer_BlankLinesSkipped(t *testing.T) {
	f := NewFramer(0)
	frames := f.Feed([]byte("\n\r\n  \n{\"a\":1}\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, `{"a":1}`, string(frames[0]))
	assert.Equal(t, 0, f.Buffered())
}

func TestFramer_OverflowDropsBuffer(t *testing.T) {
	f := NewFramer(64)
	frames := f.Feed(bytes.Repeat([]byte("x"), 100))
	assert.Empty(t, frames)
	assert.Equal(t, 0, f.Buffered())
	assert.Equal(t, 1, f.Overflows())

	// The framer keeps working after an overflow.
	frames = f.Feed([]byte("{\"ok\":true}\n"))
	require.Len(t, frames, 1)
}

func TestFramer_FramesDoNotAliasBuffer(t *testing.T) {
	f := NewFramer(0)
	frames := f.Feed([]byte("{\"a\":1}\n{\"b\":2"))
	require.Len(t, frames, 1)
	f.Feed([]byte("}\n"))
	assert.Equal(t, `{"a":1}`, string(frames[0]))
}
