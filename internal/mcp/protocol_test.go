package mcp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMessage_Shapes(t *testing.T) {
	params, err := Object("name", "analyze_statement")
	require.NoError(t, err)

	data, err := EncodeMessage(NewRequest("r-1", MethodToolsCall, params))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"r-1","method":"tools/call","params":{"name":"analyze_statement"}}`, string(data))

	data, err = EncodeMessage(NewNotification(MethodInitialized, Null()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/initialized","params":null}`, string(data))

	data, err = EncodeMessage(NewResultResponse("r-2", Null()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"r-2","result":null}`, string(data))

	data, err = EncodeMessage(NewErrorResponse("r-3", NewRPCError(CodeToolFailed, "boom")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"r-3","error":{"code":-32003,"message":"boom"}}`, string(data))

	_, err = EncodeMessage(NewRequest("", MethodPing, Null()))
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestResponse_ResultAndErrorExclusive(t *testing.T) {
	ok := NewResultResponse("a", Int(1))
	assert.True(t, ok.Success())
	assert.Nil(t, ok.Err())

	failed := NewErrorResponse("b", nil)
	assert.False(t, failed.Success())
	require.NotNil(t, failed.Err())
	assert.Equal(t, CodeInternalError, failed.Err().Code)
	assert.True(t, failed.Result().IsNull())
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}`))
	require.NoError(t, err)
	resp, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, "7", resp.ID(), "numeric ids normalize to decimal text")
	assert.True(t, resp.Success())

	msg, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","id":"x","result":null,"error":{"code":-32601,"message":"nope","data":{"m":"foo"}}}`))
	require.NoError(t, err)
	resp = msg.(*Response)
	assert.False(t, resp.Success())
	assert.Equal(t, CodeMethodNotFound, resp.Err().Code)
	assert.Contains(t, resp.Err().Error(), `"m":"foo"`)

	msg, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","id":"y","result":{"a":1},"error":null}`))
	require.NoError(t, err)
	assert.True(t, msg.(*Response).Success())

	msg, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"pct":50}}`))
	require.NoError(t, err)
	n, ok := msg.(*Notification)
	require.True(t, ok)
	pct, _ := n.Params.Get("pct").AsInt()
	assert.Equal(t, int64(50), pct)

	msg, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","id":"s1","method":"ping"}`))
	require.NoError(t, err)
	_, ok = msg.(*Request)
	assert.True(t, ok)
}

func TestDecodeMessage_Rejects(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`{"jsonrpc":"1.0","id":"1","result":1}`,
		`{"jsonrpc":"2.0"}`,
		`{"jsonrpc":"2.0","id":{"x":1},"result":1}`,
		`{"jsonrpc":"2.0","id":"1","error":"string error"}`,
	} {
		_, err := DecodeMessage([]byte(in))
		assert.True(t, errors.Is(err, ErrProtocol), in)
	}
}

func TestMethodDefaultTimeouts(t *testing.T) {
	assert.Equal(t, 10*time.Second, MethodInitialize.DefaultTimeout())
	assert.Equal(t, 5*time.Second, MethodPing.DefaultTimeout())
	assert.Equal(t, 5*time.Second, MethodToolsList.DefaultTimeout())
	assert.Equal(t, 120*time.Second, MethodToolsCall.DefaultTimeout())
	assert.Equal(t, 60*time.Second, MethodFinancialAnalyze.DefaultTimeout())
	assert.Equal(t, 300*time.Second, MethodDocumentProcess.DefaultTimeout())
	assert.Equal(t, 30*time.Second, Method("custom/thing").DefaultTimeout())
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, IsTransient(ErrConnectionClosed))
	assert.True(t, IsTransient(ErrNotConnected))
	assert.True(t, IsTransient(ErrTimeout))
	assert.False(t, IsTransient(ErrProtocol))
	assert.False(t, IsTransient(NewRPCError(CodeServerError, "x")))

	assert.Equal(t, "application", ErrorKind(NewRPCError(CodeServerError, "x")))
	assert.Equal(t, "timeout", ErrorKind(ErrTimeout))
	assert.Equal(t, "transport", ErrorKind(ErrConnectionClosed))
	assert.Equal(t, "lifecycle", ErrorKind(ErrLifecycle))
	assert.Equal(t, "", ErrorKind(nil))
}

func TestStateMachineEdges(t *testing.T) {
	assert.True(t, CanTransition(StateDisconnected, StateConnecting))
	assert.True(t, CanTransition(StateConnecting, StateConnected))
	assert.True(t, CanTransition(StateConnected, StateReconnecting))
	assert.True(t, CanTransition(StateReconnecting, StateConnected))
	assert.True(t, CanTransition(StateReconnecting, StateError))
	assert.True(t, CanTransition(StateError, StateConnecting))

	assert.False(t, CanTransition(StateDisconnected, StateConnected))
	assert.False(t, CanTransition(StateError, StateConnected))
	assert.False(t, CanTransition(StateDisconnected, StateReconnecting))
	assert.False(t, CanTransition(StateError, StateReconnecting))
}
