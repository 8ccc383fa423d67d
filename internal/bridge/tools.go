package bridge

import (
	"context"
	"fmt"

	"ledgerbridge/internal/mcp"

	"github.com/patrickmn/go-cache"
)

// ListTools returns the worker's tools/list result. Results are cached per
// worker until the TTL expires or the worker leaves the connected state.
func (b *Bridge) ListTools(ctx context.Context, workerID string) ([]mcp.Tool, error) {
	if cached, ok := b.tools.Get(workerID); ok {
		return cached.([]mcp.Tool), nil
	}
	v, err := b.SendRequest(ctx, workerID, mcp.MethodToolsList, mcp.Null())
	if err != nil {
		return nil, err
	}
	var res mcp.ToolsListResult
	if err := v.Decode(&res); err != nil {
		return nil, fmt.Errorf("%s: decoding tools/list: %w", workerID, err)
	}
	b.tools.Set(workerID, res.Tools, cache.DefaultExpiration)
	return res.Tools, nil
}

// CallTool invokes one tool on a worker. A result flagged isError is
// returned together with a non-nil error.
func (b *Bridge) CallTool(ctx context.Context, workerID, name string, args map[string]interface{}) (mcp.ToolCallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	params, err := mcp.ToValue(mcp.ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return mcp.ToolCallResult{}, err
	}
	v, err := b.SendRequest(ctx, workerID, mcp.MethodToolsCall, params)
	if err != nil {
		return mcp.ToolCallResult{}, err
	}
	var res mcp.ToolCallResult
	if err := v.Decode(&res); err != nil {
		return mcp.ToolCallResult{}, fmt.Errorf("%s: decoding tools/call: %w", workerID, err)
	}
	if res.IsError {
		return res, fmt.Errorf("%s: tool %s failed: %s", workerID, name, res.Text())
	}
	return res, nil
}
