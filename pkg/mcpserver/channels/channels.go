// Package channels provides an MCP server whose tools read and publish
// channel values.
package channels

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/telnet2/patchsync/pkg/types"
)

// Backend is the part of the hub the tools need.
type Backend interface {
	Channels() []types.ChannelInfo
	Snapshot(id string) (types.Snapshot, error)
	Register(ctx context.Context, id string, initial any) (types.ChannelInfo, error)
	Publish(ctx context.Context, id string, value any) (*types.SequencedPatch, error)
}

// PublishResult is the text payload of the publish tool.
type PublishResult struct {
	Changed  bool        `json:"changed"`
	Sequence uint64      `json:"sequence"`
	Patch    types.Patch `json:"patch,omitempty"`
}

// NewServer creates an MCP server with channel tools bound to b.
func NewServer(b Backend, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"patchsync",
		version,
		server.WithToolCapabilities(true),
	)
	t := &tools{backend: b}

	s.AddTool(mcp.NewTool("list_channels",
		mcp.WithDescription("Lists every channel with its current sequence and session count"),
	), t.listChannels)

	s.AddTool(mcp.NewTool("get_snapshot",
		mcp.WithDescription("Returns the current value and sequence of a channel"),
		mcp.WithString("channel",
			mcp.Required(),
			mcp.Description("Channel id"),
		),
	), t.getSnapshot)

	s.AddTool(mcp.NewTool("register_channel",
		mcp.WithDescription("Creates a channel with an initial JSON value at sequence 0"),
		mcp.WithString("channel",
			mcp.Required(),
			mcp.Description("Channel id"),
		),
		mcp.WithString("value",
			mcp.Description("Initial value as JSON text; null when omitted"),
		),
	), t.registerChannel)

	s.AddTool(mcp.NewTool("publish",
		mcp.WithDescription("Replaces the value of a channel and returns the patch sent to subscribers"),
		mcp.WithString("channel",
			mcp.Required(),
			mcp.Description("Channel id"),
		),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("New value as JSON text"),
		),
	), t.publish)

	return s
}

type tools struct {
	backend Backend
}

func (t *tools) listChannels(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.backend.Channels())
}

func (t *tools) getSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := t.backend.Snapshot(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snap)
}

func (t *tools) registerChannel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var initial any
	if raw := request.GetString("value", ""); raw != "" {
		if initial, err = parseValue(raw); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	info, err := t.backend.Register(ctx, id, initial)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info)
}

func (t *tools) publish(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := request.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := parseValue(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sp, err := t.backend.Publish(ctx, id, value)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if sp == nil {
		snap, err := t.backend.Snapshot(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(PublishResult{Sequence: snap.Sequence})
	}
	return jsonResult(PublishResult{Changed: true, Sequence: sp.Sequence, Patch: sp.Patch})
}

func parseValue(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("value is not valid JSON: %w", err)
	}
	return v, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
