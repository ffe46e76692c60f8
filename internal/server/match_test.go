package server

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telnet2/patchsync/pkg/types"
)

func TestFilterChannels(t *testing.T) {
	infos := []types.ChannelInfo{{ID: "count"}, {ID: "todos/alice"}, {ID: "todos/bob"}, {ID: "todos/team/x"}}

	ids := func(in []types.ChannelInfo) []string {
		out := make([]string, 0, len(in))
		for _, info := range in {
			out = append(out, info.ID)
		}
		return out
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"*", []string{"count"}},
		{"todos/*", []string{"todos/alice", "todos/bob"}},
		{"todos/**", []string{"todos/alice", "todos/bob", "todos/team/x"}},
		{"todos/{alice,carol}", []string{"todos/alice"}},
		{"nothing", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := filterChannels(infos, tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	_, err := filterChannels(infos, "todos/[")
	assert.Error(t, err)
}

func TestListChannels_Match(t *testing.T) {
	h, ts := setupTestServer(t)
	for _, id := range []string{"count", "todos/alice", "todos/bob"} {
		_, err := h.Register(context.Background(), id, 0)
		require.NoError(t, err)
	}

	var list []types.ChannelInfo
	require.Equal(t, http.StatusOK, doRequest(t, "GET", ts.URL+"/channel?match="+url.QueryEscape("todos/*"), "", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "todos/alice", list[0].ID)
	assert.Equal(t, "todos/bob", list[1].ID)

	var errResp ErrorResponse
	require.Equal(t, http.StatusBadRequest, doRequest(t, "GET", ts.URL+"/channel?match="+url.QueryEscape("["), "", &errResp))
	assert.Equal(t, ErrCodeInvalidRequest, errResp.Error.Code)
}

func TestChannelID_Escaped(t *testing.T) {
	h, ts := setupTestServer(t)
	_, err := h.Register(context.Background(), "todos/alice", []any{})
	require.NoError(t, err)

	var snap types.Snapshot
	require.Equal(t, http.StatusOK, doRequest(t, "GET", ts.URL+"/channel/"+url.PathEscape("todos/alice"), "", &snap))
	assert.Equal(t, "todos/alice", snap.Channel)
}

func TestUnknownChannel_Suggestion(t *testing.T) {
	h, ts := setupTestServer(t)
	_, err := h.Register(context.Background(), "counter", 0)
	require.NoError(t, err)

	var errResp ErrorResponse
	require.Equal(t, http.StatusNotFound, doRequest(t, "GET", ts.URL+"/channel/countr", "", &errResp))
	assert.Equal(t, ErrCodeNotFound, errResp.Error.Code)
	assert.Equal(t, "counter", errResp.Error.Details["suggestion"])

	errResp = ErrorResponse{}
	require.Equal(t, http.StatusNotFound, doRequest(t, "GET", ts.URL+"/channel/zzz", "", &errResp))
	assert.Empty(t, errResp.Error.Details)
}

func TestMultiChannelSSE_Match(t *testing.T) {
	h, ts := setupTestServer(t)
	for _, id := range []string{"todos/alice", "todos/bob", "count"} {
		_, err := h.Register(context.Background(), id, 0)
		require.NoError(t, err)
	}

	resp, frames := openSSE(t, ts.URL+"/sse?match="+url.QueryEscape("todos/*"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		f := nextFrame(t, frames)
		seen[f.Event] = true
		assert.True(t, decodePatch(t, f.Data).Resync)
	}
	assert.Equal(t, map[string]bool{"todos/alice": true, "todos/bob": true}, seen)

	resp, _ = openSSE(t, ts.URL+"/sse?match=nothing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
