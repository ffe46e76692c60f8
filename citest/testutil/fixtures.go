package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"strconv"
)

// RandomString generates a random string of n characters
func RandomString(n int) string {
	bytes := make([]byte, n/2+1)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:n]
}

// ChannelName returns a unique channel name with the given prefix
func ChannelName(prefix string) string {
	return prefix + "-" + RandomString(8)
}

// TempDir creates a temporary directory
type TempDir struct {
	Path string
}

// NewTempDir creates a temp directory
func NewTempDir() (*TempDir, error) {
	path, err := os.MkdirTemp("", "patchsync-test-*")
	if err != nil {
		return nil, err
	}
	return &TempDir{Path: path}, nil
}

// Cleanup removes the temp directory and all contents
func (d *TempDir) Cleanup() {
	os.RemoveAll(d.Path)
}

// ---- Value Fixtures ----

// Todo is one item of the todo list fixture
type Todo struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// TodoList is a document exercising object and array diffs
type TodoList struct {
	Owner string `json:"owner"`
	Items []Todo `json:"items"`
}

// TodoStep returns the todo list after step edits: items are added,
// toggled and removed in a fixed rotation so every step changes the value.
func TodoStep(step int) TodoList {
	list := TodoList{Owner: "owner-" + strconv.Itoa(step%3), Items: []Todo{}}
	for i := 0; i <= step%7; i++ {
		list.Items = append(list.Items, Todo{
			ID:    i,
			Title: "task " + strconv.Itoa(i),
			Done:  (step+i)%2 == 0,
		})
	}
	return list
}

// Normalized round-trips v through JSON so it compares equal to decoded
// stream values.
func Normalized(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}
