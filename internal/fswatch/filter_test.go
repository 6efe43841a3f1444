package fswatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterExcluded(t *testing.T) {
	f := NewFilter("build/")
	tests := []struct {
		rel   string
		isDir bool
		want  bool
	}{
		{rel: "notes/a.md", want: false},
		{rel: ".relaynote/catalog.db", want: true},
		{rel: ".git", isDir: true, want: true},
		{rel: "web/node_modules/pkg/index.js", want: true},
		{rel: "src/__pycache__", isDir: true, want: true},
		{rel: "build/out.txt", want: true},
		{rel: "notes/.DS_Store", want: true},
		{rel: "notes/.a.md.swp", want: true},
		{rel: "notes/a.md~", want: true},
		{rel: "notes/.#a.md", want: true},
		{rel: "notes/#a.md#", want: true},
		{rel: "notes/.a.md.tmp-12345", want: true},
		{rel: "notes/.hidden.md", want: false},
		{rel: "notes/builder.md", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Excluded(tt.rel, tt.isDir), tt.rel)
	}
}
