package placeholder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{
			name: "all variables present",
			text: "Approval needed for {{repository}} by {{ requester }}",
			vars: map[string]string{"repository": "acme/api", "requester": "alice"},
			want: "Approval needed for acme/api by alice",
		},
		{
			name: "missing variable left literal",
			text: "Hello {{name}}, see {{link}}",
			vars: map[string]string{"name": "bob"},
			want: "Hello bob, see {{link}}",
		},
		{
			name: "dotted keys",
			text: "{{repository.fullName}}@{{repository.defaultBranch}}",
			vars: map[string]string{"repository.fullName": "acme/web", "repository.defaultBranch": "main"},
			want: "acme/web@main",
		},
		{
			name: "no placeholders",
			text: "plain text",
			vars: nil,
			want: "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.text, tt.vars))
		})
	}
}

func TestMissing(t *testing.T) {
	missing := Missing("{{a}} {{b}} {{a}} {{c}}", map[string]string{"b": "x"})
	assert.Equal(t, []string{"a", "c"}, missing)
}

func TestFlatten(t *testing.T) {
	out := Flatten(map[string]interface{}{
		"repository": map[string]interface{}{"name": "api", "stars": 3},
		"priority":   "high",
		"empty":      nil,
	})

	assert.Equal(t, "api", out["repository.name"])
	assert.Equal(t, "3", out["repository.stars"])
	assert.Equal(t, "high", out["priority"])
	assert.Equal(t, "", out["empty"])
}
