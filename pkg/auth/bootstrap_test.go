package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBootstrapRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request BootstrapRequest
		wantMsg string
	}{
		{
			name:    "valid",
			request: BootstrapRequest{Name: "Ada", Email: "ada@example.com", Password: "correct horse"},
			wantMsg: "",
		},
		{
			name:    "missing name",
			request: BootstrapRequest{Email: "ada@example.com", Password: "correct horse"},
			wantMsg: "name is required",
		},
		{
			name:    "bad email",
			request: BootstrapRequest{Name: "Ada", Email: "not-an-email", Password: "correct horse"},
			wantMsg: "a valid email address is required",
		},
		{
			name:    "short password",
			request: BootstrapRequest{Name: "Ada", Email: "ada@example.com", Password: "short"},
			wantMsg: "password must be at least 8 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.request.Validate())
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Acme Corp", "acme-corp"},
		{"  Acme!!Corp  ", "acme-corp"},
		{"already-a-slug", "already-a-slug"},
		{"UPPER", "upper"},
		{"a b   c", "a-b-c"},
		{"---", ""},
		{"", ""},
		{"trailing punctuation!!!", "trailing-punctuation"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.input), "input %q", tt.input)
	}
}

func TestSlugifyCapsLength(t *testing.T) {
	long := ""
	for i := 0; i < 10; i++ {
		long += "abcdefghij"
	}
	slug := Slugify(long)
	assert.LessOrEqual(t, len(slug), 63)
	assert.NotEmpty(t, slug)
}

func TestCheckPasswordEmptyHashFails(t *testing.T) {
	assert.False(t, CheckPassword("", "anything"))
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	assert.NoError(t, err)
	assert.True(t, CheckPassword(hash, "correct horse"))
	assert.False(t, CheckPassword(hash, "wrong horse"))
}
