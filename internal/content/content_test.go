package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		contentType string
		want        Info
	}{
		{
			name:        "html with header",
			body:        []byte("<html><head><title>  Hello\n  World </title></head></html>"),
			contentType: "text/html; charset=utf-8",
			want:        Info{MediaType: "text/html", IsText: true, Title: "Hello World"},
		},
		{
			name: "html sniffed",
			body: []byte("<!DOCTYPE html><html><head><title>Sniffed</title></head><body></body></html>"),
			want: Info{MediaType: "text/html", IsText: true, Title: "Sniffed"},
		},
		{
			name:        "json",
			body:        []byte(`{"a":1}`),
			contentType: "application/json",
			want:        Info{MediaType: "application/json", IsText: true},
		},
		{
			name:        "problem json",
			body:        []byte(`{"title":"x"}`),
			contentType: "application/problem+json",
			want:        Info{MediaType: "application/problem+json", IsText: true},
		},
		{
			name: "png sniffed",
			body: []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"),
			want: Info{MediaType: "image/png"},
		},
		{
			name:        "octet stream with text",
			body:        []byte("plain words"),
			contentType: "application/octet-stream",
			want:        Info{MediaType: "text/plain", IsText: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.body, tt.contentType))
		})
	}
}

func TestTitleCharset(t *testing.T) {
	// "Café" in ISO-8859-1
	body := []byte("<html><head><title>Caf\xe9</title></head></html>")
	assert.Equal(t, "Café", Title(body, "text/html; charset=iso-8859-1"))
}

func TestTitleMissing(t *testing.T) {
	assert.Empty(t, Title([]byte("<html><body>no title</body></html>"), "text/html"))
}
