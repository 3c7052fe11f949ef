package fetcher

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectBlock(t *testing.T) {
	bigPage := "<html><body>" + strings.Repeat("<div>product details</div>", 1000) + "<script src=\"recaptcha.js\"></script></body></html>"

	tests := []struct {
		name      string
		status    int
		headers   http.Header
		body      string
		wantBlock bool
		wantType  BlockType
	}{
		{"normal page", 200, http.Header{}, "<html><body><h1>Widget</h1></body></html>", false, BlockNone},
		{"cloudflare header 403", 403, http.Header{"Cf-Ray": {"abc123"}}, "", true, BlockCloudflare},
		{"cloudflare server 503", 503, http.Header{"Server": {"cloudflare"}}, "", true, BlockCloudflare},
		{"challenge page", 200, http.Header{}, "<title>Just a moment...</title>Checking your browser", true, BlockCloudflare},
		{"captcha", 403, http.Header{}, "<div class=\"g-recaptcha\"></div>", true, BlockCaptcha},
		{"js shell", 200, http.Header{}, "<noscript>Please enable JavaScript</noscript>", true, BlockJSShell},
		{"meta refresh", 200, http.Header{}, `<meta http-equiv="refresh" content="0;url=/x">`, true, BlockJSShell},
		{"large page with captcha widget", 200, http.Header{}, bigPage, false, BlockNone},
		{"404 page mentioning captcha", 404, http.Header{}, "not found. captcha", false, BlockNone},
		{"json body", 200, http.Header{"Content-Type": {"application/json"}}, `{"name":"Captcha Board Game"}`, false, BlockNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: tt.headers}
			blocked, kind := DetectBlock(resp, []byte(tt.body))
			assert.Equal(t, tt.wantBlock, blocked)
			assert.Equal(t, tt.wantType, kind)
		})
	}

	blocked, kind := DetectBlock(nil, nil)
	assert.False(t, blocked)
	assert.Equal(t, BlockNone, kind)
}
