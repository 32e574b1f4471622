package cors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApply(t *testing.T) {
	h := http.Header{"Access-Control-Allow-Origin": {"https://only.example"}}
	Apply(h)

	assert.Equal(t, []string{"*"}, h.Values("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", h.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "*", h.Get("Access-Control-Expose-Headers"))
}

func TestApplyPreflight(t *testing.T) {
	h := http.Header{}
	ApplyPreflight(h)

	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", h.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "GET,OPTIONS,PATCH,DELETE,POST,PUT", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "*", h.Get("Access-Control-Allow-Headers"))
}
