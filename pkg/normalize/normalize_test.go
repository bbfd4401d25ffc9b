package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURL(t *testing.T) {
	for in, want := range map[string]string{
		"":                "",
		"wss://x.com/y":   "wss://x.com/y",
		"wss://x.com/y/":  "wss://x.com/y",
		"http://x.com/y":  "ws://x.com/y",
		"https://x.com/y": "wss://x.com/y",
		"wss://x.com":     "wss://x.com",
		"wss://x.com/":    "wss://x.com",
		"x.com":           "wss://x.com",
		"x.com/":          "wss://x.com",
		"x.com////":       "wss://x.com",
		"x.com/?x=23":     "wss://x.com?x=23",
		"WSS://X.COM/Y":   "wss://x.com/y",
		"  wss://x.com  ": "wss://x.com",
	} {
		assert.Equalf(t, want, URL(in), "input %q", in)
	}
}

func TestURLIdempotent(t *testing.T) {
	for _, in := range []string{"http://x.com/y", "x.com", "wss://x.com/"} {
		once := URL(in)
		assert.Equal(t, once, URL(once))
	}
}

func TestURLUnparsable(t *testing.T) {
	assert.Equal(t, "", URL("wss://"))
	assert.Equal(t, "", URL("://what"))
	assert.Equal(t, "", URL(":"))
}
