package collyfetcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNeedsRender(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"empty body", 200, "", true},
		{"spa marker", 200, `<div id="__next"></div>`, true},
		{"script heavy", 200, `<html><script>var a=1;</script><p>t</p></html>`, true},
		{"unterminated script", 200, `<p>x</p><script src="a.js"`, true},
		{"plain html", 200, `<html><body><p>lots of static text here</p></body></html>`, false},
		{"non 200", 404, "not found", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, needsRender(tc.status, []byte(tc.body), 1000))
		})
	}
}

func TestHostBlocklist(t *testing.T) {
	t.Parallel()

	b := newHostBlocklist([]string{" Ads.Example.com ", "*.tracker.test", ".cdn.test", "", "*."})
	require.True(t, b.Blocked("ads.example.com"))
	require.False(t, b.Blocked("example.com"))
	require.True(t, b.Blocked("x.tracker.test"))
	require.True(t, b.Blocked("tracker.test"))
	require.True(t, b.Blocked("img.cdn.test"))
	require.False(t, b.Blocked("notcdn.test"))
	require.False(t, b.Blocked(""))

	require.Nil(t, newHostBlocklist([]string{" ", ""}))
	var none *hostBlocklist
	require.False(t, none.Blocked("anything.test"))
}
