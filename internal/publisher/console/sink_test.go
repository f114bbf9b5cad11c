package console

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

func TestSinkLogsRows(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := New("pages", zap.New(core))
	require.Equal(t, "pages", sink.Name())

	err := sink.Flush(context.Background(), crawler.Batch{
		Sink:   "pages",
		Fields: []crawler.Field{{Name: "url"}},
		Rows:   [][]any{{"https://a.test"}, {"https://b.test"}},
	})
	require.NoError(t, err)

	rows := logs.FilterMessage("row").All()
	require.Len(t, rows, 2)
	require.Equal(t, "pages", rows[0].ContextMap()["sink"])
	require.Equal(t, map[string]any{"url": "https://a.test"}, rows[0].ContextMap()["row"])
}
