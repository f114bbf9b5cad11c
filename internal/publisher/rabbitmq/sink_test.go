package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) PublishWithDeferredConfirmWithContext(
	ctx context.Context,
	exchange, key string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) (*amqp.DeferredConfirmation, error) {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	return nil, args.Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

func testBatch() crawler.Batch {
	return crawler.Batch{
		Sink:   "pages",
		Fields: []crawler.Field{{Name: "url"}},
		Rows:   [][]any{{"https://a.test"}, {"https://b.test"}},
		Seeds:  []crawler.Seed{{ID: "s1"}, {ID: "s2"}},
	}
}

func TestSinkFlushPublishesBatch(t *testing.T) {
	t.Parallel()

	ch := &mockChannel{}
	sink, err := New("pages", Config{Queue: "crawl.pages"}, ch)
	require.NoError(t, err)
	require.Equal(t, "pages", sink.Name())

	ch.On("PublishWithDeferredConfirmWithContext", mock.Anything, "", "crawl.pages", false, false,
		mock.MatchedBy(func(msg amqp.Publishing) bool {
			var body message
			if err := json.Unmarshal(msg.Body, &body); err != nil {
				return false
			}
			return msg.DeliveryMode == amqp.Persistent &&
				msg.ContentType == "application/json" &&
				body.Sink == "pages" &&
				len(body.Rows) == 2 &&
				body.Rows[1]["url"] == "https://b.test" &&
				len(body.SeedIDs) == 2
		})).Return(nil).Once()
	ch.On("Close").Return(nil).Once()

	require.NoError(t, sink.Flush(context.Background(), testBatch()))
	require.NoError(t, sink.Flush(context.Background(), crawler.Batch{Sink: "pages"}))
	require.NoError(t, sink.Close())
	ch.AssertExpectations(t)
}

func TestSinkFlushSurfacesPublishErrors(t *testing.T) {
	t.Parallel()

	ch := &mockChannel{}
	sink, err := New("pages", Config{}, ch)
	require.NoError(t, err)

	boom := errors.New("channel closed")
	ch.On("PublishWithDeferredConfirmWithContext", mock.Anything, "", "pages", false, false, mock.Anything).
		Return(boom).Once()

	require.ErrorIs(t, sink.Flush(context.Background(), testBatch()), boom)
	ch.AssertExpectations(t)
}

func TestNewAndDialValidate(t *testing.T) {
	t.Parallel()

	_, err := New("pages", Config{}, nil)
	require.Error(t, err)
	_, err = New("", Config{}, &mockChannel{})
	require.Error(t, err)
	_, err = Dial("pages", Config{})
	require.ErrorContains(t, err, "required")
}
