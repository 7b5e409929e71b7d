package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

const mirrorURL = "https://n.news.naver.com/mnews/article/032/0003312345"

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	f := &crawler.MockFetcher{}
	want := crawler.Document{RequestedURL: mirrorURL, FinalURL: mirrorURL, StatusCode: 200, Body: []byte("ok")}
	f.On("Fetch", mock.Anything, mirrorURL).Return(want, nil).Once()

	doc, err := New(f, zap.NewNop()).Fetch(context.Background(), crawler.Link{URL: mirrorURL})
	require.NoError(t, err)
	assert.Equal(t, want, doc)
	f.AssertExpectations(t)
}

func TestFetchRetriesOriginOnce(t *testing.T) {
	t.Parallel()

	f := &crawler.MockFetcher{}
	partial := crawler.Document{
		RequestedURL: mirrorURL,
		FinalURL:     mirrorURL,
		StatusCode:   404,
		Body:         []byte(`<div><a class="media_end_link_origin_article" href="/origin/story/1">원문</a></div>`),
	}
	origin := "https://n.news.naver.com/origin/story/1"
	f.On("Fetch", mock.Anything, mirrorURL).Return(partial, errors.New("Not Found")).Once()
	f.On("Fetch", mock.Anything, origin).
		Return(crawler.Document{RequestedURL: origin, FinalURL: origin, StatusCode: 200, Body: []byte("article")}, nil).Once()

	doc, err := New(f, zap.NewNop()).Fetch(context.Background(), crawler.Link{URL: mirrorURL})
	require.NoError(t, err)
	assert.Equal(t, origin, doc.FinalURL)
	assert.Equal(t, "article", string(doc.Body))
	f.AssertExpectations(t)
}

func TestFetchOriginFailureIsTransport(t *testing.T) {
	t.Parallel()

	f := &crawler.MockFetcher{}
	partial := crawler.Document{
		StatusCode: 500,
		Body:       []byte(`<a class="link_origin_article" href="https://origin.example/a">원문</a>`),
	}
	f.On("Fetch", mock.Anything, mirrorURL).Return(partial, errors.New("Internal Server Error")).Once()
	f.On("Fetch", mock.Anything, "https://origin.example/a").Return(crawler.Document{}, errors.New("dial tcp: refused")).Once()

	_, err := New(f, zap.NewNop()).Fetch(context.Background(), crawler.Link{URL: mirrorURL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, crawler.ErrTransport))
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, mirrorURL, fe.URL)
	f.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestFetchWithoutOriginDoesNotRetry(t *testing.T) {
	t.Parallel()

	f := &crawler.MockFetcher{}
	f.On("Fetch", mock.Anything, mirrorURL).Return(crawler.Document{RequestedURL: mirrorURL}, context.DeadlineExceeded).Once()

	_, err := New(f, zap.NewNop()).Fetch(context.Background(), crawler.Link{URL: mirrorURL})
	require.Error(t, err)
	assert.Equal(t, crawler.TransportFailure, crawler.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	f.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestFetchCustomOriginSelector(t *testing.T) {
	t.Parallel()

	f := &crawler.MockFetcher{}
	partial := crawler.Document{
		FinalURL: mirrorURL,
		Body:     []byte(`<a id="src" href="https://origin.example/b">원문</a><a class="link_origin_article" href="https://wrong.example">x</a>`),
	}
	f.On("Fetch", mock.Anything, mirrorURL).Return(partial, errors.New("boom")).Once()
	f.On("Fetch", mock.Anything, "https://origin.example/b").Return(crawler.Document{FinalURL: "https://origin.example/b"}, nil).Once()

	doc, err := New(f, nil, WithOriginSelector("a#src")).Fetch(context.Background(), crawler.Link{URL: mirrorURL})
	require.NoError(t, err)
	assert.Equal(t, "https://origin.example/b", doc.FinalURL)
	f.AssertExpectations(t)
}

func TestFetchIgnoresSelfReferencingOrigin(t *testing.T) {
	t.Parallel()

	f := &crawler.MockFetcher{}
	partial := crawler.Document{
		FinalURL: mirrorURL,
		Body:     []byte(`<a class="link_origin_article" href="` + mirrorURL + `">원문</a>`),
	}
	f.On("Fetch", mock.Anything, mirrorURL).Return(partial, errors.New("boom")).Once()

	_, err := New(f, zap.NewNop()).Fetch(context.Background(), crawler.Link{URL: mirrorURL})
	require.Error(t, err)
	f.AssertNumberOfCalls(t, "Fetch", 1)
}
