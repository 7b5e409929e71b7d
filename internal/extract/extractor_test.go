package extract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

var kst = time.FixedZone("KST", 9*60*60)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubTokenizer struct{ tokens []crawler.Token }

func (s stubTokenizer) Tokenize(string) []crawler.Token { return s.tokens }

func newExtractor(tokens []crawler.Token, stop map[string]struct{}) *Extractor {
	return New(Config{}, stubTokenizer{tokens: tokens}, stop,
		fixedClock{now: time.Date(2024, 9, 2, 1, 0, 0, 0, time.UTC)}, zap.NewNop())
}

const sportsPage = `<html><head>
<meta property="og:title" content="뉴스 : 네이버스포츠">
</head><body>
<h2 class="news_title">류현진 시즌 10승 달성</h2>
<div class="article_head_info"><em>2024.09.01. 오후 3:04</em></div>
<div class="NewsEnd_news_end__AzcQj"><article>
<p>류현진이 한화 이글스 유니폼을 입고 시즌 10승을 달성했다. 류현진은 7이닝 무실점으로 호투했다.</p>
<p>한화 이글스는 이날 승리로 5위 경쟁에 다시 불을 붙였다.</p>
</article></div>
</body></html>`

func TestExtractFallsBackToTemplateOnPlaceholderTitle(t *testing.T) {
	t.Parallel()

	x := newExtractor(nil, nil)
	tmpl := crawler.Template{
		SiteMatchPattern: "m.sports.naver.com",
		ContentSelector:  ".NewsEnd_news_end__AzcQj",
		DateSelector:     ".article_head_info",
		DateElement:      "em",
		DateAttribute:    "textContent",
		TitleSelector:    "h2.news_title",
	}
	doc := crawler.Document{
		RequestedURL: "https://n.news.naver.com/sports/article/001/0014912345",
		FinalURL:     "https://m.sports.naver.com/kbaseball/article/001/0014912345",
		StatusCode:   200,
		Body:         []byte(sportsPage),
	}
	link := crawler.Link{URL: doc.RequestedURL, Site: "네이버뉴스", Category: "정치"}

	rec, err := x.Extract(doc, tmpl, true, link)
	require.NoError(t, err)
	assert.Equal(t, "류현진 시즌 10승 달성", rec.Title)
	assert.Contains(t, rec.Content, "한화 이글스")
	assert.True(t, rec.PublishedAt.Equal(time.Date(2024, 9, 1, 15, 4, 0, 0, kst)), "got %s", rec.PublishedAt)
	assert.Equal(t, "107", rec.Category, "sports URL overrides the listing label")
	assert.Equal(t, "0014912345", rec.ID)
	assert.Equal(t, doc.FinalURL, rec.URL)
	assert.Equal(t, "네이버뉴스", rec.Site)
	assert.Equal(t, time.Date(2024, 9, 2, 1, 0, 0, 0, time.UTC), rec.ScrapedAt)
}

const newsPage = `<html><head>
<title>반도체 수출 회복세</title>
<meta property="og:article:author" content="경향신문 | 네이버">
</head><body>
<h2 class="media_end_head_headline">반도체 수출 회복세</h2>
<a class="media_end_head_top_logo"><img title="경향신문" src="logo.png"></a>
<div class="media_end_head_info_datestamp"><span data-date-time="2024-09-01 09:30:00">2024.09.01. 오전 9:30</span></div>
<div class="newsct_wrapper"><article>
<p>반도체 수출이 석 달 연속 증가하며 회복세를 이어갔다. 산업통상자원부는 메모리 가격 상승이 수출을 견인했다고 밝혔다.</p>
</article></div>
</body></html>`

func TestExtractUsesAttributeDateAndPublisher(t *testing.T) {
	t.Parallel()

	x := newExtractor(nil, nil)
	tmpl := crawler.Template{
		SiteMatchPattern:  "n.news.naver.com",
		ContentSelector:   ".newsct_wrapper",
		DateSelector:      ".media_end_head_info_datestamp",
		DateElement:       "span",
		DateAttribute:     "data-date-time",
		TitleSelector:     ".media_end_head_headline",
		PublisherSelector: "a.media_end_head_top_logo img",
	}
	doc := crawler.Document{
		FinalURL: "https://n.news.naver.com/mnews/article/032/0003312345?sid=101",
		Body:     []byte(newsPage),
	}

	rec, err := x.Extract(doc, tmpl, true, crawler.Link{URL: doc.FinalURL, Category: "경제"})
	require.NoError(t, err)
	assert.Equal(t, "경향신문", rec.Publisher)
	assert.True(t, rec.PublishedAt.Equal(time.Date(2024, 9, 1, 9, 30, 0, 0, kst)), "got %s", rec.PublishedAt)
	assert.Equal(t, "101", rec.Category)
	assert.Equal(t, "0003312345", rec.ID)
	assert.Contains(t, rec.Content, "반도체 수출")
}

func TestExtractWithoutTemplateUsesHintAndMetaPublisher(t *testing.T) {
	t.Parallel()

	x := newExtractor(nil, nil)
	hint := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	doc := crawler.Document{
		FinalURL: "https://www.example.com/story/42",
		Body:     []byte(newsPage),
	}

	rec, err := x.Extract(doc, crawler.Template{}, false, crawler.Link{URL: doc.FinalURL, PublishedAtHint: hint, Category: "오피니언"})
	require.NoError(t, err)
	assert.True(t, rec.PublishedAt.Equal(hint))
	assert.Equal(t, "경향신문", rec.Publisher)
	assert.Equal(t, "오피니언", rec.Category, "unknown labels are kept verbatim")
	assert.Empty(t, rec.ID)
}

func TestExtractEmptyBodyIsParseFailure(t *testing.T) {
	t.Parallel()

	x := newExtractor(nil, nil)
	doc := crawler.Document{FinalURL: "https://www.example.com/empty", Body: []byte("<html><body></body></html>")}

	_, err := x.Extract(doc, crawler.Template{}, false, crawler.Link{URL: doc.FinalURL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, crawler.ErrParse))
	assert.Equal(t, crawler.ParseFailure, crawler.KindOf(err))
}

func TestExtractFiltersTokens(t *testing.T) {
	t.Parallel()

	x := newExtractor([]crawler.Token{
		{Text: "반도체", Tag: crawler.TagNoun},
		{Text: "수출", Tag: crawler.TagNoun},
		{Text: "반도체", Tag: crawler.TagNoun},
		{Text: "수", Tag: crawler.TagNoun},
		{Text: "기자", Tag: crawler.TagNoun},
		{Text: "이어갔다", Tag: crawler.TagOther},
		{Text: "2024", Tag: crawler.TagNumber},
	}, map[string]struct{}{"기자": {}})
	doc := crawler.Document{FinalURL: "https://n.news.naver.com/article/032/1", Body: []byte(newsPage)}

	rec, err := x.Extract(doc, crawler.Template{}, false, crawler.Link{URL: doc.FinalURL})
	require.NoError(t, err)
	assert.Equal(t, []string{"반도체", "수출"}, rec.Tokens)
}

func TestExtractReturnsFreshRecords(t *testing.T) {
	t.Parallel()

	x := newExtractor([]crawler.Token{{Text: "반도체", Tag: crawler.TagNoun}}, nil)
	doc := crawler.Document{FinalURL: "https://n.news.naver.com/article/032/1", Body: []byte(newsPage)}

	first, err := x.Extract(doc, crawler.Template{}, false, crawler.Link{URL: doc.FinalURL, Category: "경제"})
	require.NoError(t, err)
	first.Tokens[0] = "mutated"

	second, err := x.Extract(doc, crawler.Template{}, false, crawler.Link{URL: doc.FinalURL, Category: "세계"})
	require.NoError(t, err)
	assert.Equal(t, []string{"반도체"}, second.Tokens)
	assert.Equal(t, "104", second.Category)
}

func TestArticleID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://n.news.naver.com/mnews/article/032/0003312345?sid=101": "0003312345",
		"https://m.sports.naver.com/article/0014912345":                 "0014912345",
		"https://www.example.com/story/42":                              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ArticleID(in), in)
	}
}

func TestCategory(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "105", Category("IT/과학", "https://n.news.naver.com/a"))
	assert.Equal(t, "103", Category("생활/문화", "https://n.news.naver.com/a"))
	assert.Equal(t, "106", Category("정치", "https://m.entertain.naver.com/article/1/2"))
	assert.Equal(t, "107", Category("", "https://m.sports.naver.com/article/1/2"))
	assert.Equal(t, "", Category("", "https://n.news.naver.com/a"))
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	x := newExtractor(nil, nil)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2024.09.01. 오후 3:04", time.Date(2024, 9, 1, 15, 4, 0, 0, kst)},
		{"2024.09.01. 오전 11:20", time.Date(2024, 9, 1, 11, 20, 0, 0, kst)},
		{"2024-09-01 14:30:00", time.Date(2024, 9, 1, 14, 30, 0, 0, kst)},
		{"2024-09-01T14:30:00+09:00", time.Date(2024, 9, 1, 14, 30, 0, 0, kst)},
	}
	for _, tc := range cases {
		got, ok := x.ParseDate(tc.in)
		require.True(t, ok, tc.in)
		assert.True(t, got.Equal(tc.want), "%s => %s", tc.in, got)
	}

	_, ok := x.ParseDate("어제")
	assert.False(t, ok)
}
