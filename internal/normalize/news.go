package normalize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/quantpulse/cryptogate/internal/model"
)

func init() {
	register("cryptocompare_news", &cryptoCompareNews{})
	register("newsapi_headlines", &newsAPIHeadlines{})
	register("cryptopanic_posts", &cryptoPanicPosts{})
}

// cryptoCompareNews adapts the CryptoCompare /data/v2/news/ feed.
type cryptoCompareNews struct{}

func (c *cryptoCompareNews) Path(req Request) (string, url.Values, error) {
	if req.Op != OpArticles {
		return "", nil, errUnsupported("cryptocompare_news", req.Op)
	}
	q := url.Values{}
	q.Set("lang", "EN")
	if v := req.Params["query"]; v != "" {
		q.Set("categories", v)
	}
	return "/data/v2/news/", q, nil
}

func (c *cryptoCompareNews) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpArticles {
		return nil, errUnsupported("cryptocompare_news", req.Op)
	}
	var envelope struct {
		Data []struct {
			Title       string `json:"title"`
			Body        string `json:"body"`
			URL         string `json:"url"`
			Source      string `json:"source"`
			PublishedOn int64  `json:"published_on"`
		} `json:"Data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("cryptocompare news: %w", err)
	}
	articles := make([]model.NewsArticle, 0, len(envelope.Data))
	for _, d := range envelope.Data {
		a := model.NewsArticle{
			Title:       d.Title,
			Description: d.Body,
			URL:         d.URL,
			SourceName:  d.Source,
			PublishedAt: time.Unix(d.PublishedOn, 0).UTC(),
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("cryptocompare news: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, nil
}

// newsAPIHeadlines adapts NewsAPI /v2/everything (query auth).
type newsAPIHeadlines struct{}

func (n *newsAPIHeadlines) Path(req Request) (string, url.Values, error) {
	if req.Op != OpArticles {
		return "", nil, errUnsupported("newsapi_headlines", req.Op)
	}
	q := url.Values{}
	query := req.Params["query"]
	if query == "" {
		query = "cryptocurrency OR bitcoin"
	}
	q.Set("q", query)
	q.Set("language", "en")
	q.Set("sortBy", "publishedAt")
	if v := req.Params["limit"]; v != "" {
		q.Set("pageSize", v)
	}
	return "/v2/everything", q, nil
}

func (n *newsAPIHeadlines) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpArticles {
		return nil, errUnsupported("newsapi_headlines", req.Op)
	}
	var envelope struct {
		Status   string `json:"status"`
		Articles []struct {
			Title       string    `json:"title"`
			Description string    `json:"description"`
			URL         string    `json:"url"`
			PublishedAt time.Time `json:"publishedAt"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("newsapi: %w", err)
	}
	if envelope.Status != "ok" {
		return nil, fmt.Errorf("newsapi: status %q", envelope.Status)
	}
	articles := make([]model.NewsArticle, 0, len(envelope.Articles))
	for _, d := range envelope.Articles {
		a := model.NewsArticle{
			Title:       d.Title,
			Description: d.Description,
			URL:         d.URL,
			SourceName:  d.Source.Name,
			PublishedAt: d.PublishedAt.UTC(),
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("newsapi: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, nil
}

// cryptoPanicPosts adapts the CryptoPanic /api/v1/posts/ feed, which
// carries community vote counts we fold into an article sentiment.
type cryptoPanicPosts struct{}

func (c *cryptoPanicPosts) Path(req Request) (string, url.Values, error) {
	if req.Op != OpArticles {
		return "", nil, errUnsupported("cryptopanic_posts", req.Op)
	}
	q := url.Values{}
	q.Set("public", "true")
	if v := req.Params["query"]; v != "" {
		q.Set("currencies", v)
	}
	return "/api/v1/posts/", q, nil
}

func (c *cryptoPanicPosts) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpArticles {
		return nil, errUnsupported("cryptopanic_posts", req.Op)
	}
	var envelope struct {
		Results []struct {
			Title       string    `json:"title"`
			URL         string    `json:"url"`
			PublishedAt time.Time `json:"published_at"`
			Source      struct {
				Title string `json:"title"`
			} `json:"source"`
			Votes struct {
				Positive int `json:"positive"`
				Negative int `json:"negative"`
			} `json:"votes"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("cryptopanic posts: %w", err)
	}
	articles := make([]model.NewsArticle, 0, len(envelope.Results))
	for _, d := range envelope.Results {
		sentiment := model.SentimentUnknown
		switch {
		case d.Votes.Positive > d.Votes.Negative:
			sentiment = model.SentimentPositive
		case d.Votes.Negative > d.Votes.Positive:
			sentiment = model.SentimentNegative
		case d.Votes.Positive+d.Votes.Negative > 0:
			sentiment = model.SentimentNeutral
		}
		a := model.NewsArticle{
			Title:       d.Title,
			URL:         d.URL,
			SourceName:  d.Source.Title,
			PublishedAt: d.PublishedAt.UTC(),
			Sentiment:   sentiment,
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("cryptopanic posts: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, nil
}
