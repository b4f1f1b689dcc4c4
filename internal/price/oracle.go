// Package price 提供代币美元价格查询。
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Oracle 返回代币的美元价格。
type Oracle interface {
	USDPrice(ctx context.Context, mint string) (float64, error)
}

// Client 通过 HTTP 查询价格接口，结果按 TTL 缓存，并发的相同查询合并为一次请求。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *cache.Cache
	group      singleflight.Group
}

// Option 自定义 Client。
type Option func(*Client)

// WithHTTPClient 替换默认的 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIKey 设置请求头中的 API key。
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithRateLimit 限制每秒请求数。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithCacheTTL 设置价格缓存时间，非正数表示不缓存。
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl <= 0 {
			c.cache = nil
			return
		}
		c.cache = cache.New(ttl, 2*ttl)
	}
}

// NewClient 创建价格客户端。
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "价格接口地址为空")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 4),
		cache:      cache.New(time.Minute, 2*time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type priceResponse struct {
	Data map[string]struct {
		ID    string          `json:"id"`
		Price json.RawMessage `json:"price"`
	} `json:"data"`
}

// USDPrice 查询代币价格。价格缺失或不为正都视为不可用。
func (c *Client) USDPrice(ctx context.Context, mint string) (float64, error) {
	mint = strings.TrimSpace(mint)
	if mint == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "代币标识为空")
	}
	if c.cache != nil {
		if cached, ok := c.cache.Get(mint); ok {
			return cached.(float64), nil
		}
	}

	value, err, _ := c.group.Do(mint, func() (any, error) {
		return c.fetch(ctx, mint)
	})
	if err != nil {
		return 0, err
	}
	price := value.(float64)
	if c.cache != nil {
		c.cache.SetDefault(mint, price)
	}
	return price, nil
}

func (c *Client) fetch(ctx context.Context, mint string) (float64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "等待价格接口限流失败")
		}
	}
	endpoint := c.baseURL + "/price?ids=" + url.QueryEscape(mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodePriceUnavailable, err, "构造价格请求失败")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodePriceUnavailable, err, "请求价格接口失败", xerrors.WithMetadata("mint", mint))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, xerrors.New(xerrors.CodePriceUnavailable, fmt.Sprintf("价格接口返回状态码 %d", resp.StatusCode), xerrors.WithMetadata("mint", mint))
	}

	var payload priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, xerrors.Wrap(xerrors.CodePriceUnavailable, err, "解析价格响应失败")
	}
	entry, ok := payload.Data[mint]
	if !ok || len(entry.Price) == 0 {
		return 0, xerrors.New(xerrors.CodePriceUnavailable, "价格接口未返回该代币", xerrors.WithMetadata("mint", mint))
	}
	price, err := parsePrice(entry.Price)
	if err != nil || price <= 0 {
		return 0, xerrors.New(xerrors.CodePriceUnavailable, "价格数据无效", xerrors.WithMetadata("mint", mint))
	}
	return price, nil
}

// parsePrice 兼容字符串与数字两种编码。
func parsePrice(raw json.RawMessage) (float64, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strconv.ParseFloat(text, 64)
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err != nil {
		return 0, err
	}
	return number, nil
}

// Static 是固定价格表，用于测试和离线演示。
type Static map[string]float64

// USDPrice 实现 Oracle。
func (s Static) USDPrice(_ context.Context, mint string) (float64, error) {
	price, ok := s[mint]
	if !ok || price <= 0 {
		return 0, xerrors.New(xerrors.CodePriceUnavailable, "价格不可用", xerrors.WithMetadata("mint", mint))
	}
	return price, nil
}
