package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultFetchTimeout = 20 * time.Second
	defaultHostInterval = 500 * time.Millisecond
	maxFeedBytes        = 10 << 20
	defaultUserAgent    = "feedcog/1.0"
)

// FetchErrorKind 抓取失败的类型。调度器对所有类型一视同仁，只用于展示。
type FetchErrorKind int

const (
	FetchUnknown FetchErrorKind = iota
	FetchConnection
	FetchPayload
	FetchTimeout
	FetchDisconnected
	FetchStatus
)

var fetchKindNames = [...]string{"unknown", "connection", "payload", "timeout", "disconnected", "status"}

func (k FetchErrorKind) String() string {
	if int(k) < len(fetchKindNames) {
		return fetchKindNames[k]
	}
	return "unknown"
}

// FetchError 抓取失败。
type FetchError struct {
	Kind   FetchErrorKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchStatus {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Message 返回可以展示给管理员的描述。
func (e *FetchError) Message() string {
	switch e.Kind {
	case FetchConnection:
		return "无法连接到该订阅源所在的服务器。"
	case FetchPayload:
		return "订阅源返回的数据不完整或已损坏。"
	case FetchTimeout:
		return "请求订阅源超时。"
	case FetchDisconnected:
		return "服务器在响应完成前断开了连接。"
	case FetchStatus:
		if e.Status == http.StatusNotFound {
			return "订阅源返回 404，地址可能已失效。"
		}
		return fmt.Sprintf("订阅源返回了非成功状态码 %d。", e.Status)
	}
	return "抓取订阅源时发生未知错误。"
}

// HostLimiter 按主机限制请求频率。
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewHostLimiter 创建主机限速器，同一主机两次请求至少间隔 interval。
func NewHostLimiter(interval time.Duration) *HostLimiter {
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Wait 等待该 URL 所在主机的令牌。
func (h *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if h == nil || h.interval <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}

	h.mu.Lock()
	l, ok := h.limiters[u.Host]
	if !ok {
		l = rate.NewLimiter(rate.Every(h.interval), 1)
		h.limiters[u.Host] = l
	}
	h.mu.Unlock()

	return l.Wait(ctx)
}

// FetcherOptions Fetcher 的可选参数。
type FetcherOptions struct {
	Timeout      time.Duration
	UserAgent    string
	HostInterval time.Duration
	// MaxBytes 响应体上限，为 0 时使用 10 MiB。
	MaxBytes int64
	Client   *http.Client
}

// Fetcher 负责抓取订阅源的原始内容。
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	maxBytes  int64
	limiter   *HostLimiter
}

// NewFetcher 创建抓取器。
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFetchTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.HostInterval == 0 {
		opts.HostInterval = defaultHostInterval
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = maxFeedBytes
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		client:    client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		limiter:   NewHostLimiter(opts.HostInterval),
	}
}

// Fetch 抓取 URL 的内容。超时覆盖整个请求，包括读取响应体。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &FetchError{Kind: FetchConnection, URL: rawURL, Err: fmt.Errorf("无效的 URL")}
	}

	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return nil, &FetchError{Kind: classifyKind(ctx, err), URL: rawURL, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchUnknown, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, application/json;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classifyKind(ctx, err), URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Kind: FetchStatus, URL: rawURL, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &FetchError{Kind: classifyKind(ctx, err), URL: rawURL, Err: err}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &FetchError{Kind: FetchPayload, URL: rawURL, Err: fmt.Errorf("响应体超过 %d 字节", f.maxBytes)}
	}
	return data, nil
}

// classifyKind 将底层错误归类。
func classifyKind(ctx context.Context, err error) FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchTimeout
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return FetchPayload
	}
	if errors.Is(err, io.EOF) {
		return FetchDisconnected
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return FetchConnection
		}
		return FetchDisconnected
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FetchConnection
	}
	return FetchUnknown
}
