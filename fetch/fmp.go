package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	baseURL = "https://financialmodelingprep.com/stable"

	// defaultRequestsPerMinute is the request budget of the free FMP tier.
	defaultRequestsPerMinute = 250
)

// FMPConfig represents the configuration for the FMP client.
type FMPConfig struct {
	// APIkey is the FMP API Key.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the FMP api base url.
	BaseURL string `yaml:"base_url"`
	// Timeout is the http client timeout.
	Timeout time.Duration `yaml:"timeout" default:"10s"`
	// RequestsPerMinute bounds the request rate against the api.
	RequestsPerMinute int `yaml:"requests_per_minute" default:"250"`
	// Location is the timezone candle dates are reported in.
	Location string `yaml:"location" default:"UTC"`
}

// Validate asserts the config sane inputs.
func (cfg *FMPConfig) Validate() error {
	var errs error
	if cfg.APIKey == "" {
		errs = errors.Join(errs, fmt.Errorf("no fmp api key provided"))
	}
	if cfg.RequestsPerMinute < 0 {
		errs = errors.Join(errs, fmt.Errorf("fmp requests per minute cannot be negative"))
	}
	if cfg.Timeout < 0 {
		errs = errors.Join(errs, fmt.Errorf("fmp timeout cannot be negative"))
	}
	return errs
}

// FMPClient represents the Financial Modeling Preparation (FMP) API client.
type FMPClient struct {
	cfg      *FMPConfig
	httpc    *http.Client
	limiter  *rate.Limiter
	location *time.Location
}

// Ensure the FMPClient implements the MarketFetcher interface.
var _ shared.MarketFetcher = (*FMPClient)(nil)

// NewFMPClient instantiates a new FMP client.
func NewFMPClient(cfg *FMPConfig) (*FMPClient, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = time.Second * 10
	}

	perMinute := cfg.RequestsPerMinute
	if perMinute == 0 {
		perMinute = defaultRequestsPerMinute
	}

	loc := time.UTC
	if cfg.Location != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("loading location %s: %w", cfg.Location, err)
		}
	}

	return &FMPClient{
		cfg:      cfg,
		httpc:    &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5),
		location: loc,
	}, nil
}

// formURL creates full urls including paramters for the api.
func (c *FMPClient) formURL(path string, params string) string {
	base := c.cfg.BaseURL
	if base == "" {
		base = baseURL
	}

	var sb strings.Builder
	sb.Grow(len(base) + len(path) + len(params) + 1)
	sb.WriteString(base)
	sb.WriteString(path)
	sb.WriteString("?")
	sb.WriteString(params)

	return sb.String()
}

// timeframePath returns the historical chart path for the provided timeframe.
func timeframePath(timeframe shared.Timeframe) (string, error) {
	switch timeframe {
	case shared.OneMinute:
		return "/historical-chart/1min", nil
	case shared.FiveMinute:
		return "/historical-chart/5min", nil
	case shared.FifteenMinute:
		return "/historical-chart/15min", nil
	case shared.ThirtyMinute:
		return "/historical-chart/30min", nil
	case shared.OneHour:
		return "/historical-chart/1hour", nil
	case shared.FourHour:
		return "/historical-chart/4hour", nil
	default:
		return "", fmt.Errorf("unknown timeframe provided: %s", timeframe.String())
	}
}

// get performs a rate limited request against the api and returns the response body.
func (c *FMPClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	err := c.limiter.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting on rate limiter: %w", err)
	}

	params.Set("apikey", c.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.formURL(path, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("requesting %s: unexpected status %d", path, resp.StatusCode)
	default:
		return nil, fmt.Errorf("requesting %s: unexpected status %d: %w", path, resp.StatusCode, shared.ErrPermanent)
	}

	if msg := gjson.GetBytes(body, "Error Message"); msg.Exists() {
		return nil, fmt.Errorf("requesting %s: %s: %w", path, msg.String(), shared.ErrPermanent)
	}

	return body, nil
}

// ParseCandlesticks parses candlesticks from the provided json data. The result is ordered
// oldest first regardless of the input order.
func ParseCandlesticks(data []gjson.Result, instrument string, timeframe shared.Timeframe, loc *time.Location) ([]shared.Candlestick, error) {
	if loc == nil {
		loc = time.UTC
	}

	candles := make([]shared.Candlestick, len(data))
	for idx := range data {
		var candle shared.Candlestick

		candle.Open = data[idx].Get("open").Float()
		candle.Low = data[idx].Get("low").Float()
		candle.High = data[idx].Get("high").Float()
		candle.Close = data[idx].Get("close").Float()
		candle.Volume = data[idx].Get("volume").Float()

		candle.Market = instrument
		candle.Timeframe = timeframe

		dt, err := time.ParseInLocation(shared.DateLayout, data[idx].Get("date").String(), loc)
		if err != nil {
			return nil, fmt.Errorf("parsing candlestick date: %w", err)
		}

		candle.Date = dt
		candles[idx] = candle
	}

	slices.SortStableFunc(candles, func(a, b shared.Candlestick) int {
		return a.Date.Compare(b.Date)
	})

	return candles, nil
}

// FetchCandles fetches the most recent candles for the provided instrument and timeframe.
func (c *FMPClient) FetchCandles(ctx context.Context, instrument string, timeframe shared.Timeframe, count int) ([]shared.Candlestick, error) {
	path, err := timeframePath(timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, shared.ErrPermanent)
	}

	// Request enough history to cover the count with room for market closures.
	end := time.Now().In(c.location)
	start := end.Add(-timeframe.Duration() * time.Duration(count) * 3)

	params := url.Values{}
	params.Add("symbol", instrument)
	params.Add("from", start.Format(time.DateOnly))
	params.Add("to", end.Format(time.DateOnly))

	body, err := c.get(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("fetching %s candles for %s: %w", timeframe.String(), instrument, err)
	}

	candles, err := ParseCandlesticks(gjson.ParseBytes(body).Array(), instrument, timeframe, c.location)
	if err != nil {
		return nil, fmt.Errorf("parsing %s candles for %s: %w: %w", timeframe.String(), instrument, err, shared.ErrPermanent)
	}

	if count > 0 && len(candles) > count {
		candles = candles[len(candles)-count:]
	}

	return candles, nil
}

// FetchPrice fetches the latest traded price of the provided instrument.
func (c *FMPClient) FetchPrice(ctx context.Context, instrument string) (float64, error) {
	const quotePath = "/quote-short"

	params := url.Values{}
	params.Add("symbol", instrument)

	body, err := c.get(ctx, quotePath, params)
	if err != nil {
		return 0, fmt.Errorf("fetching price for %s: %w", instrument, err)
	}

	price := gjson.GetBytes(body, "0.price")
	if !price.Exists() || price.Float() <= 0 {
		return 0, fmt.Errorf("no price returned for %s: %w", instrument, shared.ErrPermanent)
	}

	return price.Float(), nil
}
