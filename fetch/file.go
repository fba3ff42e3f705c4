package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dnldd/sentinel/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// FileConfig represents the file backed market data source configuration.
type FileConfig struct {
	// Dir is the directory holding <instrument>_<timeframe>.json candle files.
	Dir string `yaml:"dir" validate:"required"`
	// Replay reveals one additional candle per fetch, starting from ReplayStart candles.
	Replay bool `yaml:"replay"`
	// ReplayStart is the number of candles visible on the first replayed fetch.
	ReplayStart int `yaml:"replay_start" default:"200"`
	// Logger represents the application logger.
	Logger zerolog.Logger `yaml:"-"`
}

// Validate asserts the config sane inputs.
func (cfg *FileConfig) Validate() error {
	var errs error
	if cfg.Dir == "" {
		errs = errors.Join(errs, fmt.Errorf("no data directory provided"))
	}
	if cfg.Replay && cfg.ReplayStart <= 0 {
		errs = errors.Join(errs, fmt.Errorf("replay start must be positive"))
	}
	return errs
}

// FileFetcher serves candles from json files, the same shape the FMP api returns.
type FileFetcher struct {
	cfg        *FileConfig
	candles    map[string][]shared.Candlestick
	cursors    map[string]int
	candlesMtx sync.Mutex
}

// Ensure the FileFetcher implements the MarketFetcher interface.
var _ shared.MarketFetcher = (*FileFetcher)(nil)

// NewFileFetcher initializes a new file backed market data source.
func NewFileFetcher(cfg *FileConfig) (*FileFetcher, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating file config: %w", err)
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading data directory '%s': %w", cfg.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("'%s' is not a directory", cfg.Dir)
	}

	return &FileFetcher{
		cfg:     cfg,
		candles: make(map[string][]shared.Candlestick),
		cursors: make(map[string]int),
	}, nil
}

// DataFile returns the file name candles for the provided instrument and timeframe are read from.
func DataFile(instrument string, timeframe shared.Timeframe) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '^', '/', '\\', ':', ' ':
			return -1
		}
		return r
	}, instrument)

	return fmt.Sprintf("%s_%s.json", name, timeframe.String())
}

// loadCandles loads and caches candles for the provided instrument and timeframe. Callers must
// hold the candles lock.
func (f *FileFetcher) loadCandles(instrument string, timeframe shared.Timeframe) ([]shared.Candlestick, error) {
	key := DataFile(instrument, timeframe)
	if candles, ok := f.candles[key]; ok {
		return candles, nil
	}

	path := filepath.Join(f.cfg.Dir, key)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no market data for %s (%s): %w", instrument, timeframe.String(), shared.ErrPermanent)
		}
		return nil, fmt.Errorf("reading market data from '%s': %w", path, err)
	}

	candles, err := ParseCandlesticks(gjson.ParseBytes(b).Array(), instrument, timeframe, nil)
	if err != nil {
		return nil, fmt.Errorf("parsing market data from '%s': %w: %w", path, err, shared.ErrPermanent)
	}

	if len(candles) > 0 {
		first := candles[0].Date
		last := candles[len(candles)-1].Date
		f.cfg.Logger.Info().Msgf("loaded %d %s candles for %s covering %.2f hours",
			len(candles), timeframe.String(), instrument, last.Sub(first).Hours())
	}

	f.candles[key] = candles

	return candles, nil
}

// FetchCandles returns up to count of the most recent candles visible for the provided
// instrument and timeframe.
func (f *FileFetcher) FetchCandles(ctx context.Context, instrument string, timeframe shared.Timeframe, count int) ([]shared.Candlestick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.candlesMtx.Lock()
	defer f.candlesMtx.Unlock()

	candles, err := f.loadCandles(instrument, timeframe)
	if err != nil {
		return nil, err
	}

	end := len(candles)
	if f.cfg.Replay {
		key := DataFile(instrument, timeframe)
		cursor, ok := f.cursors[key]
		if !ok {
			cursor = f.cfg.ReplayStart
		} else {
			cursor++
		}
		if cursor > len(candles) {
			cursor = len(candles)
		}

		f.cursors[key] = cursor
		end = cursor
	}

	start := 0
	if count > 0 && end > count {
		start = end - count
	}

	out := make([]shared.Candlestick, end-start)
	copy(out, candles[start:end])

	return out, nil
}
