package pricefeed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	streamReconnectMinDelay = 1 * time.Second
	streamReconnectMaxDelay = 15 * time.Second
	streamReconnectFactor   = 2.0
	streamPingInterval      = 2 * time.Minute
	defaultStaleAfter       = 30 * time.Second
)

// StreamSource keeps a websocket subscription open and caches the most
// recent trade price. Fetch serves the cache; a cache older than StaleAfter
// counts as a failed source for that cycle.
type StreamSource struct {
	name        string
	url         string
	priceField  string
	volumeField string
	staleAfter  time.Duration

	mu       sync.RWMutex
	last     entity.PriceQuote
	hasQuote bool
}

func NewStreamSource(cfg config.FeedSourceConfig) *StreamSource {
	priceField := cfg.PriceField
	if priceField == "" {
		priceField = defaultPriceField
	}

	volumeField := cfg.VolumeField
	if volumeField == "" {
		volumeField = defaultVolumeField
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	return &StreamSource{
		name:        cfg.Name,
		url:         cfg.URL,
		priceField:  priceField,
		volumeField: volumeField,
		staleAfter:  staleAfter,
	}
}

func (s *StreamSource) ID() string {
	return s.name
}

func (s *StreamSource) Fetch(ctx context.Context) (entity.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return entity.PriceQuote{Source: s.name, At: time.Now().UTC(), Err: err}, err
	}

	s.mu.RLock()
	last, hasQuote := s.last, s.hasQuote
	s.mu.RUnlock()

	if !hasQuote {
		err := fmt.Errorf("stream source %s has no quote yet", s.name)
		return entity.PriceQuote{Source: s.name, At: time.Now().UTC(), Err: err}, err
	}

	if time.Since(last.At) > s.staleAfter {
		err := fmt.Errorf("stream source %s quote is stale: last update %s", s.name, last.At.Format(time.RFC3339))
		return entity.PriceQuote{Source: s.name, At: time.Now().UTC(), Err: err}, err
	}

	return last, nil
}

// Run maintains the subscription until ctx is cancelled, reconnecting with
// jittered backoff on dial or read failures.
func (s *StreamSource) Run(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		logrus.Infof("connecting stream source %s: %s", s.name, s.url)
		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			wait := streamReconnectDelay(attempt, rng)
			attempt++
			logrus.WithFields(logrus.Fields{
				"source":   s.name,
				"retry_in": wait.String(),
				"attempt":  attempt,
			}).Warnf("stream source dial failed: %v", err)

			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		conn.SetPongHandler(func(string) error { return nil })

		// connDone releases this connection's ping and shutdown goroutines
		// once the read loop ends, so reconnects do not accumulate watchers.
		connDone := make(chan struct{})
		go func(c *websocket.Conn) {
			ticker := time.NewTicker(streamPingInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				case <-ctx.Done():
					return
				case <-connDone:
					return
				}
			}
		}(conn)

		go func(c *websocket.Conn) {
			select {
			case <-ctx.Done():
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = c.Close()
			case <-connDone:
			}
		}(conn)

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					close(connDone)
					return
				}

				logrus.Warnf("stream source %s read failed: %v", s.name, err)
				break
			}

			if err := s.handleMessage(message); err != nil {
				logrus.Debugf("stream source %s skipped message: %v", s.name, err)
			}
		}

		close(connDone)
		_ = conn.Close()

		wait := streamReconnectDelay(attempt, rng)
		attempt++
		logrus.WithFields(logrus.Fields{
			"source":   s.name,
			"retry_in": wait.String(),
		}).Warn("reconnecting stream source")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *StreamSource) handleMessage(message []byte) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(message, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTicker, err)
	}

	rawPrice, ok := payload[s.priceField]
	if !ok {
		return fmt.Errorf("%w: missing field %q", ErrMalformedTicker, s.priceField)
	}

	price, err := decodeDecimalField(rawPrice)
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: bad price in field %q", ErrMalformedTicker, s.priceField)
	}

	volume := decimal.Zero
	if rawVolume, ok := payload[s.volumeField]; ok {
		if parsed, err := decodeDecimalField(rawVolume); err == nil {
			volume = parsed
		}
	}

	s.mu.Lock()
	s.last = entity.PriceQuote{
		Source: s.name,
		Price:  price,
		Volume: volume,
		At:     time.Now().UTC(),
	}
	s.hasQuote = true
	s.mu.Unlock()

	return nil
}

func streamReconnectDelay(attempt int, rng *rand.Rand) time.Duration {
	delay := float64(streamReconnectMinDelay)
	for i := 0; i < attempt; i++ {
		delay *= streamReconnectFactor
		if delay >= float64(streamReconnectMaxDelay) {
			delay = float64(streamReconnectMaxDelay)
			break
		}
	}

	jitter := time.Duration(rng.Int63n(int64(streamReconnectMinDelay)))
	result := time.Duration(delay) + jitter
	if result > streamReconnectMaxDelay {
		return streamReconnectMaxDelay
	}

	return result
}
