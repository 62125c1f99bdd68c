package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// TelemetryConfig names the Redis destinations for portfolio telemetry.
type TelemetryConfig struct {
	// SnapshotStream receives JSON portfolio snapshots via XADD.
	SnapshotStream string
	// SnapshotMaxLen bounds the stream with XADD MAXLEN ~.
	SnapshotMaxLen int64
	// OpportunityChannel receives JSON opportunity records via Pub/Sub.
	OpportunityChannel string
}

// Telemetry implements domain.TelemetryPublisher using Redis Streams for
// durable snapshot history and Pub/Sub for ephemeral opportunity fan-out.
type Telemetry struct {
	rdb *redis.Client
	cfg TelemetryConfig
}

// NewTelemetry creates a Telemetry publisher backed by the given Client.
func NewTelemetry(c *Client, cfg TelemetryConfig) *Telemetry {
	if cfg.SnapshotMaxLen <= 0 {
		cfg.SnapshotMaxLen = 10000
	}
	return &Telemetry{rdb: c.Underlying(), cfg: cfg}
}

// PublishSnapshot appends one portfolio snapshot to the snapshot stream.
// The stream is trimmed approximately to SnapshotMaxLen entries so it never
// grows unbounded.
func (t *Telemetry) PublishSnapshot(ctx context.Context, snap domain.PortfolioSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: t.cfg.SnapshotStream,
		MaxLen: t.cfg.SnapshotMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := t.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", t.cfg.SnapshotStream, err)
	}
	return nil
}

// opportunityWire is the published form of an Opportunity. Interned ids are
// expanded to text here, at the telemetry boundary, so dashboard consumers
// never see internal ids.
type opportunityWire struct {
	Instrument         string  `json:"instrument"`
	LongVenue          string  `json:"long_venue"`
	ShortVenue         string  `json:"short_venue"`
	LongAsk            float64 `json:"long_ask"`
	ShortBid           float64 `json:"short_bid"`
	SpreadBps          float64 `json:"spread_bps"`
	FundingDelta8h     float64 `json:"funding_delta_8h"`
	DepthLongUSD       float64 `json:"depth_long_usd"`
	DepthShortUSD      float64 `json:"depth_short_usd"`
	Confidence         float64 `json:"confidence"`
	ProjectedProfitBps float64 `json:"projected_profit_bps"`
	TsMicros           int64   `json:"ts_micros"`
}

// PublishOpportunity broadcasts one detected opportunity on the opportunity
// channel. Pub/Sub delivery is fire-and-forget: subscribers that are not
// listening at publish time simply miss the message, which is the right
// semantics for a signal that goes stale in milliseconds.
func (t *Telemetry) PublishOpportunity(ctx context.Context, opp domain.Opportunity, instrument string) error {
	wire := opportunityWire{
		Instrument:         instrument,
		LongVenue:          opp.LongVenue.String(),
		ShortVenue:         opp.ShortVenue.String(),
		LongAsk:            opp.LongAsk,
		ShortBid:           opp.ShortBid,
		SpreadBps:          opp.SpreadBps,
		FundingDelta8h:     opp.FundingDelta8h,
		DepthLongUSD:       opp.DepthLong,
		DepthShortUSD:      opp.DepthShort,
		Confidence:         opp.Confidence,
		ProjectedProfitBps: opp.ProjectedProfitBps,
		TsMicros:           opp.TsMicros,
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("redis: marshal opportunity: %w", err)
	}

	if err := t.rdb.Publish(ctx, t.cfg.OpportunityChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", t.cfg.OpportunityChannel, err)
	}
	return nil
}

// Subscribe creates a Pub/Sub subscription on the given channel and returns
// a read-only channel emitting raw payloads. Glob patterns use PSubscribe.
// The subscription closes when the context is cancelled; the returned channel
// is closed at that point as well.
func (t *Telemetry) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = t.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = t.rdb.Subscribe(ctx, channel)
	}

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern returns true when the Redis channel includes glob-style
// wildcards, in which case PSubscribe must be used instead of Subscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// StreamMessage is one entry read back from the snapshot stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// ReadSnapshots reads up to count snapshot payloads from the snapshot stream
// starting after lastID. Use "0" or "0-0" to read from the beginning, or "$"
// to read only new messages. It returns an empty slice (not an error) when
// no messages are available.
func (t *Telemetry) ReadSnapshots(ctx context.Context, lastID string, count int) ([]StreamMessage, error) {
	args := &redis.XReadArgs{
		Streams: []string{t.cfg.SnapshotStream, lastID},
		Count:   int64(count),
	}

	results, err := t.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", t.cfg.SnapshotStream, err)
	}

	var messages []StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}

			var data []byte
			switch v := payload.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}

			messages = append(messages, StreamMessage{
				ID:      msg.ID,
				Payload: data,
			})
		}
	}

	return messages, nil
}

// Compile-time interface check.
var _ domain.TelemetryPublisher = (*Telemetry)(nil)
