package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"

	"LendLedger/internal/state"
)

// PriceFeed consumes oracle observations from NATS and serves them as a
// state.PriceProvider. Later observations for the same key replace earlier
// ones; staleness and confidence bounds are enforced downstream by the risk
// engine, never here.
type PriceFeed struct {
	mu   sync.RWMutex
	book map[string]state.PriceObservation
}

// priceUpdate is the wire shape of one oracle observation on
// lend.oracle.prices.{key}.
type priceUpdate struct {
	Key         string          `json:"key"`
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"confidence"`
	PublishTime int64           `json:"publish_time"`
}

func NewPriceFeed() *PriceFeed {
	return &PriceFeed{book: make(map[string]state.PriceObservation)}
}

// Observation implements state.PriceProvider.
func (pf *PriceFeed) Observation(key string) (state.PriceObservation, bool) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	obs, ok := pf.book[key]
	return obs, ok
}

// Set stores one observation directly, used by tests and replay.
func (pf *PriceFeed) Set(key string, obs state.PriceObservation) {
	pf.mu.Lock()
	pf.book[key] = obs
	pf.mu.Unlock()
}

// Run consumes the oracle price stream until ctx is cancelled. Price
// messages tolerate gaps and reordering: only the newest publish time per
// key wins.
func (pf *PriceFeed) Run(ctx context.Context, js jetstream.JetStream) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, "LEND_ORACLE_PRICES", jetstream.ConsumerConfig{
		Durable:       "lend-ledger-prices",
		FilterSubject: "lend.oracle.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		// Old prices are worthless; start from the newest available.
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var update priceUpdate
		if err := json.Unmarshal(msg.Data(), &update); err != nil {
			log.Printf("WARN: malformed price update on %s: %v", msg.Subject(), err)
			msg.Ack()
			return
		}
		if update.Key == "" {
			update.Key = strings.TrimPrefix(msg.Subject(), "lend.oracle.prices.")
		}

		pf.mu.Lock()
		if prev, ok := pf.book[update.Key]; !ok || update.PublishTime >= prev.PublishTime {
			pf.book[update.Key] = state.PriceObservation{
				Price:       update.Price,
				Confidence:  update.Confidence,
				PublishTime: update.PublishTime,
			}
		}
		pf.mu.Unlock()
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}

// EnsurePriceStream creates the oracle price stream.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              "LEND_ORACLE_PRICES",
		Subjects:          []string{"lend.oracle.prices.>"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            time.Hour,
		MaxMsgsPerSubject: 1,
		Replicas:          1,
	})
	if err != nil {
		return fmt.Errorf("create price stream: %w", err)
	}
	log.Println("INFO: ensured price stream LEND_ORACLE_PRICES")
	return nil
}
