package feed

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"perp-strategy/internal/units"

	"go.uber.org/zap"
)

const markChannel = "markPrice"

// PriceSink receives mark prices scaled to units.PriceDecimals.
type PriceSink interface {
	SetMarkPrice(price *big.Int)
}

type markMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Market string `json:"market"`
		Price  string `json:"price"`
	} `json:"data"`
}

type subscription struct {
	Method       string            `json:"method"`
	Subscription map[string]string `json:"subscription"`
}

// MarkFeed streams mark prices for one market into a sink.
type MarkFeed struct {
	client *Client
	market string
	sink   PriceSink
	log    *zap.Logger
}

func NewMarkFeed(client *Client, market string, sink PriceSink, log *zap.Logger) *MarkFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarkFeed{client: client, market: market, sink: sink, log: log}
}

func (f *MarkFeed) Run(ctx context.Context) error {
	sub := subscription{
		Method:       "subscribe",
		Subscription: map[string]string{"type": markChannel, "market": f.market},
	}
	if err := f.client.Subscribe(ctx, sub); err != nil {
		return err
	}
	return f.client.Run(ctx, f.handle)
}

func (f *MarkFeed) handle(raw json.RawMessage) {
	var msg markMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != markChannel {
		return
	}
	if !strings.EqualFold(msg.Data.Market, f.market) {
		return
	}
	price, err := units.ParsePrice(msg.Data.Price)
	if err != nil || price.Sign() <= 0 {
		f.log.Warn("ignoring bad mark price", zap.String("market", f.market), zap.String("price", msg.Data.Price))
		return
	}
	f.sink.SetMarkPrice(price)
}
