package chart

import "go_tradedash/dataplane/pkg/types"

// Consumer receives chart updates. Slices passed to it are shared and must
// not be modified.
type Consumer interface {
	OnHistoricalData(symbol, interval string, candles []types.Candle)
	OnCandle(symbol, interval string, candle types.Candle)
	// OnBackfill receives the merged series and how many older candles were
	// inserted in front; viewports have already been shifted by added.
	OnBackfill(symbol, interval string, candles []types.Candle, added int)
	OnError(symbol, interval string, err error)
}

// ConsumerFuncs adapts plain functions to Consumer. Nil fields are skipped.
type ConsumerFuncs struct {
	Historical func(symbol, interval string, candles []types.Candle)
	Candle     func(symbol, interval string, candle types.Candle)
	Backfill   func(symbol, interval string, candles []types.Candle, added int)
	Error      func(symbol, interval string, err error)
}

func (f ConsumerFuncs) OnHistoricalData(symbol, interval string, candles []types.Candle) {
	if f.Historical != nil {
		f.Historical(symbol, interval, candles)
	}
}

func (f ConsumerFuncs) OnCandle(symbol, interval string, candle types.Candle) {
	if f.Candle != nil {
		f.Candle(symbol, interval, candle)
	}
}

func (f ConsumerFuncs) OnBackfill(symbol, interval string, candles []types.Candle, added int) {
	if f.Backfill != nil {
		f.Backfill(symbol, interval, candles, added)
	}
}

func (f ConsumerFuncs) OnError(symbol, interval string, err error) {
	if f.Error != nil {
		f.Error(symbol, interval, err)
	}
}
