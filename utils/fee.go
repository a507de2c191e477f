package utils

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	MAX_RATE_INCREASING_STEP     = 1.2
	DEFAULT_RATE_INCREASING_STEP = 1.15
)

// ErrFeeRateAtCap is returned when a bump would exceed the configured maximum.
var ErrFeeRateAtCap = errors.New("fee rate already at maximum")

// FeeAPIResponseBody is the recommended-fees document served by
// mempool.space compatible fee APIs, in sat/vB.
type FeeAPIResponseBody struct {
	FastestFee  uint64 `json:"fastestFee"`
	HalfHourFee uint64 `json:"halfHourFee"`
	HourFee     uint64 `json:"hourFee"`
}

// GetRecommendedFees fetches the recommended fee rates from feeAPIURL.
func GetRecommendedFees(feeAPIURL string) (*FeeAPIResponseBody, error) {
	var body FeeAPIResponseBody
	resp, err := resty.New().
		SetTimeout(10 * time.Second).
		R().
		SetResult(&body).
		Get(feeAPIURL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fee api returned %v", resp.Status())
	}
	return &body, nil
}

// GetNewFeeRate picks the rate for replacing a claim that paid oldRate.
// A fresh estimate is used when it lies within MAX_RATE_INCREASING_STEP of
// the old rate; otherwise the old rate grows by DEFAULT_RATE_INCREASING_STEP.
// The result is always at least one sat/vB above oldRate and never above
// maxRate.
func GetNewFeeRate(oldRate uint64, estimate uint64, maxRate uint64) (uint64, error) {
	newRate := estimate
	if newRate <= oldRate || newRate > scaleRate(oldRate, MAX_RATE_INCREASING_STEP) {
		newRate = scaleRate(oldRate, DEFAULT_RATE_INCREASING_STEP)
	}
	if newRate <= oldRate {
		newRate = oldRate + 1
	}
	if maxRate > 0 && newRate > maxRate {
		newRate = maxRate
	}
	if newRate <= oldRate {
		return oldRate, fmt.Errorf("%w: %d sat/vB", ErrFeeRateAtCap, oldRate)
	}
	return newRate, nil
}

func scaleRate(rate uint64, step float64) uint64 {
	return uint64(math.Round(float64(rate) * step))
}
