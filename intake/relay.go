package intake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/incognitochain/pegin-workers/entities"
)

// Relay delivers announcements and takes back their results.
type Relay interface {
	Announcements(ctx context.Context, after uint64) ([]*entities.Announcement, error)
	Acknowledge(ctx context.Context, status entities.AnnouncementStatus) error
}

// RelayClient talks to the announcement relay over HTTP.
type RelayClient struct {
	client *resty.Client
}

func NewRelayClient(url string, timeout time.Duration) *RelayClient {
	return &RelayClient{
		client: resty.New().SetBaseURL(url).SetTimeout(timeout),
	}
}

// Announcements returns the announcements with an id above after.
func (r *RelayClient) Announcements(ctx context.Context, after uint64) ([]*entities.Announcement, error) {
	var res entities.AnnouncementsRes
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("after", strconv.FormatUint(after, 10)).
		SetResult(&res).
		Get("/announcements")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("relay returned %v", resp.Status())
	}
	if res.RPCError != nil {
		return nil, errors.New(res.RPCError.Message)
	}
	return res.Result, nil
}

// Acknowledge reports the result of processing one announcement.
func (r *RelayClient) Acknowledge(ctx context.Context, status entities.AnnouncementStatus) error {
	var res entities.AnnouncementStatusRes
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatUint(status.ID, 10)).
		SetBody(status).
		SetResult(&res).
		Post("/announcements/{id}/result")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("relay returned %v", resp.Status())
	}
	if res.RPCError != nil {
		return errors.New(res.RPCError.Message)
	}
	return nil
}
