package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	AlertNotification = 0
	InfoNotification  = 1
)

type SlackRequestBody struct {
	Text string `json:"text"`
}

// SlackNotifier posts to 'Incoming Webhook' urls set up in Slack Apps, one
// for alerts and one for information. An empty url disables that channel.
type SlackNotifier struct {
	AlertWebhookURL string
	InfoWebhookURL  string
	client          *resty.Client
}

func NewSlackNotifier(alertWebhookURL, infoWebhookURL string) *SlackNotifier {
	return &SlackNotifier{
		AlertWebhookURL: alertWebhookURL,
		InfoWebhookURL:  infoWebhookURL,
		client:          resty.New().SetTimeout(10 * time.Second),
	}
}

// SendSlackNotification posts msg to the webhook of notiType.
func (n *SlackNotifier) SendSlackNotification(msg string, notiType int) error {
	var webhookURL string
	if notiType == AlertNotification {
		webhookURL = n.AlertWebhookURL
	} else if notiType == InfoNotification {
		webhookURL = n.InfoWebhookURL
	} else {
		return errors.New("Notification type is not supported")
	}
	if webhookURL == "" {
		return nil
	}

	resp, err := n.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(SlackRequestBody{Text: msg}).
		Post(webhookURL)
	if err != nil {
		return err
	}
	if resp.String() != "ok" {
		return fmt.Errorf("Non-ok response returned from Slack: %v", resp.Status())
	}
	return nil
}

// Alert sends msg to the alert channel, dropping delivery errors.
func (n *SlackNotifier) Alert(msg string) {
	n.SendSlackNotification(msg, AlertNotification)
}
