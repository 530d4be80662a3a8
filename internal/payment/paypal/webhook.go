package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/payment"
)

// VerifyAndParseWebhook 先调用 PayPal 验签接口再解析事件；验签接口不可用时返回可重试错误
func (c *Client) VerifyAndParseWebhook(ctx context.Context, body []byte, headers http.Header) (*payment.Event, error) {
	event, err := decodeWebhook(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrInvalidSignature, err)
	}
	if err := c.verifySignature(ctx, headers, body); err != nil {
		return nil, err
	}
	return event.toEvent()
}

// ParseWebhookPayload 解析已验签并落库的事件报文
func (c *Client) ParseWebhookPayload(body []byte) (*payment.Event, error) {
	event, err := decodeWebhook(body)
	if err != nil {
		return nil, err
	}
	return event.toEvent()
}

func (c *Client) verifySignature(ctx context.Context, headers http.Header, body []byte) error {
	req := verifySignatureRequest{
		TransmissionID:   strings.TrimSpace(headers.Get("Paypal-Transmission-Id")),
		TransmissionTime: strings.TrimSpace(headers.Get("Paypal-Transmission-Time")),
		CertURL:          strings.TrimSpace(headers.Get("Paypal-Cert-Url")),
		AuthAlgo:         strings.TrimSpace(headers.Get("Paypal-Auth-Algo")),
		TransmissionSig:  strings.TrimSpace(headers.Get("Paypal-Transmission-Sig")),
		WebhookID:        c.cfg.WebhookID,
		WebhookEvent:     json.RawMessage(body),
	}
	for name, value := range map[string]string{
		"transmission_id":   req.TransmissionID,
		"transmission_time": req.TransmissionTime,
		"cert_url":          req.CertURL,
		"auth_algo":         req.AuthAlgo,
		"transmission_sig":  req.TransmissionSig,
	} {
		if value == "" {
			return fmt.Errorf("%w: missing %s", payment.ErrInvalidSignature, name)
		}
	}

	var resp verifySignatureResponse
	if err := c.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", req, &resp); err != nil {
		if errors.Is(err, payment.ErrProviderRejected) {
			return fmt.Errorf("%w: %v", payment.ErrInvalidSignature, err)
		}
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(resp.VerificationStatus), "SUCCESS") {
		return fmt.Errorf("%w: verification status %q", payment.ErrInvalidSignature, resp.VerificationStatus)
	}
	return nil
}

func decodeWebhook(body []byte) (*webhookEvent, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: webhook body is empty", payment.ErrProviderRejected)
	}
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: webhook body invalid: %v", payment.ErrProviderRejected, err)
	}
	event.ID = strings.TrimSpace(event.ID)
	event.EventType = strings.TrimSpace(event.EventType)
	if event.ID == "" || event.EventType == "" {
		return nil, fmt.Errorf("%w: event id or event_type is missing", payment.ErrProviderRejected)
	}
	return &event, nil
}

// toEvent 订单事件以订单号关联，扣款和退款事件额外带扣款流水号
func (e *webhookEvent) toEvent() (*payment.Event, error) {
	out := &payment.Event{
		Provider:          constants.ProviderPaypal,
		EventID:           e.ID,
		EventType:         e.EventType,
		Kind:              payment.EventUnsupported,
		OccurredAt:        e.occurredAt(),
		ProviderReference: e.orderID(),
	}
	out.Amount, out.Currency = e.amount()
	resourceID := strings.TrimSpace(e.Resource.ID)

	switch strings.ToUpper(e.EventType) {
	case "CHECKOUT.ORDER.APPROVED":
		out.Kind = payment.EventAuthorized
	case "CHECKOUT.ORDER.VOIDED":
		out.Kind = payment.EventCanceled
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Kind = payment.EventCaptured
		out.CaptureReference = resourceID
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Kind = payment.EventFailed
		out.CaptureReference = resourceID
		out.FailureCode = e.Resource.StatusDetails.reason()
		if out.FailureCode == "" {
			out.FailureCode = "capture_denied"
		}
	case "PAYMENT.CAPTURE.REFUNDED":
		out.Kind = payment.EventRefundSucceeded
		out.CaptureReference = e.captureID()
		out.RefundReference = resourceID
		if status := strings.ToUpper(e.Resource.Status); status == "FAILED" || status == "CANCELLED" {
			out.Kind = payment.EventRefundFailed
			out.FailureCode = e.Resource.StatusDetails.reason()
		}
	default:
		return out, fmt.Errorf("%w: %s", payment.ErrUnsupportedEventType, e.EventType)
	}

	if out.ProviderReference == "" && out.CaptureReference == "" {
		return nil, fmt.Errorf("%w: paypal event %s has no order or capture reference", payment.ErrProviderRejected, e.ID)
	}
	return out, nil
}
