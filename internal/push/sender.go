package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	json "github.com/goccy/go-json"
)

// DefaultSubject is the VAPID contact used when none is configured.
const DefaultSubject = "mailto:remote-clauding@example.com"

// Notification is the payload delivered to every subscription.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return "push endpoint returned status " + strconv.Itoa(e.Code) }

// Gone reports whether the endpoint no longer exists and should be pruned.
func (e *StatusError) Gone() bool {
	return e.Code == http.StatusNotFound || e.Code == http.StatusGone
}

// Sender delivers one notification to one subscription.
type Sender interface {
	Send(ctx context.Context, sub Subscription, n Notification) error
}

// VAPID identifies the application server to browser push services.
type VAPID struct {
	Subject    string
	PublicKey  string
	PrivateKey string
}

// WebPushSender encrypts notifications for the subscription keys and signs
// every request with the VAPID key pair.
type WebPushSender struct {
	Client *http.Client
	TTL    time.Duration
	vapid  VAPID
}

// NewWebPushSender returns a sender for the given key pair. Both keys are
// required.
func NewWebPushSender(vapid VAPID, timeout time.Duration) (*WebPushSender, error) {
	if vapid.PublicKey == "" || vapid.PrivateKey == "" {
		return nil, errors.New("vapid public and private keys are required")
	}
	if vapid.Subject == "" {
		vapid.Subject = DefaultSubject
	}
	return &WebPushSender{
		Client: &http.Client{Timeout: timeout},
		TTL:    24 * time.Hour,
		vapid:  vapid,
	}, nil
}

func (s *WebPushSender) Send(ctx context.Context, sub Subscription, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Keys.Auth, P256dh: sub.Keys.P256dh},
	}, &webpush.Options{
		HTTPClient:      s.Client,
		Subscriber:      s.vapid.Subject,
		TTL:             int(s.TTL.Seconds()),
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  s.vapid.PublicKey,
		VAPIDPrivateKey: s.vapid.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("deliver push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// GenerateVAPIDKeys creates a new VAPID key pair.
func GenerateVAPIDKeys() (VAPID, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPID{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	return VAPID{Subject: DefaultSubject, PublicKey: pub, PrivateKey: priv}, nil
}
