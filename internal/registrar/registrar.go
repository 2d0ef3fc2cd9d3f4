package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/fanrelay/internal/models"
	"github.com/shohag/fanrelay/internal/storage"
)

var (
	ErrEmptyBody      = errors.New("request body is empty")
	ErrInvalidRequest = errors.New("invalid subscription request: url is required")
	ErrInvalidURL     = errors.New("url must be a valid HTTP or HTTPS URL")
	ErrNotFound       = errors.New("subscription not found")
)

type SubscribeRequest struct {
	URL string `json:"url"`
}

// ParseSubscribeRequest decodes and validates a subscribe body.
func ParseSubscribeRequest(body []byte) (SubscribeRequest, error) {
	var req SubscribeRequest
	if len(bytes.TrimSpace(body)) == 0 {
		return req, ErrEmptyBody
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, ErrInvalidRequest
	}
	req.URL = strings.TrimSpace(req.URL)
	return req, req.Validate()
}

func (r SubscribeRequest) Validate() error {
	if r.URL == "" {
		return ErrInvalidRequest
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

type Registrar struct {
	store storage.SubscriptionStore
	log   zerolog.Logger
	now   func() time.Time
}

func New(store storage.SubscriptionStore, log zerolog.Logger) *Registrar {
	return &Registrar{
		store: store,
		log:   log.With().Str("component", "registrar").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registrar) Subscribe(ctx context.Context, req SubscribeRequest) (*models.Subscription, error) {
	req.URL = strings.TrimSpace(req.URL)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		ID:        models.NewSubscriptionID(),
		URL:       req.URL,
		CreatedAt: r.now(),
		IsActive:  true,
	}
	if err := r.store.InsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	r.log.Info().Str("subscription_id", sub.ID).Str("url", sub.URL).Msg("subscription created")
	return sub, nil
}

func (r *Registrar) List(ctx context.Context) ([]models.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return subs, nil
}

func (r *Registrar) Deactivate(ctx context.Context, id string) (*models.Subscription, error) {
	return r.setActive(ctx, id, false)
}

func (r *Registrar) Activate(ctx context.Context, id string) (*models.Subscription, error) {
	return r.setActive(ctx, id, true)
}

func (r *Registrar) setActive(ctx context.Context, id string, active bool) (*models.Subscription, error) {
	if err := r.store.SetSubscriptionActive(ctx, id, active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	r.log.Info().Str("subscription_id", id).Bool("is_active", active).Msg("subscription updated")
	return sub, nil
}
