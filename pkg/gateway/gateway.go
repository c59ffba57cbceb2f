package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/sashagrib/minifarm/pkg/farm"
	"github.com/sashagrib/minifarm/pkg/log"
	"github.com/sashagrib/minifarm/pkg/state"
)

// NonceHeader carries the single-use action nonce on every action request.
const NonceHeader = "X-Action-Nonce"

const (
	// DefaultRequestTimeout bounds every request so a hung submission
	// releases its action guard instead of latching it forever.
	DefaultRequestTimeout = 10 * time.Second
	resyncMaxTries        = 3
)

// ActionClass identifies one of the five guarded action classes.
type ActionClass int

const (
	ActionBuyField ActionClass = iota
	ActionBuyItem
	ActionPlant
	ActionHarvest
	ActionSell
	numActionClasses
)

func (c ActionClass) String() string {
	switch c {
	case ActionBuyField:
		return "buy_field"
	case ActionBuyItem:
		return "buy_item"
	case ActionPlant:
		return "plant"
	case ActionHarvest:
		return "harvest"
	case ActionSell:
		return "sell"
	}
	return "unknown"
}

// BoughtField is the action-specific payload of a successful buy_field.
type BoughtField struct {
	Index int `json:"bought_index"`
}

// BoughtItem is the action-specific payload of a successful shop purchase.
type BoughtItem struct {
	ItemKey string `json:"item_key"`
	Title   string `json:"title"`
	Qty     int    `json:"qty"`
}

// PlantedCrop is the action-specific payload of a successful plant.
type PlantedCrop struct {
	Index   int    `json:"idx"`
	CropKey string `json:"crop_key"`
}

// HarvestedCrop is the action-specific payload of a successful harvest.
type HarvestedCrop struct {
	Index   int    `json:"idx"`
	ItemKey string `json:"item_key"`
	Qty     int    `json:"qty"`
}

// SoldItem is the action-specific payload of a successful sell.
type SoldItem struct {
	ItemKey string `json:"item_key"`
	Price   int    `json:"price"`
	Qty     int    `json:"qty"`
}

// envelope is the uniform response shape of every server endpoint.
type envelope struct {
	OK            bool                `json:"ok"`
	Error         string              `json:"error,omitempty"`
	BlockedReason string              `json:"blocked_reason,omitempty"`
	State         *farm.Snapshot      `json:"state,omitempty"`
	BoughtIndex   *int                `json:"bought_index,omitempty"`
	Bought        *BoughtItem         `json:"bought,omitempty"`
	Planted       *PlantedCrop        `json:"planted,omitempty"`
	Harvested     *HarvestedCrop      `json:"harvested,omitempty"`
	Sold          *SoldItem           `json:"sold,omitempty"`
	Inventory     []farm.InventoryItem `json:"inventory,omitempty"`
}

// Gateway serializes player actions to the game server under the
// single-use nonce discipline and funnels every successful state
// replacement through the Store.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	store      *state.Store
	guards     [numActionClasses]atomic.Bool
}

type NewGatewayOptions struct {
	BaseURL    string
	Store      *state.Store
	HTTPClient *http.Client
}

func NewGateway(opts NewGatewayOptions) *Gateway {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Gateway{
		baseURL:    opts.BaseURL,
		httpClient: httpClient,
		store:      opts.Store,
	}
}

// Resync performs a full state fetch and replaces the Store on success.
// The fetch is idempotent, so transport failures are retried with
// exponential backoff; server-reported failures are not.
func (g *Gateway) Resync(ctx context.Context) (*farm.Snapshot, error) {
	operation := func() (*farm.Snapshot, error) {
		env, err := g.do(ctx, http.MethodGet, "/api/state", "", nil)
		if err != nil {
			return nil, err
		}
		if !env.OK {
			if ParseErrorKind(env.Error) == ErrorKindUserBlocked {
				return nil, backoff.Permanent(&BlockedError{Reason: env.BlockedReason})
			}
			return nil, backoff.Permanent(&ActionError{Kind: ParseErrorKind(env.Error), Raw: env.Error})
		}
		if env.State == nil {
			return nil, backoff.Permanent(fmt.Errorf("resync response is missing state"))
		}
		return env.State, nil
	}

	snapshot, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(resyncMaxTries))
	if err != nil {
		return nil, err
	}

	g.store.Replace(snapshot)
	return g.store.Snapshot(), nil
}

// Inventory fetches the player's current inventory. Read-only: it never
// touches the Store or the nonce.
func (g *Gateway) Inventory(ctx context.Context) ([]farm.InventoryItem, error) {
	env, err := g.do(ctx, http.MethodGet, "/api/inventory", "", nil)
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, &ActionError{Kind: ParseErrorKind(env.Error), Raw: env.Error}
	}
	return env.Inventory, nil
}

// BuyField purchases the next plot. Returns (nil, nil) when a buy_field
// submission is already in flight.
func (g *Gateway) BuyField(ctx context.Context) (*BoughtField, error) {
	env, err := g.submit(ctx, ActionBuyField, "/api/action/buy_field", nil)
	if env == nil || err != nil {
		return nil, err
	}
	bought := &BoughtField{Index: env.State.FieldsOwned - 1}
	if env.BoughtIndex != nil {
		bought.Index = *env.BoughtIndex
	}
	return bought, nil
}

// BuyItem purchases one shop item. Returns (nil, nil) when a buy_item
// submission is already in flight.
func (g *Gateway) BuyItem(ctx context.Context, itemKey string) (*BoughtItem, error) {
	env, err := g.submit(ctx, ActionBuyItem, "/api/action/shop/buy", map[string]string{"item_key": itemKey})
	if env == nil || err != nil {
		return nil, err
	}
	return env.Bought, nil
}

// Plant sows a seed on the given plot. Returns (nil, nil) when a plant
// submission is already in flight.
func (g *Gateway) Plant(ctx context.Context, index int, seedKey string) (*PlantedCrop, error) {
	env, err := g.submit(ctx, ActionPlant, "/api/action/plant", map[string]interface{}{
		"idx":      index,
		"item_key": seedKey,
	})
	if env == nil || err != nil {
		return nil, err
	}
	return env.Planted, nil
}

// Harvest collects a ready crop from the given plot. Returns (nil, nil)
// when a harvest submission is already in flight.
func (g *Gateway) Harvest(ctx context.Context, index int) (*HarvestedCrop, error) {
	env, err := g.submit(ctx, ActionHarvest, "/api/action/harvest", map[string]interface{}{"idx": index})
	if env == nil || err != nil {
		return nil, err
	}
	return env.Harvested, nil
}

// Sell sells one unit of a sellable inventory item. Returns (nil, nil)
// when a sell submission is already in flight.
func (g *Gateway) Sell(ctx context.Context, itemKey string) (*SoldItem, error) {
	env, err := g.submit(ctx, ActionSell, "/api/action/sell", map[string]string{"item_key": itemKey})
	if env == nil || err != nil {
		return nil, err
	}
	return env.Sold, nil
}

// submit runs one guarded action submission. A second submission of the
// same class while one is in flight is a genuine double-trigger of the
// same user gesture and is suppressed silently: no network call, no
// error, envelope nil. Exactly one Store replacement happens on success
// and none on any failure path.
func (g *Gateway) submit(ctx context.Context, class ActionClass, path string, body interface{}) (*envelope, error) {
	if !g.guards[class].CompareAndSwap(false, true) {
		log.Debug("Suppressing duplicate %s submission", class)
		return nil, nil
	}
	defer g.guards[class].Store(false)

	nonce := g.store.Nonce()
	if nonce == "" {
		if _, err := g.Resync(ctx); err != nil {
			return nil, err
		}
		nonce = g.store.Nonce()
		if nonce == "" {
			return nil, fmt.Errorf("no action nonce available after resync")
		}
	}

	env, err := g.do(ctx, http.MethodPost, path, nonce, body)
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s: %v", class, err)
	}

	if !env.OK {
		kind := ParseErrorKind(env.Error)
		switch kind {
		case ErrorKindBadOrExpiredNonce:
			// The original request may have been a late success, so the
			// intent is never replayed automatically; only the nonce is
			// refreshed and the caller must re-trigger the action.
			g.store.ClearNonce()
			if _, rerr := g.Resync(ctx); rerr != nil {
				log.Error("Failed to resync after stale nonce: %v", rerr)
			}
		case ErrorKindUserBlocked:
			return nil, &BlockedError{Reason: env.BlockedReason}
		}
		return nil, &ActionError{Kind: kind, Raw: env.Error}
	}

	if env.State == nil {
		return nil, fmt.Errorf("%s response is missing state", class)
	}
	g.store.Replace(env.State)
	return env, nil
}

func (g *Gateway) do(ctx context.Context, method, path, nonce string, body interface{}) (*envelope, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if nonce != "" {
		req.Header.Set(NonceHeader, nonce)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	// Failure envelopes ride on 4xx statuses, so the body is decoded
	// regardless of the status code.
	env := &envelope{}
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		return nil, fmt.Errorf("failed to decode response: status: %s: %v", resp.Status, err)
	}
	return env, nil
}
