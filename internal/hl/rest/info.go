package rest

import (
	"context"
	"errors"
)

var errUserRequired = errors.New("user address is required")

func (c *Client) SpotClearinghouseState(ctx context.Context, user string) (SpotClearinghouseState, error) {
	var out SpotClearinghouseState
	if user == "" {
		return out, errUserRequired
	}
	err := c.Info(ctx, InfoRequest{Type: "spotClearinghouseState", User: user}, &out)
	return out, err
}

func (c *Client) ClearinghouseState(ctx context.Context, user string) (ClearinghouseState, error) {
	var out ClearinghouseState
	if user == "" {
		return out, errUserRequired
	}
	err := c.Info(ctx, InfoRequest{Type: "clearinghouseState", User: user}, &out)
	return out, err
}

func (c *Client) SpotMeta(ctx context.Context) (SpotMeta, error) {
	var out SpotMeta
	err := c.Info(ctx, InfoRequest{Type: "spotMeta"}, &out)
	return out, err
}

func (c *Client) MetaAndAssetCtxs(ctx context.Context) (MetaAndAssetCtxs, error) {
	var out MetaAndAssetCtxs
	err := c.Info(ctx, InfoRequest{Type: "metaAndAssetCtxs"}, &out)
	return out, err
}

// AllMids maps coin (or spot "@index"/pair name) to mid price.
func (c *Client) AllMids(ctx context.Context) (map[string]Number, error) {
	out := make(map[string]Number)
	err := c.Info(ctx, InfoRequest{Type: "allMids"}, &out)
	return out, err
}

func (c *Client) L2Book(ctx context.Context, coin string) (L2Book, error) {
	var out L2Book
	if coin == "" {
		return out, errors.New("coin is required")
	}
	err := c.Info(ctx, InfoRequest{Type: "l2Book", Coin: coin}, &out)
	return out, err
}

func (c *Client) OrderStatus(ctx context.Context, user string, oid int64) (OrderStatusResponse, error) {
	var out OrderStatusResponse
	if user == "" {
		return out, errUserRequired
	}
	err := c.Info(ctx, InfoRequest{Type: "orderStatus", User: user, Oid: &oid}, &out)
	return out, err
}
