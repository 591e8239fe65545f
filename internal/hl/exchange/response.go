package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrActionRejected = errors.New("exchange rejected action")

// Response is the envelope returned by /exchange. On "err" the inner
// response is a plain message string.
type Response struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type RestingStatus struct {
	Oid   int64  `json:"oid"`
	Cloid string `json:"cloid,omitempty"`
}

type FilledStatus struct {
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
	Oid     int64  `json:"oid"`
	Cloid   string `json:"cloid,omitempty"`
}

// OrderStatus is one entry of an order response. Exactly one field is set.
type OrderStatus struct {
	Resting *RestingStatus `json:"resting,omitempty"`
	Filled  *FilledStatus  `json:"filled,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (s OrderStatus) OrderID() int64 {
	switch {
	case s.Filled != nil:
		return s.Filled.Oid
	case s.Resting != nil:
		return s.Resting.Oid
	}
	return 0
}

type responseBody struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

func (r Response) err() error {
	if strings.EqualFold(r.Status, "ok") {
		return nil
	}
	var msg string
	if err := json.Unmarshal(r.Response, &msg); err != nil {
		msg = string(r.Response)
	}
	return fmt.Errorf("%w: %s", ErrActionRejected, msg)
}

func (r Response) statuses() ([]json.RawMessage, error) {
	if err := r.err(); err != nil {
		return nil, err
	}
	var body responseBody
	if err := json.Unmarshal(r.Response, &body); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return body.Data.Statuses, nil
}

// OrderStatuses decodes the per-order statuses of an order action.
func (r Response) OrderStatuses() ([]OrderStatus, error) {
	raw, err := r.statuses()
	if err != nil {
		return nil, err
	}
	out := make([]OrderStatus, 0, len(raw))
	for _, item := range raw {
		var status OrderStatus
		// Cancels report a bare "success" string.
		var plain string
		if json.Unmarshal(item, &plain) == nil {
			out = append(out, status)
			continue
		}
		if err := json.Unmarshal(item, &status); err != nil {
			return nil, fmt.Errorf("decode order status: %w", err)
		}
		out = append(out, status)
	}
	return out, nil
}

func (r Response) firstOrderStatus() (OrderStatus, error) {
	statuses, err := r.OrderStatuses()
	if err != nil {
		return OrderStatus{}, err
	}
	if len(statuses) == 0 {
		return OrderStatus{}, errors.New("order response has no statuses")
	}
	status := statuses[0]
	if status.Error != "" {
		return status, fmt.Errorf("%w: %s", ErrActionRejected, status.Error)
	}
	return status, nil
}

func (r Response) cancelError() error {
	raw, err := r.statuses()
	if err != nil {
		return err
	}
	for _, item := range raw {
		var plain string
		if json.Unmarshal(item, &plain) == nil {
			continue
		}
		var status struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(item, &status); err == nil && status.Error != "" {
			return fmt.Errorf("%w: %s", ErrActionRejected, status.Error)
		}
	}
	return nil
}
