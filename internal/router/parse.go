package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// payload is the normalized content of one webhook body.
type payload struct {
	Action    domain.SignalAction
	Ticker    string
	Price     *float64
	Contracts *float64
	Position  string
	TimeLabel string
	Time      *time.Time
}

// wirePayload matches the JSON shape charting services send. Numeric
// fields arrive quoted or bare depending on the template, so they
// decode through flexFloat. Unknown fields are ignored.
type wirePayload struct {
	Action    string    `json:"action"`
	Ticker    string    `json:"ticker"`
	Price     flexFloat `json:"price"`
	Contracts flexFloat `json:"contracts"`
	Position  string    `json:"position"`
	Time      string    `json:"time"`
}

// flexFloat decodes a JSON number whether or not it is quoted.
type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	f.value = v
	f.set = true
	return nil
}

// parseBody interprets a webhook body: JSON first, then the plain-text
// heuristics when enabled. Bodies that yield no recognizable action are
// an error; the caller persists them as unparseable.
func parseBody(body []byte, acceptPlainText bool) (payload, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return payload{}, fmt.Errorf("router: %w: empty body", domain.ErrBadRequest)
	}

	if strings.HasPrefix(trimmed, "{") {
		return parseJSON([]byte(trimmed))
	}
	if acceptPlainText {
		return parsePlainText(trimmed)
	}
	return payload{}, fmt.Errorf("router: %w: not a JSON object", domain.ErrBadRequest)
}

func parseJSON(body []byte) (payload, error) {
	var wire wirePayload
	if err := json.Unmarshal(body, &wire); err != nil {
		return payload{}, fmt.Errorf("router: %w: %v", domain.ErrBadRequest, err)
	}
	action, ok := domain.NormalizeAction(wire.Action)
	if !ok {
		return payload{}, fmt.Errorf("router: %w: unknown action %q", domain.ErrBadRequest, wire.Action)
	}

	p := payload{
		Action:    action,
		Ticker:    strings.ToUpper(strings.TrimSpace(wire.Ticker)),
		Position:  strings.ToLower(strings.TrimSpace(wire.Position)),
		TimeLabel: strings.TrimSpace(wire.Time),
	}
	if wire.Price.set {
		v := wire.Price.value
		p.Price = &v
	}
	if wire.Contracts.set {
		v := wire.Contracts.value
		p.Contracts = &v
	}
	if p.TimeLabel != "" {
		if ts, err := time.Parse(time.RFC3339, p.TimeLabel); err == nil {
			p.Time = &ts
		}
	}
	return p, nil
}

// parsePlainText handles bodies like "buy MNQH6 21500" or
// "action=sell ticker=ESH6 price=5000 contracts=2". Tokens split on
// whitespace and commas; key=value pairs win over positional guesses.
func parsePlainText(body string) (payload, error) {
	var p payload
	fields := strings.FieldsFunc(body, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ','
	})

	for _, f := range fields {
		if key, val, ok := strings.Cut(f, "="); ok {
			applyPlainField(&p, strings.ToLower(key), val)
			continue
		}
		if key, val, ok := strings.Cut(f, ":"); ok && !strings.Contains(val, ":") {
			applyPlainField(&p, strings.ToLower(key), val)
			continue
		}
		// Positional: an action alias, then a ticker, then a price.
		if p.Action == "" {
			if a, ok := domain.NormalizeAction(f); ok {
				p.Action = a
				continue
			}
		}
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			if p.Price == nil {
				p.Price = &v
			}
			continue
		}
		if p.Ticker == "" && p.Action != "" {
			p.Ticker = strings.ToUpper(f)
		}
	}

	if p.Action == "" {
		return payload{}, fmt.Errorf("router: %w: no action in plain-text body", domain.ErrBadRequest)
	}
	return p, nil
}

func applyPlainField(p *payload, key, val string) {
	switch key {
	case "action", "side":
		if a, ok := domain.NormalizeAction(val); ok {
			p.Action = a
		}
	case "ticker", "symbol":
		p.Ticker = strings.ToUpper(strings.TrimSpace(val))
	case "price":
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			p.Price = &v
		}
	case "contracts", "qty", "quantity":
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			p.Contracts = &v
		}
	case "position":
		p.Position = strings.ToLower(strings.TrimSpace(val))
	case "time":
		p.TimeLabel = strings.TrimSpace(val)
	}
}
