package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// orderRoute names the exit vehicle for order submission, with optional
// route-specific parameters attached to every order.
type orderRoute struct {
	name   string
	params map[string]any
}

type fieldKV struct {
	key   string
	value string
}

// parseOrderRoute accepts three spellings: a bare route name, a
// JSON-quoted name, or a JSON object with a single key mapping the
// route name to its parameters.
func parseOrderRoute(s string) (orderRoute, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "{"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return orderRoute{}, fmt.Errorf("%w: %s", ErrInvalidRoute, s)
		}
		if len(obj) != 1 {
			return orderRoute{}, fmt.Errorf("%w: %s", ErrInvalidRoute, s)
		}
		for name, v := range obj {
			params, _ := v.(map[string]any)
			return orderRoute{name: name, params: params}, nil
		}
	case strings.HasPrefix(s, `"`):
		var name string
		if err := json.Unmarshal([]byte(s), &name); err != nil {
			return orderRoute{}, fmt.Errorf("%w: %s", ErrInvalidRoute, s)
		}
		return orderRoute{name: name}, nil
	case s != "":
		return orderRoute{name: s}, nil
	}
	return orderRoute{}, fmt.Errorf("%w: %s", ErrInvalidRoute, s)
}

// fields renders the route as ordered submission fields: the
// EXIT_VEHICLE followed by any route parameters. Strategy parameter
// maps are flattened into the unit-separated wire encoding.
func (r orderRoute) fields() []fieldKV {
	out := []fieldKV{{key: "EXIT_VEHICLE", value: r.name}}
	keys := make([]string, 0, len(r.params))
	for k := range r.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := r.params[k]
		if k == "STRAT_PARAMETERS" || k == "STRAT_REDUNDANT_DATA" {
			out = append(out, fieldKV{key: k, value: encodeStratParams(v)})
			continue
		}
		out = append(out, fieldKV{key: k, value: fmt.Sprintf("%v", v)})
	}
	return out
}

// export renders the route in the single-key object form clients use.
func (r orderRoute) export() map[string]any {
	var params any
	if r.params != nil {
		params = r.params
	}
	return map[string]any{r.name: params}
}

// encodeStratParams flattens a strategy parameter map into
// key<US>value<SOH> pairs, sorted for a stable wire form.
func encodeStratParams(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s\x1f%v\x01", k, m[k])
	}
	return b.String()
}

// setOrderRoute replaces the active route. Runs on the engine
// goroutine.
func (e *Engine) setOrderRoute(route string) error {
	r, err := parseOrderRoute(route)
	if err != nil {
		e.errorHandler(e.id, err.Error())
		return err
	}
	e.route = r
	return nil
}

// getOrderRoute returns the active route in exported form.
func (e *Engine) getOrderRoute() map[string]any {
	return e.route.export()
}
