package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickgao/rtx-gateway/internal/metrics"
)

// callbackMetricHistoryLimit bounds the per-label elapsed-sample ring.
const callbackMetricHistoryLimit = 1024

// Callback wraps one outstanding caller continuation with a label,
// deadline, and single-shot completion. Exactly one of complete or
// expiration fires the continuation; a late reply is logged and dropped.
//
// Two variants exist: a direct continuation, and an emit variant that
// formats the result and broadcasts it to downstream clients under the
// callback's label.
type Callback struct {
	eng      *Engine
	id       string
	label    string
	started  time.Time
	deadline time.Time
	cont     Continuation
	emit     bool
	done     bool
	expired  bool
}

// newCallback creates a direct-continuation callback. A zero timeout
// uses the DEFAULT deadline.
func (e *Engine) newCallback(id, label string, timeout time.Duration, cont Continuation) *Callback {
	if timeout == 0 {
		timeout = e.cfg.Timeouts.Default
	}
	now := e.now()
	return &Callback{
		eng:      e,
		id:       id,
		label:    label,
		started:  now,
		deadline: now.Add(timeout),
		cont:     cont,
	}
}

// newEmitCallback creates a callback whose result is broadcast to all
// downstream clients as "<label>: <json>".
func (e *Engine) newEmitCallback(id, label string, timeout time.Duration) *Callback {
	cb := e.newCallback(id, label, timeout, nil)
	cb.emit = true
	return cb
}

// complete fires the continuation with a success value. A second call
// is logged as a post-timeout arrival and dropped.
func (c *Callback) complete(result any) {
	elapsed := c.eng.now().Sub(c.started)
	if c.done {
		c.eng.errorHandler(c.id, fmt.Sprintf("%s completed after timeout: elapsed=%.2fs", c.label, elapsed.Seconds()))
		c.eng.recordCallbackMetrics(c.label, elapsed.Milliseconds(), c.expired)
		return
	}
	c.done = true

	formatted := c.eng.formatResults(c.label, c.id, result)
	if c.emit {
		c.eng.writeAllClients(fmt.Sprintf("%s: %s", c.label, marshalResult(formatted)))
	} else if c.cont != nil {
		c.cont(formatted, nil)
	}
	c.eng.recordCallbackMetrics(c.label, elapsed.Milliseconds(), c.expired)
}

// fail fires the continuation with an error.
func (c *Callback) fail(err error) {
	elapsed := c.eng.now().Sub(c.started)
	if c.done {
		c.eng.errorHandler(c.id, fmt.Sprintf("%s failed after timeout: %v", c.label, err))
		return
	}
	c.done = true

	if c.emit {
		c.eng.writeAllClients(fmt.Sprintf("error: %s %v", c.label, err))
	} else if c.cont != nil {
		c.cont(nil, err)
	}
	c.eng.recordCallbackMetrics(c.label, elapsed.Milliseconds(), c.expired)
}

// checkExpire fails the callback if its deadline has passed. A deadline
// of exactly now is still live.
func (c *Callback) checkExpire(now time.Time) {
	if c.done || !now.After(c.deadline) {
		return
	}
	c.expired = true
	c.eng.writeAllClients(fmt.Sprintf("error: callback expired: %s %s", c.id, c.label))
	c.fail(fmt.Errorf("%s %s: %w", c.label, c.id, ErrCallbackExpired))
}

func marshalResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// callbackRegistry holds the per-purpose callback lists swept at 1 Hz.
type callbackRegistry struct {
	timers          []*Callback
	positions       []*Callback
	tickets         []*Callback
	openOrders      []*Callback
	executions      []*Callback
	barData         []*Callback
	orders          []*Callback
	cancels         []*Callback
	addSymbols      []*Callback
	accountData     []*Callback
	setAccounts     []*Callback
	accountRequests []*Callback
	orderStatuses   []*Callback
}

func (r *callbackRegistry) lists() []*[]*Callback {
	return []*[]*Callback{
		&r.timers, &r.positions, &r.tickets, &r.openOrders, &r.executions,
		&r.barData, &r.orders, &r.cancels, &r.addSymbols, &r.accountData,
		&r.setAccounts, &r.accountRequests, &r.orderStatuses,
	}
}

// sweep expires overdue callbacks and drops completed ones.
func (r *callbackRegistry) sweep(now time.Time) {
	for _, list := range r.lists() {
		kept := (*list)[:0]
		for _, cb := range *list {
			cb.checkExpire(now)
			if !cb.done {
				kept = append(kept, cb)
			}
		}
		*list = kept
	}
}

// pending returns the number of outstanding callbacks across all lists.
func (r *callbackRegistry) pending() int {
	n := 0
	for _, list := range r.lists() {
		n += len(*list)
	}
	return n
}

// CallbackMetrics aggregates completion timing for one label.
type CallbackMetrics struct {
	Total   int64   `json:"tot"`
	Min     int64   `json:"min"`
	Max     int64   `json:"max"`
	Avg     float64 `json:"avg"`
	Expired int64   `json:"exp"`
	History []int64 `json:"hst"`
}

// recordCallbackMetrics folds one sample into the per-label aggregate
// and mirrors it to Prometheus.
func (e *Engine) recordCallbackMetrics(label string, elapsedMS int64, expired bool) {
	m, ok := e.callbackMetrics[label]
	if !ok {
		m = &CallbackMetrics{Min: 9999}
		e.callbackMetrics[label] = m
	}
	total := m.Total
	m.Total++
	if elapsedMS < m.Min {
		m.Min = elapsedMS
	}
	if elapsedMS > m.Max {
		m.Max = elapsedMS
	}
	m.Avg = (m.Avg*float64(total) + float64(elapsedMS)) / float64(total+1)
	if expired {
		m.Expired++
	}
	m.History = append(m.History, elapsedMS)
	if len(m.History) > callbackMetricHistoryLimit {
		m.History = m.History[1:]
	}

	metrics.ObserveCallback(label, elapsedMS, expired)
}
