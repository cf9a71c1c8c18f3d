package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// connectionPending blocks readiness until the gateway answers the
// initial connect with OnInitAck.
const connectionPending = "CONNECTION PENDING"

// updateHandlerFunc receives advise updates for a long-lived
// subscription. A nil row signals the advise was terminated upstream.
type updateHandlerFunc func(c *Channel, row map[string]string)

// queuedSend holds the arguments of one gateway command together with
// the completion slots it arms. At most one may be deferred per channel
// while the channel is still connecting.
type queuedSend struct {
	cmd            string
	args           string
	expectAck      string
	ackCB          *Callback
	expectResponse bool
	responseCB     *Callback
	expectStatus   string
	statusCB       *Callback
	updateCB       *Callback
	updateHandler  updateHandlerFunc
}

// Channel is a logical session bound to a (service, topic) pair,
// multiplexed over the single upstream socket. It runs the
// ack/response/status/update state machine for one in-flight command
// and returns to the idle pool when every pending slot clears.
type Channel struct {
	eng *Engine

	id        string
	service   string
	topic     string
	key       string
	lastQuery string

	ackPending      string
	ackCB           *Callback
	responsePending bool
	responseCB      *Callback
	responseRows    []map[string]string
	statusPending   string
	statusCB        *Callback
	updateCB        *Callback
	updateHandler   updateHandlerFunc

	connected bool
	ready     bool
	onConnect *queuedSend
}

// newChannel constructs a channel and starts its connect handshake.
func (e *Engine) newChannel(service, topic string) *Channel {
	c := &Channel{
		eng:           e,
		id:            uuid.NewString(),
		service:       service,
		topic:         topic,
		key:           service + ";" + topic,
		ackPending:    connectionPending,
		statusPending: "OnInitAck",
	}
	e.logger.Debug("creating channel", "id", c.id, "key", c.key)
	e.pool.register(c)
	e.gatewaySend(fmt.Sprintf("connect %s %s", c.id, c.key))
	return c
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(%s %s %s)", c.id, c.key, c.lastQuery)
}

// request fetches rows from a table; the callback completes with the
// full row set when the server marks the response complete.
func (c *Channel) request(table, what, where string, cb *Callback) error {
	return c.query("request", table, what, where, queuedSend{
		expectAck:      "REQUEST_OK",
		expectResponse: true,
		responseCB:     cb,
	})
}

// advise opens a long-lived subscription delivering update frames to
// the handler until the server terminates it.
func (c *Channel) advise(table, what, where string, handler updateHandlerFunc) error {
	return c.query("advise", table, what, where, queuedSend{
		expectAck:     "ADVISE_OK",
		expectStatus:  "OnOtherAck",
		updateHandler: handler,
	})
}

// adviseRequest combines an initial snapshot response with an ongoing
// advise subscription.
func (c *Channel) adviseRequest(table, what, where string, cb *Callback, handler updateHandlerFunc) error {
	return c.query("adviserequest", table, what, where, queuedSend{
		expectAck:      "ADVISEREQUEST_OK",
		expectResponse: true,
		responseCB:     cb,
		expectStatus:   "OnOtherAck",
		updateHandler:  handler,
	})
}

// unadvise tears down a subscription.
func (c *Channel) unadvise(table, what, where string, cb *Callback) error {
	return c.query("unadvise", table, what, where, queuedSend{
		expectAck:    "UNADVISE_OK",
		expectStatus: "OnOtherAck",
		statusCB:     cb,
	})
}

// poke writes fields to a table; used for order submission and cancel.
func (c *Channel) poke(table, what, where, data string, ackCB, statusCB *Callback) error {
	tql := fmt.Sprintf("%s;%s;%s!%s", table, what, where, data)
	c.lastQuery = "poke: " + tql
	return c.send(queuedSend{
		cmd:          "poke",
		args:         tql,
		expectAck:    "POKE_OK",
		ackCB:        ackCB,
		expectStatus: "OnOtherAck",
		statusCB:     statusCB,
	})
}

// execute runs a gateway-side command.
func (c *Channel) execute(command string, cb *Callback) error {
	c.lastQuery = "execute: " + command
	return c.send(queuedSend{cmd: "execute", args: command, expectAck: "EXECUTE_OK", ackCB: cb})
}

// terminate shuts the session down with a result code.
func (c *Channel) terminate(code int, cb *Callback) error {
	c.lastQuery = fmt.Sprintf("terminate: %d", code)
	return c.send(queuedSend{cmd: "terminate", args: fmt.Sprintf("%d", code), expectAck: "TERMINATE_OK", ackCB: cb})
}

func (c *Channel) query(cmd, table, what, where string, q queuedSend) error {
	q.cmd = cmd
	q.args = fmt.Sprintf("%s;%s;%s", table, what, where)
	c.lastQuery = fmt.Sprintf("%s: %s", cmd, q.args)
	return c.send(q)
}

// send transmits the command if the channel is ready, otherwise defers
// it until OnInitAck. Only one deferred send is allowed; a second is a
// programming error.
func (c *Channel) send(q queuedSend) error {
	if !c.ready {
		if c.onConnect != nil {
			c.eng.errorHandler(c.id, fmt.Sprintf("deferred send already queued: %s", c.onConnect.cmd))
			return ErrSendWhileQueued
		}
		c.eng.logger.Debug("queueing pre-connect send", "id", c.id, "cmd", q.cmd)
		c.onConnect = &q
		return nil
	}

	if strings.Contains(q.cmd, "request") {
		c.responseRows = []map[string]string{}
	}
	c.eng.gatewaySend(fmt.Sprintf("%s %s %s", q.cmd, c.id, q.args))
	c.ackPending = q.expectAck
	c.ackCB = q.ackCB
	c.responsePending = q.expectResponse
	c.responseCB = q.responseCB
	c.statusPending = q.expectStatus
	c.statusCB = q.statusCB
	c.updateCB = q.updateCB
	c.updateHandler = q.updateHandler
	c.ready = false
	return nil
}

// receive routes one inbound frame payload by type and recomputes
// readiness afterwards.
func (c *Channel) receive(msgType string, data json.RawMessage) {
	switch msgType {
	case "ack":
		var ack string
		if err := json.Unmarshal(data, &ack); err != nil {
			c.eng.errorHandler(c.id, fmt.Sprintf("unparseable ack: %s", data))
			break
		}
		c.handleAck(ack)
	case "response":
		var resp responseData
		if err := json.Unmarshal(data, &resp); err != nil {
			c.eng.errorHandler(c.id, fmt.Sprintf("unparseable response: %s", data))
			break
		}
		row, err := decodeRow(resp.Row)
		if err != nil {
			c.eng.errorHandler(c.id, fmt.Sprintf("unparseable response row: %s", resp.Row))
			break
		}
		c.handleResponse(row, truthy(resp.Complete))
	case "status":
		var st statusData
		if err := json.Unmarshal(data, &st); err != nil {
			c.eng.errorHandler(c.id, fmt.Sprintf("unparseable status: %s", data))
			break
		}
		c.handleStatus(st)
	case "update":
		var upd updateData
		if err := json.Unmarshal(data, &upd); err != nil {
			c.eng.errorHandler(c.id, fmt.Sprintf("unparseable update: %s", data))
			break
		}
		row, err := decodeRow(upd.Row)
		if err != nil {
			c.eng.errorHandler(c.id, fmt.Sprintf("unparseable update row: %s", upd.Row))
			break
		}
		c.handleUpdate(row)
	default:
		c.eng.errorHandler(c.id, fmt.Sprintf("unexpected message type: %s", msgType))
	}
	c.updateReady()
}

func (c *Channel) handleAck(ack string) {
	if c.ackPending == "" {
		c.eng.errorHandler(c.id, fmt.Sprintf("unexpected ack: %s", ack))
		return
	}
	if ack == c.ackPending {
		c.ackPending = ""
	} else {
		c.eng.errorHandler(c.id, fmt.Sprintf("ack mismatch: expected %s, got %s", c.ackPending, ack))
		c.failResponse()
	}
	if c.ackCB != nil {
		c.ackCB.complete(ack)
		c.ackCB = nil
	}
}

func (c *Channel) handleResponse(row map[string]string, complete bool) {
	if !c.responsePending {
		c.eng.errorHandler(c.id, fmt.Sprintf("unexpected response: %v", row))
		return
	}
	c.responseRows = append(c.responseRows, row)
	if complete {
		if c.responseCB != nil {
			c.responseCB.complete(c.responseRows)
			c.responseCB = nil
		}
		c.responsePending = false
		c.responseRows = nil
	}
}

func (c *Channel) handleStatus(st statusData) {
	if c.statusPending != "" && st.Msg == c.statusPending {
		// While an advise is active, recurring OnOtherAck status frames
		// are interleaved with updates; keep expecting them. Otherwise
		// this is the single status the command armed.
		if c.updateHandler == nil {
			c.statusPending = ""
		}

		if st.Status != "1" {
			c.eng.errorHandler(c.id, fmt.Sprintf("status error: %s=%s", st.Msg, st.Status))
			return
		}

		if st.Msg == "OnInitAck" {
			c.connected = true
			c.ackPending = ""
			if c.onConnect != nil {
				c.ready = true
				q := *c.onConnect
				c.onConnect = nil
				c.eng.logger.Debug("replaying deferred send", "id", c.id, "cmd", q.cmd)
				c.send(q)
			}
		}

		if c.statusCB != nil {
			c.statusCB.complete(map[string]string{"msg": st.Msg, "status": st.Status})
			c.statusCB = nil
		}
		return
	}

	c.eng.errorHandler(c.id, fmt.Sprintf("unexpected status: %s=%s", st.Msg, st.Status))
	// A terminated advise notifies the subscriber with a nil row. The
	// session is dead upstream, so the channel leaves the pool; the
	// handler stays armed to keep the channel from reading as ready.
	if c.updateHandler != nil && st.Msg == "OnTerminate" {
		c.updateHandler(c, nil)
		c.eng.pool.drop(c)
	}
	c.failResponse()
}

func (c *Channel) handleUpdate(row map[string]string) {
	switch {
	case c.updateCB != nil:
		cb := c.updateCB
		c.updateCB = nil
		cb.complete(row)
	case c.updateHandler != nil:
		c.updateHandler(c, row)
	default:
		c.eng.errorHandler(c.id, fmt.Sprintf("unexpected update: %v", row))
	}
}

// failResponse fails the outstanding response callback, if any, with a
// nil row set.
func (c *Channel) failResponse() {
	if c.responseCB != nil {
		c.responseCB.complete(nil)
	}
}

// updateReady recomputes readiness and returns the channel to the idle
// pool on the not-ready to ready transition.
func (c *Channel) updateReady() {
	was := c.ready
	c.ready = c.ackPending == "" &&
		!c.responsePending &&
		c.statusPending == "" &&
		c.statusCB == nil &&
		c.updateCB == nil &&
		c.updateHandler == nil
	if c.ready && !was {
		c.eng.pool.release(c)
	}
}
