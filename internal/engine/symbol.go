package engine

import (
	"fmt"
)

// Symbol tracks one market-data subscription and the downstream
// clients watching it. The quote fields are refreshed by a LIVEQUOTE
// advise; the snapshot taken at creation seeds the raw field map.
type Symbol struct {
	eng      *Engine
	symbol   string
	clients  map[Client]struct{}
	callback *Callback

	bid      float64
	bidSize  int
	ask      float64
	askSize  int
	last     float64
	size     int
	volume   int
	close    float64
	vwap     float64
	high     float64
	low      float64
	fullname string

	rawdata   map[string]string
	lastQuote string
}

// newSymbol registers the symbol and issues the initialization
// snapshot request; the advise starts only after the snapshot confirms
// the symbol exists.
func newSymbol(e *Engine, symbol string, client Client, cb *Callback) *Symbol {
	s := &Symbol{
		eng:      e,
		symbol:   symbol,
		clients:  map[Client]struct{}{client: {}},
		callback: cb,
	}
	e.symbols[symbol] = s
	e.logger.Info("adding symbol to watchlist", "symbol", symbol)

	cxn := e.channelFor("TA_SRV", "LIVEQUOTE")
	initCB := e.newCallback(cxn.id, "init_symbol", e.cfg.Timeouts.AddSymbol, func(result any, err error) {
		if err != nil {
			e.errorHandler(symbol, fmt.Sprintf("symbol init failed: %v", err))
			return
		}
		rows, _ := result.([]map[string]string)
		s.initHandler(rows)
	})
	cxn.request("LIVEQUOTE", "*", fmt.Sprintf("DISP_NAME='%s'", symbol), initCB)
	return s
}

// export returns the snapshot fields downstream clients see; ticker and
// high/low fields appear only when the corresponding feature is on.
func (s *Symbol) export() map[string]any {
	ret := map[string]any{
		"symbol":   s.symbol,
		"last":     s.last,
		"size":     s.size,
		"volume":   s.volume,
		"close":    s.close,
		"vwap":     s.vwap,
		"fullname": s.fullname,
	}
	if s.eng.cfg.EnableHighLow {
		ret["high"] = s.high
		ret["low"] = s.low
	}
	if s.eng.cfg.EnableTicker {
		ret["bid"] = s.bid
		ret["bidsize"] = s.bidSize
		ret["ask"] = s.ask
		ret["asksize"] = s.askSize
	}
	return ret
}

func (s *Symbol) addClient(client Client) {
	s.clients[client] = struct{}{}
}

func (s *Symbol) delClient(client Client) {
	delete(s.clients, client)
}

// updateQuote emits the quote line, suppressing consecutive duplicates.
func (s *Symbol) updateQuote() {
	quote := fmt.Sprintf("quote.%s:%.2f %d %.2f %d", s.symbol, s.bid, s.bidSize, s.ask, s.askSize)
	if quote != s.lastQuote {
		s.lastQuote = quote
		s.eng.writeAllClients(quote)
	}
}

// updateTrade emits every trade tick and journals the print.
func (s *Symbol) updateTrade() {
	s.eng.writeAllClients(fmt.Sprintf("trade.%s:%.2f %d %d", s.symbol, s.last, s.size, s.volume))
	if s.eng.journal != nil {
		s.eng.journal.Trade(s.symbol, s.last, s.size, s.volume)
	}
}

// initHandler processes the initialization snapshot, then starts the
// advise for ongoing updates when the symbol is valid.
func (s *Symbol) initHandler(rows []map[string]string) {
	if len(rows) == 0 {
		s.eng.errorHandler(s.symbol, "symbol init returned no data")
		s.callback.complete(false)
		return
	}
	row := rows[0]
	s.parseFields(nil, row)
	s.rawdata = map[string]string{}
	for k, v := range row {
		if _, isErr := parseTQLError(v); isErr {
			v = ""
		}
		s.rawdata[k] = v
	}
	if !s.eng.symbolInit(s) {
		return
	}

	cxn := s.eng.channelFor("TA_SRV", "LIVEQUOTE")
	fields := "TRDPRC_1,TRDVOL_1,ACVOL_1"
	if s.eng.cfg.EnableTicker {
		fields += ",BID,BIDSIZE,ASK,ASKSIZE"
	}
	if s.eng.cfg.EnableHighLow {
		fields += ",HIGH_1,LOW_1"
	}
	cxn.advise("LIVEQUOTE", fields, fmt.Sprintf("DISP_NAME='%s'", s.symbol), s.parseFields)
}

// parseFields folds one advise row into the symbol state. A nil row
// means the advise was terminated upstream, which is fatal.
func (s *Symbol) parseFields(c *Channel, row map[string]string) {
	if row == nil {
		s.eng.forceDisconnect(fmt.Sprintf("LIVEQUOTE advise terminated for %s", s.symbol))
		return
	}

	tradeFlag := false
	quoteFlag := false

	if v, ok := row["TRDPRC_1"]; ok {
		s.last = s.fieldFloat(v, "TRDPRC_1")
		tradeFlag = true
	}
	if v, ok := row["HIGH_1"]; ok {
		s.high = s.fieldFloat(v, "HIGH_1")
		tradeFlag = true
	}
	if v, ok := row["LOW_1"]; ok {
		s.low = s.fieldFloat(v, "LOW_1")
		tradeFlag = true
	}
	if v, ok := row["TRDVOL_1"]; ok {
		s.size = s.fieldInt(v, "TRDVOL_1")
		tradeFlag = true
	}
	if v, ok := row["ACVOL_1"]; ok {
		s.volume = s.fieldInt(v, "ACVOL_1")
		tradeFlag = true
	}
	if v, ok := row["BID"]; ok {
		s.bid = s.fieldFloat(v, "BID")
		s.bidSize = 0
		if bs, ok := row["BIDSIZE"]; ok && s.bid != 0 {
			s.bidSize = s.fieldInt(bs, "BIDSIZE")
		}
		quoteFlag = true
	}
	if v, ok := row["ASK"]; ok {
		s.ask = s.fieldFloat(v, "ASK")
		s.askSize = 0
		if as, ok := row["ASKSIZE"]; ok && s.ask != 0 {
			s.askSize = s.fieldInt(as, "ASKSIZE")
		}
		quoteFlag = true
	}
	if v, ok := row["COMPANY_NAME"]; ok {
		s.fullname = parseTQLString(v)
	}
	if v, ok := row["HST_CLOSE"]; ok {
		s.close = s.fieldFloat(v, "HST_CLOSE")
	}
	if v, ok := row["VWAP"]; ok {
		s.vwap = s.fieldFloat(v, "VWAP")
	}

	if s.eng.cfg.EnableTicker {
		if quoteFlag {
			s.updateQuote()
		}
		if tradeFlag {
			s.updateTrade()
		}
	}
}

func (s *Symbol) fieldFloat(value, label string) float64 {
	s.reportFieldError(value, label)
	return parseTQLFloat(value)
}

func (s *Symbol) fieldInt(value, label string) int {
	s.reportFieldError(value, label)
	return parseTQLInt(value)
}

func (s *Symbol) reportFieldError(value, label string) {
	if code, isErr := parseTQLError(value); isErr {
		s.eng.errorHandler(fmt.Sprintf("Symbol(%s)", s.symbol),
			fmt.Sprintf("field parse failure: %s=%q (%s)", label, value, code))
	}
}

// enableSymbol subscribes a client, creating the Symbol and its
// initialization request on first use.
func (e *Engine) enableSymbol(symbol string, client Client, cont Continuation) {
	if s, ok := e.symbols[symbol]; ok {
		s.addClient(client)
		e.newCallback(symbol, "add-symbol", 0, cont).complete(true)
		return
	}
	cb := e.newCallback(symbol, "add-symbol", e.cfg.Timeouts.AddSymbol, cont)
	e.reg.addSymbols = append(e.reg.addSymbols, cb)
	newSymbol(e, symbol, client, cb)
}

// symbolInit completes the add-symbol callback; the snapshot is valid
// iff it carried no SYMBOL_ERROR field.
func (e *Engine) symbolInit(s *Symbol) bool {
	_, bad := s.rawdata["SYMBOL_ERROR"]
	if bad {
		for client := range s.clients {
			e.disableSymbol(s.symbol, client)
			break
		}
	}
	s.callback.complete(!bad)
	return !bad
}

// disableSymbol unsubscribes a client; the Symbol is dropped when its
// last client leaves.
func (e *Engine) disableSymbol(symbol string, client Client) bool {
	s, ok := e.symbols[symbol]
	if !ok {
		return false
	}
	s.delClient(client)
	if len(s.clients) == 0 {
		e.logger.Info("removing symbol from watchlist", "symbol", symbol)
		delete(e.symbols, symbol)
	}
	return true
}
