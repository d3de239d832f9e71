// Package server implements the RESP TCP server.
package server

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/aleksandar-had/rudis/internal/resp"
	"github.com/aleksandar-had/rudis/internal/store"
	"github.com/aleksandar-had/rudis/internal/telemetry/metric"
)

// Shared reply and error strings. Wording follows Redis so client
// libraries' error handling keeps working.
const (
	replyOK   = "OK"
	replyPong = "PONG"

	errNotInteger    = "ERR value is not an integer or out of range"
	errSyntax        = "ERR syntax error"
	errExpectedArray = "ERR expected array"
	errExpectedBulk  = "ERR expected bulk string"
)

// Result is the outcome of dispatching one frame.
type Result struct {
	Reply resp.Value
	// Close requests closing the connection after the reply is
	// flushed (QUIT).
	Close bool
	// Skip means there is nothing to write (empty command line).
	Skip bool
}

// CommandHandler parses command frames and executes them against the
// store.
type CommandHandler struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewCommandHandler creates a CommandHandler. logger may be nil;
// metrics may be nil to disable instrumentation.
func NewCommandHandler(st *store.Store, logger *slog.Logger, m *metric.Metrics) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		store:   st,
		logger:  logger,
		metrics: m,
	}
}

// Dispatch executes one decoded frame and returns the reply.
//
// The frame must be an array of bulk strings: the command name
// followed by its arguments. Name comparison is ASCII
// case-insensitive. Command errors (unknown name, wrong arity, bad
// values) produce an Error reply and leave the connection usable.
func (h *CommandHandler) Dispatch(frame resp.Value) Result {
	if frame.Type != resp.TypeArray || frame.Null {
		return reply(resp.Error(errExpectedArray))
	}
	if len(frame.Array) == 0 {
		// A blank inline line decodes to an empty array; ignore it the
		// way Redis does.
		return Result{Skip: true}
	}

	args := make([][]byte, 0, len(frame.Array))
	for _, elem := range frame.Array {
		switch elem.Type {
		case resp.TypeBulkString:
			if elem.Null {
				return reply(resp.Error(errExpectedBulk))
			}
			args = append(args, elem.Bulk)
		case resp.TypeSimpleString:
			// Tolerated as an argument; some clients send these.
			args = append(args, elem.Str)
		default:
			return reply(resp.Error(errExpectedBulk))
		}
	}

	name := normalizeCommandName(args[0])

	start := time.Now()
	res := h.execute(name, args)
	if h.metrics != nil {
		label := name
		if !knownCommand(name) {
			label = "UNKNOWN"
		}
		h.metrics.CommandsTotal.WithLabelValues(label).Inc()
		h.metrics.CommandDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		if res.Reply.Type == resp.TypeError {
			h.metrics.CommandErrors.WithLabelValues(label).Inc()
		}
	}
	return res
}

func (h *CommandHandler) execute(name string, args [][]byte) Result {
	switch name {
	case "PING":
		return h.handlePing(args)
	case "GET":
		return h.handleGet(args)
	case "SET":
		return h.handleSet(args)
	case "SETNX":
		return h.handleSetNX(args)
	case "SETEX":
		return h.handleSetEX(args)
	case "DEL":
		return h.handleDel(args)
	case "INCR":
		return h.handleIncrBy(args, 1, false)
	case "DECR":
		return h.handleIncrBy(args, -1, false)
	case "INCRBY":
		return h.handleIncrBy(args, 1, true)
	case "DECRBY":
		return h.handleIncrBy(args, -1, true)
	case "MGET":
		return h.handleMGet(args)
	case "MSET":
		return h.handleMSet(args)
	case "EXPIRE":
		return h.handleExpire(args)
	case "TTL":
		return h.handleTTL(args)
	case "PERSIST":
		return h.handlePersist(args)
	case "KEYS":
		return h.handleKeys(args)
	case "EXISTS":
		return h.handleExists(args)
	case "DBSIZE":
		return h.handleDBSize(args)
	case "FLUSHALL":
		return h.handleFlushAll(args)
	case "QUIT":
		return Result{Reply: resp.SimpleString(replyOK), Close: true}
	default:
		return reply(resp.Error("ERR unknown command '" + string(args[0]) + "'"))
	}
}

// PING, or PING <message>
func (h *CommandHandler) handlePing(args [][]byte) Result {
	switch len(args) {
	case 1:
		return reply(resp.SimpleString(replyPong))
	case 2:
		return reply(resp.Bulk(args[1]))
	default:
		return wrongArity("ping")
	}
}

// GET <key>
func (h *CommandHandler) handleGet(args [][]byte) Result {
	if len(args) != 2 {
		return wrongArity("get")
	}
	val, ok := h.store.Get(string(args[1]))
	if !ok {
		return reply(resp.NullBulk())
	}
	return reply(resp.Bulk(val))
}

// SET <key> <value>
//
// The EX/PX/NX/XX modifiers of full Redis are not supported; a
// trailing modifier is rejected with a syntax error rather than a
// misleading arity error. SETEX and SETNX cover those forms.
func (h *CommandHandler) handleSet(args [][]byte) Result {
	if len(args) > 3 {
		return reply(resp.Error(errSyntax))
	}
	if len(args) != 3 {
		return wrongArity("set")
	}
	h.store.Set(string(args[1]), args[2])
	return reply(resp.SimpleString(replyOK))
}

// SETNX <key> <value>
func (h *CommandHandler) handleSetNX(args [][]byte) Result {
	if len(args) != 3 {
		return wrongArity("setnx")
	}
	if h.store.SetNX(string(args[1]), args[2]) {
		return reply(resp.Integer(1))
	}
	return reply(resp.Integer(0))
}

// SETEX <key> <seconds> <value>
func (h *CommandHandler) handleSetEX(args [][]byte) Result {
	if len(args) != 4 {
		return wrongArity("setex")
	}
	seconds, ok := store.ParseInt64(args[2])
	if !ok {
		return reply(resp.Error(errNotInteger))
	}
	if seconds <= 0 {
		return reply(resp.Error("ERR invalid expire time in 'setex'"))
	}
	h.store.SetEX(string(args[1]), args[3], time.Duration(seconds)*time.Second)
	return reply(resp.SimpleString(replyOK))
}

// DEL <key> [key ...]
func (h *CommandHandler) handleDel(args [][]byte) Result {
	if len(args) < 2 {
		return wrongArity("del")
	}
	keys := make([]string, 0, len(args)-1)
	for _, arg := range args[1:] {
		keys = append(keys, string(arg))
	}
	return reply(resp.Integer(h.store.Delete(keys...)))
}

// INCR/DECR <key>, INCRBY/DECRBY <key> <delta>
//
// sign is +1 for the INCR family and -1 for the DECR family; withArg
// selects the two-argument forms.
func (h *CommandHandler) handleIncrBy(args [][]byte, sign int64, withArg bool) Result {
	name := counterName(sign, withArg)

	delta := int64(1)
	if withArg {
		if len(args) != 3 {
			return wrongArity(name)
		}
		n, ok := store.ParseInt64(args[2])
		if !ok {
			return reply(resp.Error(errNotInteger))
		}
		delta = n
	} else if len(args) != 2 {
		return wrongArity(name)
	}

	// DECRBY of MinInt64 cannot be negated; the increment it denotes
	// is out of range for the result anyway.
	if sign < 0 {
		if delta == -delta && delta != 0 {
			return reply(resp.Error(errNotInteger))
		}
		delta = -delta
	}

	n, err := h.store.IncrBy(string(args[1]), delta)
	if err != nil {
		return reply(resp.Error(errNotInteger))
	}
	return reply(resp.Integer(n))
}

func counterName(sign int64, withArg bool) string {
	switch {
	case sign > 0 && withArg:
		return "incrby"
	case sign > 0:
		return "incr"
	case withArg:
		return "decrby"
	default:
		return "decr"
	}
}

// MGET <key> [key ...]
func (h *CommandHandler) handleMGet(args [][]byte) Result {
	if len(args) < 2 {
		return wrongArity("mget")
	}
	keys := make([]string, 0, len(args)-1)
	for _, arg := range args[1:] {
		keys = append(keys, string(arg))
	}
	values := h.store.GetMany(keys)
	elems := make([]resp.Value, len(values))
	for i, val := range values {
		if val == nil {
			elems[i] = resp.NullBulk()
		} else {
			elems[i] = resp.Bulk(val)
		}
	}
	return reply(resp.Array(elems...))
}

// MSET <key> <value> [key value ...]
func (h *CommandHandler) handleMSet(args [][]byte) Result {
	if len(args) < 3 || len(args)%2 != 1 {
		return wrongArity("mset")
	}
	pairs := make([]store.KV, 0, (len(args)-1)/2)
	for i := 1; i < len(args); i += 2 {
		pairs = append(pairs, store.KV{Key: string(args[i]), Value: args[i+1]})
	}
	h.store.SetMany(pairs)
	return reply(resp.SimpleString(replyOK))
}

// EXPIRE <key> <seconds>
//
// A non-positive seconds deletes the key, mirroring Redis.
func (h *CommandHandler) handleExpire(args [][]byte) Result {
	if len(args) != 3 {
		return wrongArity("expire")
	}
	seconds, ok := store.ParseInt64(args[2])
	if !ok {
		return reply(resp.Error(errNotInteger))
	}
	key := string(args[1])
	if seconds <= 0 {
		return reply(resp.Integer(h.store.Delete(key)))
	}
	if h.store.Expire(key, time.Duration(seconds)*time.Second) {
		return reply(resp.Integer(1))
	}
	return reply(resp.Integer(0))
}

// TTL <key>
//
// Returns -2 if the key does not exist, -1 if it has no expiry, and
// otherwise the whole seconds remaining, rounded down.
func (h *CommandHandler) handleTTL(args [][]byte) Result {
	if len(args) != 2 {
		return wrongArity("ttl")
	}
	return reply(resp.Integer(h.store.TTL(string(args[1]))))
}

// PERSIST <key>
func (h *CommandHandler) handlePersist(args [][]byte) Result {
	if len(args) != 2 {
		return wrongArity("persist")
	}
	if h.store.Persist(string(args[1])) {
		return reply(resp.Integer(1))
	}
	return reply(resp.Integer(0))
}

// KEYS <pattern>
//
// Full scan; O(n) and documented as such. The reply is an array, empty
// on no matches, never null.
func (h *CommandHandler) handleKeys(args [][]byte) Result {
	if len(args) != 2 {
		return wrongArity("keys")
	}
	keys := h.store.Keys(string(args[1]))
	elems := make([]resp.Value, len(keys))
	for i, key := range keys {
		elems[i] = resp.BulkString(key)
	}
	return reply(resp.Array(elems...))
}

// EXISTS <key> [key ...]
func (h *CommandHandler) handleExists(args [][]byte) Result {
	if len(args) < 2 {
		return wrongArity("exists")
	}
	var count int64
	for _, arg := range args[1:] {
		if h.store.Exists(string(arg)) {
			count++
		}
	}
	return reply(resp.Integer(count))
}

// DBSIZE
func (h *CommandHandler) handleDBSize(args [][]byte) Result {
	if len(args) != 1 {
		return wrongArity("dbsize")
	}
	return reply(resp.Integer(h.store.LiveCount()))
}

// FLUSHALL
func (h *CommandHandler) handleFlushAll(args [][]byte) Result {
	if len(args) != 1 {
		return wrongArity("flushall")
	}
	h.store.Clear()
	h.logger.Info("flushed all keys")
	return reply(resp.SimpleString(replyOK))
}

func reply(v resp.Value) Result {
	return Result{Reply: v}
}

func wrongArity(name string) Result {
	return reply(resp.Error("ERR wrong number of arguments for '" + name + "'"))
}

// knownCommand bounds the metrics label set: arbitrary client-supplied
// names must not mint new label values.
func knownCommand(name string) bool {
	switch name {
	case "PING", "GET", "SET", "SETNX", "SETEX", "DEL",
		"INCR", "DECR", "INCRBY", "DECRBY", "MGET", "MSET",
		"EXPIRE", "TTL", "PERSIST", "KEYS", "EXISTS",
		"DBSIZE", "FLUSHALL", "QUIT":
		return true
	}
	return false
}

// normalizeCommandName uppercases ASCII letters only; other bytes are
// left as they are, so no non-ASCII spelling folds onto a command name.
func normalizeCommandName(b []byte) string {
	if !bytes.ContainsAny(b, "abcdefghijklmnopqrstuvwxyz") {
		return string(b)
	}
	up := make([]byte, len(b))
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		up[i] = c
	}
	return string(up)
}
