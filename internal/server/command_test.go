package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/aleksandar-had/rudis/internal/resp"
	"github.com/aleksandar-had/rudis/internal/store"
)

func newTestHandler() *CommandHandler {
	return NewCommandHandler(store.New(), nil, nil)
}

func command(args ...string) resp.Value {
	elems := make([]resp.Value, len(args))
	for i, arg := range args {
		elems[i] = resp.BulkString(arg)
	}
	return resp.Array(elems...)
}

func dispatch(t *testing.T, h *CommandHandler, args ...string) resp.Value {
	t.Helper()
	res := h.Dispatch(command(args...))
	if res.Skip {
		t.Fatalf("Dispatch(%v) skipped", args)
	}
	return res.Reply
}

func wantSimple(t *testing.T, v resp.Value, want string) {
	t.Helper()
	if v.Type != resp.TypeSimpleString || string(v.Str) != want {
		t.Errorf("reply = %+v, want +%s", v, want)
	}
}

func wantInteger(t *testing.T, v resp.Value, want int64) {
	t.Helper()
	if v.Type != resp.TypeInteger || v.Int != want {
		t.Errorf("reply = %+v, want :%d", v, want)
	}
}

func wantBulk(t *testing.T, v resp.Value, want string) {
	t.Helper()
	if v.Type != resp.TypeBulkString || v.Null || string(v.Bulk) != want {
		t.Errorf("reply = %+v, want bulk %q", v, want)
	}
}

func wantNullBulk(t *testing.T, v resp.Value) {
	t.Helper()
	if v.Type != resp.TypeBulkString || !v.Null {
		t.Errorf("reply = %+v, want null bulk", v)
	}
}

func wantError(t *testing.T, v resp.Value, want string) {
	t.Helper()
	if v.Type != resp.TypeError || string(v.Str) != want {
		t.Errorf("reply = %+v, want -%s", v, want)
	}
}

func TestDispatch_Ping(t *testing.T) {
	h := newTestHandler()
	wantSimple(t, dispatch(t, h, "PING"), "PONG")
	wantBulk(t, dispatch(t, h, "PING", "hello"), "hello")
	wantBulk(t, dispatch(t, h, "PING", ""), "")
	wantError(t, dispatch(t, h, "PING", "a", "b"),
		"ERR wrong number of arguments for 'ping'")
}

func TestDispatch_CaseInsensitiveNames(t *testing.T) {
	h := newTestHandler()
	for _, name := range []string{"ping", "PING", "Ping", "PiNg"} {
		wantSimple(t, dispatch(t, h, name), "PONG")
	}
}

func TestDispatch_SetGet(t *testing.T) {
	h := newTestHandler()
	wantSimple(t, dispatch(t, h, "SET", "foo", "bar"), "OK")
	wantBulk(t, dispatch(t, h, "GET", "foo"), "bar")
	wantNullBulk(t, dispatch(t, h, "GET", "miss"))
}

func TestDispatch_SetRejectsModifiers(t *testing.T) {
	h := newTestHandler()
	wantError(t, dispatch(t, h, "SET", "k", "v", "EX", "10"), "ERR syntax error")
	wantError(t, dispatch(t, h, "SET", "k", "v", "NX"), "ERR syntax error")
	wantError(t, dispatch(t, h, "SET", "k"),
		"ERR wrong number of arguments for 'set'")
}

func TestDispatch_SetNX(t *testing.T) {
	h := newTestHandler()
	wantInteger(t, dispatch(t, h, "SETNX", "k", "v1"), 1)
	wantInteger(t, dispatch(t, h, "SETNX", "k", "v2"), 0)
	wantBulk(t, dispatch(t, h, "GET", "k"), "v1")
}

func TestDispatch_SetEX(t *testing.T) {
	h := newTestHandler()
	wantSimple(t, dispatch(t, h, "SETEX", "k", "100", "v"), "OK")
	ttl := dispatch(t, h, "TTL", "k")
	if ttl.Int < 99 || ttl.Int > 100 {
		t.Errorf("TTL = %d, want 99..100", ttl.Int)
	}

	wantError(t, dispatch(t, h, "SETEX", "k", "0", "v"),
		"ERR invalid expire time in 'setex'")
	wantError(t, dispatch(t, h, "SETEX", "k", "-5", "v"),
		"ERR invalid expire time in 'setex'")
	wantError(t, dispatch(t, h, "SETEX", "k", "abc", "v"),
		"ERR value is not an integer or out of range")
	wantError(t, dispatch(t, h, "SETEX", "k", "v"),
		"ERR wrong number of arguments for 'setex'")
}

func TestDispatch_Del(t *testing.T) {
	h := newTestHandler()
	dispatch(t, h, "SET", "a", "1")
	dispatch(t, h, "SET", "b", "2")
	wantInteger(t, dispatch(t, h, "DEL", "a", "b", "missing"), 2)
	wantNullBulk(t, dispatch(t, h, "GET", "a"))
	wantError(t, dispatch(t, h, "DEL"),
		"ERR wrong number of arguments for 'del'")
}

func TestDispatch_Counters(t *testing.T) {
	h := newTestHandler()

	wantInteger(t, dispatch(t, h, "INCR", "c"), 1)
	wantInteger(t, dispatch(t, h, "INCR", "c"), 2)
	wantInteger(t, dispatch(t, h, "DECR", "c"), 1)
	wantInteger(t, dispatch(t, h, "INCRBY", "c", "10"), 11)
	wantInteger(t, dispatch(t, h, "DECRBY", "c", "5"), 6)
	wantInteger(t, dispatch(t, h, "INCRBY", "c", "-6"), 0)

	dispatch(t, h, "SET", "c", "hello")
	wantError(t, dispatch(t, h, "INCR", "c"),
		"ERR value is not an integer or out of range")

	dispatch(t, h, "SET", "c", "")
	wantError(t, dispatch(t, h, "INCR", "c"),
		"ERR value is not an integer or out of range")

	wantError(t, dispatch(t, h, "INCRBY", "c", "abc"),
		"ERR value is not an integer or out of range")
	wantError(t, dispatch(t, h, "INCRBY", "c"),
		"ERR wrong number of arguments for 'incrby'")
	wantError(t, dispatch(t, h, "INCR"),
		"ERR wrong number of arguments for 'incr'")
}

func TestDispatch_CounterOverflow(t *testing.T) {
	h := newTestHandler()

	dispatch(t, h, "SET", "c", "9223372036854775807")
	wantError(t, dispatch(t, h, "INCR", "c"),
		"ERR value is not an integer or out of range")
	wantBulk(t, dispatch(t, h, "GET", "c"), "9223372036854775807")

	dispatch(t, h, "SET", "c", "-9223372036854775808")
	wantError(t, dispatch(t, h, "DECR", "c"),
		"ERR value is not an integer or out of range")

	// DECRBY of the most negative delta cannot be negated.
	dispatch(t, h, "SET", "c", "0")
	wantError(t, dispatch(t, h, "DECRBY", "c", "-9223372036854775808"),
		"ERR value is not an integer or out of range")
}

func TestDispatch_MGetMSet(t *testing.T) {
	h := newTestHandler()
	wantSimple(t, dispatch(t, h, "MSET", "k1", "v1", "k2", "v2"), "OK")

	v := dispatch(t, h, "MGET", "k1", "missing", "k2")
	if v.Type != resp.TypeArray || len(v.Array) != 3 {
		t.Fatalf("MGET reply = %+v", v)
	}
	wantBulk(t, v.Array[0], "v1")
	wantNullBulk(t, v.Array[1])
	wantBulk(t, v.Array[2], "v2")

	wantError(t, dispatch(t, h, "MSET", "k1", "v1", "k2"),
		"ERR wrong number of arguments for 'mset'")
	wantError(t, dispatch(t, h, "MSET"),
		"ERR wrong number of arguments for 'mset'")
	wantError(t, dispatch(t, h, "MGET"),
		"ERR wrong number of arguments for 'mget'")
}

func TestDispatch_ExpireTTLPersist(t *testing.T) {
	h := newTestHandler()

	wantInteger(t, dispatch(t, h, "TTL", "missing"), -2)
	wantInteger(t, dispatch(t, h, "EXPIRE", "missing", "10"), 0)

	dispatch(t, h, "SET", "k", "v")
	wantInteger(t, dispatch(t, h, "TTL", "k"), -1)
	wantInteger(t, dispatch(t, h, "EXPIRE", "k", "100"), 1)
	ttl := dispatch(t, h, "TTL", "k")
	if ttl.Int < 99 || ttl.Int > 100 {
		t.Errorf("TTL = %d", ttl.Int)
	}

	wantInteger(t, dispatch(t, h, "PERSIST", "k"), 1)
	wantInteger(t, dispatch(t, h, "TTL", "k"), -1)
	wantInteger(t, dispatch(t, h, "PERSIST", "k"), 0)
	wantInteger(t, dispatch(t, h, "PERSIST", "missing"), 0)

	// Non-positive seconds deletes the key.
	wantInteger(t, dispatch(t, h, "EXPIRE", "k", "-1"), 1)
	wantNullBulk(t, dispatch(t, h, "GET", "k"))
	wantInteger(t, dispatch(t, h, "EXPIRE", "k", "0"), 0)

	wantError(t, dispatch(t, h, "EXPIRE", "k", "abc"),
		"ERR value is not an integer or out of range")
}

func TestDispatch_Keys(t *testing.T) {
	h := newTestHandler()
	dispatch(t, h, "MSET", "user:1", "a", "user:2", "b", "other", "c")

	v := dispatch(t, h, "KEYS", "user:?")
	if v.Type != resp.TypeArray || v.Null || len(v.Array) != 2 {
		t.Fatalf("KEYS reply = %+v", v)
	}

	empty := dispatch(t, h, "KEYS", "nomatch*")
	if empty.Null || len(empty.Array) != 0 {
		t.Errorf("KEYS with no matches = %+v, want empty array", empty)
	}
}

func TestDispatch_ExistsDBSizeFlushAll(t *testing.T) {
	h := newTestHandler()
	dispatch(t, h, "MSET", "a", "1", "b", "2")

	wantInteger(t, dispatch(t, h, "EXISTS", "a", "b", "missing", "a"), 3)
	wantInteger(t, dispatch(t, h, "DBSIZE"), 2)

	wantSimple(t, dispatch(t, h, "FLUSHALL"), "OK")
	wantInteger(t, dispatch(t, h, "DBSIZE"), 0)
}

func TestDispatch_Quit(t *testing.T) {
	h := newTestHandler()
	res := h.Dispatch(command("QUIT"))
	wantSimple(t, res.Reply, "OK")
	if !res.Close {
		t.Error("QUIT did not request close")
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	h := newTestHandler()
	wantError(t, dispatch(t, h, "NOSUCH", "arg"),
		"ERR unknown command 'NOSUCH'")
}

func TestDispatch_MalformedFrames(t *testing.T) {
	h := newTestHandler()

	res := h.Dispatch(resp.SimpleString("PING"))
	wantError(t, res.Reply, "ERR expected array")

	res = h.Dispatch(resp.NullArray())
	wantError(t, res.Reply, "ERR expected array")

	res = h.Dispatch(resp.Array())
	if !res.Skip {
		t.Errorf("empty command not skipped: %+v", res)
	}

	res = h.Dispatch(resp.Array(resp.Integer(1)))
	wantError(t, res.Reply, "ERR expected bulk string")

	res = h.Dispatch(resp.Array(resp.NullBulk()))
	wantError(t, res.Reply, "ERR expected bulk string")
}

func TestDispatch_BinarySafeValues(t *testing.T) {
	h := newTestHandler()
	val := string([]byte{0, '\r', '\n', 0xff})

	res := h.Dispatch(resp.Array(
		resp.BulkString("SET"),
		resp.BulkString("bin"),
		resp.BulkString(val),
	))
	wantSimple(t, res.Reply, "OK")
	wantBulk(t, dispatch(t, h, "GET", "bin"), val)
}

func TestDispatch_ExpiredKeyBehavesAbsent(t *testing.T) {
	h := newTestHandler()
	dispatch(t, h, "SETEX", "k", "1", "v")

	wantInteger(t, dispatch(t, h, "EXISTS", "k"), 1)
	time.Sleep(1200 * time.Millisecond)

	wantNullBulk(t, dispatch(t, h, "GET", "k"))
	wantInteger(t, dispatch(t, h, "TTL", "k"), -2)
	wantInteger(t, dispatch(t, h, "EXISTS", "k"), 0)
}

func BenchmarkDispatch_SetGet(b *testing.B) {
	h := NewCommandHandler(store.New(), nil, nil)
	set := command("SET", "bench", "value")
	get := command("GET", "bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Dispatch(set)
		h.Dispatch(get)
	}
}

func BenchmarkDispatch_Incr(b *testing.B) {
	h := NewCommandHandler(store.New(), nil, nil)
	incr := command("INCR", "counter")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Dispatch(incr)
	}
}

func BenchmarkDispatch_ParallelIncr(b *testing.B) {
	h := NewCommandHandler(store.New(), nil, nil)

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			h.Dispatch(command("INCR", fmt.Sprintf("counter-%d", i%8)))
			i++
		}
	})
}
