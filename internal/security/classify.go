package security

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/engine"
)

// Statement is the security-relevant shape of a query: what kind of
// action it performs and which table/collection/key it targets.
type Statement struct {
	Action domain.Action
	Target string
}

// Classify maps a statement onto an RBAC action. Anything it cannot
// recognize classifies as admin, which under deny-by-default is the
// safe direction.
func Classify(typ domain.EngineType, query string) Statement {
	switch typ {
	case domain.EngineRedis:
		return classifyRedis(query)
	case domain.EngineMongo:
		return classifyMongo(query)
	default:
		return classifySQL(query)
	}
}

var identCleanRe = regexp.MustCompile("[`\"\\[\\]]")

func cleanIdent(tok string) string {
	tok = identCleanRe.ReplaceAllString(tok, "")
	tok = strings.TrimRight(tok, ";,()")
	if i := strings.LastIndexByte(tok, '.'); i >= 0 {
		tok = tok[i+1:]
	}
	return strings.ToLower(tok)
}

func classifySQL(query string) Statement {
	words := strings.Fields(strings.ToLower(engine.StripLiterals(query)))
	if len(words) == 0 {
		return Statement{Action: domain.ActionAdmin}
	}

	after := func(marker string) string {
		for i, w := range words {
			if w == marker && i+1 < len(words) {
				return cleanIdent(words[i+1])
			}
		}
		return ""
	}

	switch words[0] {
	case "select", "with", "explain", "show":
		return Statement{Action: domain.ActionRead, Target: after("from")}
	case "insert", "replace":
		return Statement{Action: domain.ActionWrite, Target: after("into")}
	case "update":
		st := Statement{Action: domain.ActionWrite}
		if len(words) > 1 {
			st.Target = cleanIdent(words[1])
		}
		return st
	case "delete":
		return Statement{Action: domain.ActionDelete, Target: after("from")}
	case "create", "drop", "alter", "truncate", "grant", "revoke", "vacuum", "analyze":
		st := Statement{Action: domain.ActionAdmin}
		if t := after("table"); t != "" {
			st.Target = t
		}
		return st
	default:
		return Statement{Action: domain.ActionAdmin}
	}
}

var redisReadCmds = map[string]bool{
	"get": true, "mget": true, "exists": true, "keys": true, "scan": true,
	"hget": true, "hmget": true, "hgetall": true, "hkeys": true, "hlen": true,
	"lrange": true, "llen": true, "lindex": true,
	"smembers": true, "sismember": true, "scard": true,
	"zrange": true, "zscore": true, "zcard": true,
	"ttl": true, "pttl": true, "type": true, "strlen": true, "getrange": true,
	"dbsize": true, "ping": true, "randomkey": true,
}

var redisWriteCmds = map[string]bool{
	"set": true, "mset": true, "setex": true, "setnx": true, "getset": true,
	"append": true, "incr": true, "decr": true, "incrby": true, "decrby": true,
	"incrbyfloat": true,
	"hset": true, "hmset": true, "hincrby": true,
	"lpush": true, "rpush": true, "lset": true, "linsert": true,
	"sadd": true, "zadd": true, "zincrby": true,
	"expire": true, "pexpire": true, "expireat": true, "persist": true,
	"rename": true, "renamenx": true, "setrange": true,
}

var redisDeleteCmds = map[string]bool{
	"del": true, "unlink": true, "hdel": true,
	"lpop": true, "rpop": true, "lrem": true, "ltrim": true,
	"srem": true, "spop": true,
	"zrem": true, "zremrangebyscore": true, "zremrangebyrank": true,
	"getdel": true,
}

func classifyRedis(query string) Statement {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return Statement{Action: domain.ActionAdmin}
	}
	verb := strings.ToLower(fields[0])
	st := Statement{Action: domain.ActionAdmin}
	switch {
	case redisReadCmds[verb]:
		st.Action = domain.ActionRead
	case redisWriteCmds[verb]:
		st.Action = domain.ActionWrite
	case redisDeleteCmds[verb]:
		st.Action = domain.ActionDelete
	}
	if len(fields) > 1 && fields[1] != "?" {
		st.Target = fields[1]
	}
	return st
}

var mongoReadCmds = map[string]bool{
	"find": true, "aggregate": true, "count": true, "distinct": true,
	"listcollections": true, "listindexes": true, "getmore": true,
}

var mongoWriteCmds = map[string]bool{
	"insert": true, "update": true, "findandmodify": true,
}

// classifyMongo reads only the head of the command document: the first
// key names the command, its value usually names the collection.
func classifyMongo(query string) Statement {
	dec := json.NewDecoder(strings.NewReader(query))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return Statement{Action: domain.ActionAdmin}
	}
	keyTok, err := dec.Token()
	if err != nil {
		return Statement{Action: domain.ActionAdmin}
	}
	key, ok := keyTok.(string)
	if !ok {
		return Statement{Action: domain.ActionAdmin}
	}
	st := Statement{Action: domain.ActionAdmin}
	switch cmd := strings.ToLower(key); {
	case mongoReadCmds[cmd]:
		st.Action = domain.ActionRead
	case mongoWriteCmds[cmd]:
		st.Action = domain.ActionWrite
	case cmd == "delete":
		st.Action = domain.ActionDelete
	}
	if valTok, err := dec.Token(); err == nil {
		if s, ok := valTok.(string); ok && s != "?" {
			st.Target = s
		}
	}
	return st
}

var sqlLiteralRe = regexp.MustCompile(`'(?:[^']|'')*'`)

// Redact replaces string literal contents so audit records never
// carry raw data values.
func Redact(query string) string {
	return sqlLiteralRe.ReplaceAllString(query, "'?'")
}
