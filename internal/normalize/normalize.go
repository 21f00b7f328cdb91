// Package normalize holds the per-provider adapters that turn upstream
// JSON into the canonical shapes. A parser's only job is
// upstream_json -> canonical; anything that fails validation is a parse
// error for the dispatcher, never a sentinel value.
package normalize

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Op names a logical operation within a category.
type Op string

const (
	OpListings   Op = "listings"
	OpQuotes     Op = "quotes"
	OpHistorical Op = "historical"
	OpFearGreed  Op = "fear_greed"
	OpArticles   Op = "articles"
	OpWhaleTxs   Op = "transactions"
	OpGasOracle  Op = "gas"
)

// Request is the provider-independent description of a logical request.
type Request struct {
	Op     Op
	Params map[string]string
}

// Fingerprint produces the stable cache key component for the request:
// operation plus sorted params. Keys and values are escaped so a value
// containing "&" or "=" cannot collide with another request's key.
func (r Request) Fingerprint() string {
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := string(r.Op)
	for _, k := range keys {
		s += "&" + url.QueryEscape(k) + "=" + url.QueryEscape(r.Params[k])
	}
	return s
}

// Parser adapts one provider's API to the canonical shapes.
type Parser interface {
	// Path maps a logical request to the provider's path and query.
	Path(req Request) (string, url.Values, error)
	// Parse converts the upstream body into the canonical payload for
	// the request's operation.
	Parse(req Request, body []byte) (interface{}, error)
}

var parsers = map[string]Parser{}

func register(id string, p Parser) {
	parsers[id] = p
}

// Lookup returns the parser registered under the given id.
func Lookup(id string) (Parser, bool) {
	p, ok := parsers[id]
	return p, ok
}

// Known reports whether a parser id is registered; the provider registry
// fails startup on unknown ids.
func Known(id string) bool {
	_, ok := parsers[id]
	return ok
}

// ParserIDs returns all registered parser ids, sorted.
func ParserIDs() []string {
	ids := make([]string, 0, len(parsers))
	for id := range parsers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func errUnsupported(parser string, op Op) error {
	return fmt.Errorf("parser %s does not support operation %s", parser, op)
}

// number tolerates upstream fields arriving as JSON numbers or numeric
// strings, which several providers mix freely.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		var err error
		s, err = strconv.Unquote(s)
		if err != nil {
			return err
		}
	}
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = number(f)
	return nil
}
