package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"mra/internal/bucket"
	"mra/internal/rollup"
)

// document is the persisted form of one aggregate record.
type document struct {
	Version Version       `json:"version"`
	Record  rollup.Record `json:"record"`
}

func encodeDoc(ver Version, rec rollup.Record) ([]byte, error) {
	return json.Marshal(document{Version: ver, Record: rec})
}

func decodeDoc(val []byte) (document, error) {
	var d document
	if err := json.Unmarshal(val, &d); err != nil {
		return document{}, err
	}
	return d, nil
}

// orderDoc is the persisted form of one applied-index entry.
type orderDoc struct {
	Version      Version             `json:"version"`
	Contribution rollup.Contribution `json:"contribution"`
}

func encodeOrder(ver Version, c rollup.Contribution) ([]byte, error) {
	return json.Marshal(orderDoc{Version: ver, Contribution: c})
}

func decodeOrder(val []byte) (orderDoc, error) {
	var d orderDoc
	if err := json.Unmarshal(val, &d); err != nil {
		return orderDoc{}, err
	}
	return d, nil
}

// Key layout of the ordered key-value backends. Records live under "r/" and
// applied-index entries under "a/<record key>/<order id>", so a record range
// never visits index entries.
const (
	recordPrefix  = "r/"
	appliedPrefix = "a/"
)

func recordKey(k string) []byte { return []byte(recordPrefix + k) }

func appliedKey(k, orderID string) []byte {
	return []byte(appliedPrefix + k + "/" + orderID)
}

// parseAppliedKey splits an applied-index key. Record keys have exactly three
// segments, so everything after the third separator is the order id.
func parseAppliedKey(raw string) (bucket.Key, string, error) {
	rest, ok := strings.CutPrefix(raw, appliedPrefix)
	if !ok {
		return bucket.Key{}, "", fmt.Errorf("malformed applied key %q", raw)
	}
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) != 4 || parts[3] == "" {
		return bucket.Key{}, "", fmt.Errorf("malformed applied key %q", raw)
	}
	key, err := bucket.ParseKey(strings.Join(parts[:3], "/"))
	if err != nil {
		return bucket.Key{}, "", err
	}
	return key, parts[3], nil
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}
