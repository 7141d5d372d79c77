package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Serhiy91/quasar/internal/query"
)

// DecodeRecords parses raw bytes into records. Three shapes are
// accepted: a JSON array of objects, a single JSON object, and
// newline-delimited JSON objects. Empty input decodes to zero records.
func DecodeRecords(data []byte) ([]query.Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var arr []any
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("decoding record array: %w", err)
		}
		out := make([]query.Record, 0, len(arr))
		for i, v := range arr {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("decoding record array: element %d is not an object", i)
			}
			out = append(out, query.Record(obj))
		}
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var out []query.Record
	for i := 0; ; i++ {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("decoding record %d: %w", i, err)
		}
		out = append(out, query.Record(obj))
	}
}

// DecodeLoose is DecodeRecords with a fallback: content that is not
// record-shaped JSON becomes a single record holding the raw text
// under "value". Used when reading stores that hold arbitrary files,
// such as source repositories.
func DecodeLoose(data []byte) []query.Record {
	recs, err := DecodeRecords(data)
	if err != nil {
		return []query.Record{{"value": string(data)}}
	}
	return recs
}

// EncodeStorable renders records as newline-delimited JSON, reporting
// the ones that do not marshal in res instead of failing the batch.
func EncodeStorable(recs []query.Record, res *WriteResult) []byte {
	var buf bytes.Buffer
	for i, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			res.Fail(i, err)
			continue
		}
		buf.Write(b)
		buf.WriteByte('\n')
		res.Stored++
	}
	return buf.Bytes()
}

// EncodeRecords renders records as newline-delimited JSON.
func EncodeRecords(recs []query.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encoding record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// EncodeRecord renders a single record as one JSON line.
func EncodeRecord(rec query.Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
