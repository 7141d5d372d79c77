package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/Serhiy91/quasar/internal/query"
)

func TestDecodeRecordsShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{name: "empty", in: "", want: 0},
		{name: "whitespace", in: "  \n\t", want: 0},
		{name: "array", in: `[{"a":1},{"a":2}]`, want: 2},
		{name: "single object", in: `{"a":1}`, want: 1},
		{name: "ndjson", in: "{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n", want: 3},
		{name: "ndjson no trailing newline", in: "{\"a\":1}\n{\"a\":2}", want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := DecodeRecords([]byte(tt.in))
			if err != nil {
				t.Fatalf("DecodeRecords: %v", err)
			}
			if len(recs) != tt.want {
				t.Errorf("got %d records, want %d", len(recs), tt.want)
			}
		})
	}
}

func TestDecodeRecordsRejectsNonObjects(t *testing.T) {
	for _, in := range []string{`[1,2,3]`, `"just a string"`, `not json at all`, `[{"a":1}, 2]`} {
		if _, err := DecodeRecords([]byte(in)); err == nil {
			t.Errorf("DecodeRecords(%q) should fail", in)
		}
	}
}

func TestDecodeLooseFallback(t *testing.T) {
	recs := DecodeLoose([]byte("# readme\nplain text\n"))
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0]["value"] != "# readme\nplain text\n" {
		t.Errorf("value = %q", recs[0]["value"])
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := "{\"city\":\"BARRE\",\"pop\":9291}\n"
	recs, err := DecodeRecords([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	out, err := EncodeRecords(recs)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != in {
		t.Errorf("round trip: %q != %q", out, in)
	}
}

func TestEncodeStorableReportsBadRecords(t *testing.T) {
	var res WriteResult
	data := EncodeStorable([]query.Record{
		{"n": 1},
		{"ch": make(chan int)},
		{"n": 3},
	}, &res)
	if res.Stored != 2 {
		t.Errorf("Stored = %d, want 2", res.Stored)
	}
	if len(res.Failed) != 1 || res.Failed[0].Index != 1 {
		t.Errorf("Failed = %+v", res.Failed)
	}
	back, err := DecodeRecords(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 2 {
		t.Errorf("decoded %d records", len(back))
	}
}

func TestWriteResultErr(t *testing.T) {
	var res WriteResult
	res.Stored = 3
	if res.Err() != nil {
		t.Error("no failures should mean nil Err")
	}
	res.Fail(1, ErrUnknownKind)
	err := res.Err()
	if err == nil {
		t.Fatal("failures should produce an error")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Known("mem") {
		t.Error("fresh registry should know nothing")
	}
	r.Register("mem", func(ctx context.Context, params Params) (Capability, error) {
		return nil, nil
	})
	if !r.Known("mem") {
		t.Error("registered kind should be known")
	}
	if got := r.Kinds(); len(got) != 1 || got[0] != "mem" {
		t.Errorf("Kinds = %v", got)
	}
	if _, err := r.Open(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind error = %v", err)
	}
}

func TestParams(t *testing.T) {
	p := Params{"dir": "/tmp/x"}
	if got := p.Get("dir", "fallback"); got != "/tmp/x" {
		t.Errorf("Get = %q", got)
	}
	if got := p.Get("missing", "fallback"); got != "fallback" {
		t.Errorf("Get default = %q", got)
	}
	if _, err := p.Require("dir"); err != nil {
		t.Errorf("Require(dir): %v", err)
	}
	if _, err := p.Require("missing"); err == nil {
		t.Error("Require(missing) should fail")
	}
}
