package orchestrator

import (
	"bytes"
	"testing"
)

func TestLineSplitterPartialCarry(t *testing.T) {
	splitter := &LineSplitter{}

	lines := splitter.Feed([]byte("data: {\"a\":1}\ndata: {\"b\""))
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1 (second line incomplete)", len(lines))
	}
	if !bytes.Equal(lines[0], []byte(`data: {"a":1}`)) {
		t.Errorf("line = %q", lines[0])
	}

	lines = splitter.Feed([]byte(":2}\n"))
	if len(lines) != 1 || !bytes.Equal(lines[0], []byte(`data: {"b":2}`)) {
		t.Fatalf("carried line = %v", lines)
	}

	if got := splitter.Flush(); got != nil {
		t.Errorf("flush after complete lines = %q, want nil", got)
	}
}

func TestLineSplitterFlushTrailing(t *testing.T) {
	splitter := &LineSplitter{}
	splitter.Feed([]byte("data: tail"))
	if got := splitter.Flush(); !bytes.Equal(got, []byte("data: tail")) {
		t.Errorf("flush = %q", got)
	}
}

func TestLineSplitterStripsCR(t *testing.T) {
	splitter := &LineSplitter{}
	lines := splitter.Feed([]byte("data: x\r\n"))
	if len(lines) != 1 || !bytes.Equal(lines[0], []byte("data: x")) {
		t.Errorf("lines = %v", lines)
	}
}

func TestDataPayload(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{`data: {"a":1}`, `{"a":1}`},
		{`data:{"a":1}`, `{"a":1}`},
		{"data: [DONE]", ""},
		{"data: ", ""},
		{"event: ping", ""},
		{"", ""},
		{": comment", ""},
	}
	for _, tc := range cases {
		got := DataPayload([]byte(tc.line))
		if tc.want == "" {
			if got != nil {
				t.Errorf("DataPayload(%q) = %q, want nil", tc.line, got)
			}
			continue
		}
		if string(got) != tc.want {
			t.Errorf("DataPayload(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}
