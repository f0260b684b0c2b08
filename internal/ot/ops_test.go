package ot

import "testing"

func TestApplyBasic(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ops     []Op
		want    string
	}{
		{
			name:    "insert into empty",
			content: "",
			ops:     []Op{{Type: OpInsert, Value: "hello"}},
			want:    "hello",
		},
		{
			name:    "insert in middle",
			content: "helo",
			ops:     []Op{{Type: OpRetain, Length: 3}, {Type: OpInsert, Value: "l"}},
			want:    "hello",
		},
		{
			name:    "delete span",
			content: "hello world",
			ops:     []Op{{Type: OpRetain, Length: 5}, {Type: OpDelete, Length: 6}},
			want:    "hello",
		},
		{
			name:    "implicit trailing retain",
			content: "hello world",
			ops:     []Op{{Type: OpInsert, Value: ">> "}},
			want:    ">> hello world",
		},
		{
			name:    "replace span",
			content: "hello world",
			ops:     []Op{{Type: OpRetain, Length: 6}, {Type: OpDelete, Length: 5}, {Type: OpInsert, Value: "there"}},
			want:    "hello there",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.content, tt.ops)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestApplyOutOfBounds(t *testing.T) {
	if _, err := Apply("hi", []Op{{Type: OpRetain, Length: 5}}); err == nil {
		t.Error("Retain past end should fail")
	}
	if _, err := Apply("hi", []Op{{Type: OpDelete, Length: 5}}); err == nil {
		t.Error("Delete past end should fail")
	}
	if _, err := Apply("hi", []Op{{Type: OpRetain, Length: 1}, {Type: OpDelete, Length: 2}}); err == nil {
		t.Error("Delete reaching past end should fail")
	}
}

func TestApplyRejectsMalformedOps(t *testing.T) {
	if _, err := Apply("hi", []Op{{Type: "replace", Length: 1}}); err == nil {
		t.Error("Unknown op type should fail")
	}
	if _, err := Apply("hi", []Op{{Type: OpRetain, Length: -1}}); err == nil {
		t.Error("Negative length should fail")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]Op{{Type: OpRetain, Length: 2}, {Type: OpInsert, Value: "x"}}); err != nil {
		t.Errorf("Valid ops rejected: %v", err)
	}
	if err := Validate([]Op{{Type: "bogus"}}); err == nil {
		t.Error("Unknown op type should be rejected")
	}
}

func TestNormalize(t *testing.T) {
	ops := []Op{
		{Type: OpRetain, Length: 2},
		{Type: OpRetain, Length: 3},
		{Type: OpInsert, Value: ""},
		{Type: OpInsert, Value: "a"},
		{Type: OpInsert, Value: "b"},
		{Type: OpDelete, Length: 0},
		{Type: OpDelete, Length: 1},
	}
	got := Normalize(ops)
	want := []Op{
		{Type: OpRetain, Length: 5},
		{Type: OpInsert, Value: "ab"},
		{Type: OpDelete, Length: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d ops, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Op %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestDiffRoundTrip(t *testing.T) {
	pairs := []struct{ old, new string }{
		{"", ""},
		{"", "hello"},
		{"hello", ""},
		{"hello", "hello"},
		{"hello", "hello world"},
		{"hello world", "hello"},
		{"hello world", "hello there world"},
		{"the quick brown fox", "the slow brown fox"},
		{"abc", "xyz"},
		{"aaa", "aba"},
		{"line one\nline two\n", "line one\nline 2\nline three\n"},
	}

	for _, p := range pairs {
		ops := Diff(p.old, p.new)
		got, err := Apply(p.old, ops)
		if err != nil {
			t.Errorf("Diff(%q, %q) produced inapplicable ops: %v", p.old, p.new, err)
			continue
		}
		if got != p.new {
			t.Errorf("Diff(%q, %q) round trip gave %q", p.old, p.new, got)
		}
	}
}

func TestDiffIdenticalIsNoop(t *testing.T) {
	ops := Diff("same", "same")
	for _, op := range ops {
		if op.Type != OpRetain {
			t.Errorf("Diff of identical text should only retain, got %+v", op)
		}
	}
}
