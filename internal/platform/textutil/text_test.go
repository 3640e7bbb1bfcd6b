package textutil

import (
	"reflect"
	"testing"
)

func TestPlainText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		limit int
		want  string
	}{
		{name: "strips markup", input: "<b>no onions</b><script>alert(1)</script>", want: "no onions"},
		{name: "collapses whitespace", input: "  extra \n\t hot  ", want: "extra hot"},
		{name: "keeps entities readable", input: "salt &amp; pepper", want: "salt & pepper"},
		{name: "truncates runes", input: "äöüäöü", limit: 3, want: "äöü"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PlainText(tc.input, tc.limit); got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}

func TestNormalizeMetadata(t *testing.T) {
	input := map[string]string{
		" table ": " 12 ",
		"note":    "<i>window</i>",
		" ":       "ignored",
	}
	expected := map[string]string{
		"table": "12",
		"note":  "window",
	}
	if got := NormalizeMetadata(input); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %#v got %#v", expected, got)
	}
	if got := NormalizeMetadata(map[string]string{"": "x"}); got != nil {
		t.Fatalf("expected nil for empty result, got %#v", got)
	}
}
