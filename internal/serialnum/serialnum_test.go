package serialnum

import "testing"

func TestRoundTrip(t *testing.T) {
	cases := []string{"112233445566", "aabbccddeeff", "000000000000", "ffffffffffff"}
	for _, c := range cases {
		v, err := Parse(c)
		if err != nil {
			t.Fatalf("Parse(%s): %v", c, err)
		}
		if got := String(v); got != c {
			t.Fatalf("round trip mismatch: %s -> %d -> %s", c, v, got)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, c := range []string{"", "112233", "zz2233445566", "1122334455667788"} {
		if _, err := Parse(c); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestShardRange(t *testing.T) {
	v, _ := Parse("112233445566")
	s := Shard(v)
	if s < 0 || s >= ShardCount {
		t.Fatalf("shard out of range: %d", s)
	}
}

func TestTrailingDigitsDiffer(t *testing.T) {
	if TrailingDigitsDiffer("112233445566", "112233445566", 2) {
		t.Fatalf("identical serials should not differ")
	}
	if !TrailingDigitsDiffer("112233445566", "112233445599", 2) {
		t.Fatalf("expected mismatch in trailing 2 digits")
	}
	if TrailingDigitsDiffer("112233445566", "112233445599", 0) {
		t.Fatalf("depth 0 should never flag a mismatch")
	}
}
