package atr

import "testing"

func TestDecodeProtocolsAndHistoricalBytes(t *testing.T) {
	// TS=3B, T0=84: 4 historical bytes, TD1 present. TD1=80 (T=0, TD2
	// follows), TD2=01 (T=1), then historical bytes 02 03 04 00.
	raw := []byte{0x3B, 0x84, 0x80, 0x01, 0x02, 0x03, 0x04, 0x00}
	info, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.Convention() != "direct" {
		t.Fatalf("Convention = %s", info.Convention())
	}
	if got, want := info.TD[1], byte(0x80); got != want {
		t.Fatalf("TD[1] = %02X, want %02X", got, want)
	}
	if len(info.HB) != 4 {
		t.Fatalf("historical bytes len = %d, want 4: % X", len(info.HB), info.HB)
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte{0x3B}); err == nil {
		t.Fatal("expected error for truncated ATR")
	}
}

func TestSupportsExtendedLength(t *testing.T) {
	tests := []struct {
		name string
		hb   []byte
		want bool
	}{
		{"no capability block", []byte{0x00, 0x00}, false},
		{"capability block, extended length bit set", []byte{0x73, 0x73, 0x00, 0x00, 0x40}, true},
		{"capability block, extended length bit clear", []byte{0x73, 0x73, 0x00, 0x00, 0x00}, false},
		{"empty", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := &Info{HB: tc.hb}
			if got := info.SupportsExtendedLength(); got != tc.want {
				t.Fatalf("SupportsExtendedLength() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLooksLikeYubico(t *testing.T) {
	hb := []byte{0x00, 0xA0, 0x00, 0x00, 0x05, 0x27, 0x20, 0x01}
	info := &Info{HB: hb}
	if !info.LooksLikeYubico() {
		t.Fatal("expected Yubico RID to be detected")
	}
	info2 := &Info{HB: []byte{0x00, 0x01, 0x02}}
	if info2.LooksLikeYubico() {
		t.Fatal("did not expect Yubico RID match")
	}
}
