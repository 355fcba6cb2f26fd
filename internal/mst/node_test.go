package mst

import "testing"

func TestLeafEncodeDecodeRoundTrip(t *testing.T) {
	n := Leaf(3, []byte("key"), []byte("value"))
	data, err := n.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Layer != 3 || !decoded.IsLeaf || string(decoded.Key) != "key" || string(decoded.Value) != "value" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestInnerLayerIsMaxOfChildren(t *testing.T) {
	a := Leaf(1, []byte("a"), []byte("1"))
	b := Leaf(4, []byte("b"), []byte("2"))
	in := Inner([][]byte{[]byte("b")}, []*Node{a, b})
	if in.Layer != 4 {
		t.Fatalf("expected inner layer 4, got %d", in.Layer)
	}
}

func TestContentHashIsDeterministicAndContentAddressed(t *testing.T) {
	a := Leaf(0, []byte("k"), []byte("v"))
	b := Leaf(0, []byte("k"), []byte("v"))
	c := Leaf(0, []byte("k"), []byte("different"))

	if !a.ContentHash().Equal(b.ContentHash()) {
		t.Fatalf("expected identical content to hash identically")
	}
	if a.ContentHash().Equal(c.ContentHash()) {
		t.Fatalf("expected different content to hash differently")
	}
}

func TestKeyLayerCountsLeadingHexZeros(t *testing.T) {
	// sha256("") = e3b0c44298fc1c14... (no leading zero nibbles)
	if l := KeyLayer([]byte("")); l != 0 {
		t.Fatalf("expected layer 0 for sha256(\"\"), got %d", l)
	}
}

func TestKeyLayerIsDeterministic(t *testing.T) {
	k := []byte("some-key")
	if KeyLayer(k) != KeyLayer(k) {
		t.Fatalf("expected deterministic layer for same key")
	}
}
