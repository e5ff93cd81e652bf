package hashtable

import "testing"

func TestSetGetInodeKey(t *testing.T) {
	ht := MkHash(8)
	k1 := InodeKey{Block: 3, Offset: 0}
	k2 := InodeKey{Block: 3, Offset: 128}

	ht.Set(k1, "handleA")
	ht.Set(k2, "handleB")

	v, ok := ht.Get(k1)
	if !ok || v.(string) != "handleA" {
		t.Fatalf("get k1 = %v, %v", v, ok)
	}
	v, ok = ht.Get(k2)
	if !ok || v.(string) != "handleB" {
		t.Fatalf("get k2 = %v, %v", v, ok)
	}

	if _, ok := ht.Get(InodeKey{Block: 9, Offset: 0}); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestDelInodeKey(t *testing.T) {
	ht := MkHash(4)
	k := InodeKey{Block: 1, Offset: 0}
	ht.Set(k, "handle")
	ht.Del(k)
	if _, ok := ht.Get(k); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestSizeAndElems(t *testing.T) {
	ht := MkHash(4)
	ht.Set(InodeKey{Block: 1}, "a")
	ht.Set(InodeKey{Block: 2}, "b")
	ht.Set("string-key", "c")

	if ht.Size() != 3 {
		t.Fatalf("size = %v, want 3", ht.Size())
	}
	if len(ht.Elems()) != 3 {
		t.Fatalf("elems len = %v, want 3", len(ht.Elems()))
	}
}
