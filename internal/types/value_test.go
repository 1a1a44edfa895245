package types

import (
	"reflect"
	"testing"
)

func TestValue_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"null equals null", Null(), Null(), true},
		{"number numeric equality", Int(5), Number(5.0), true},
		{"number inequality", Number(5), Number(5.1), false},
		{"cross-kind never equal", Number(0), Bool(false), false},
		{"string exact", String("ok"), String("ok"), true},
		{"string case-sensitive", String("OK"), String("ok"), false},
		{"array element-wise", Array(Int(1), String("a")), Array(Int(1), String("a")), true},
		{"array order matters", Array(Int(1), Int(2)), Array(Int(2), Int(1)), false},
		{
			"object key set and members",
			Object(map[string]Value{"a": Int(1), "b": Null()}),
			Object(map[string]Value{"b": Null(), "a": Int(1)}),
			true,
		},
		{
			"object extra key",
			Object(map[string]Value{"a": Int(1)}),
			Object(map[string]Value{"a": Int(1), "b": Int(2)}),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal(%s, %s) = %v, want %v", tt.a.Display(), tt.b.Display(), got, tt.want)
			}
		})
	}
}

func TestValue_Accessors(t *testing.T) {
	obj := Object(map[string]Value{
		"amount": Number(950),
		"tags":   Array(String("new"), String("vip")),
	})

	if v, ok := obj.Field("amount"); !ok || !v.Equal(Number(950)) {
		t.Errorf("Field(amount) = %v, %v", v.Display(), ok)
	}
	if _, ok := obj.Field("missing"); ok {
		t.Errorf("Field(missing) ok = true, want false")
	}
	if _, ok := Number(1).Field("x"); ok {
		t.Errorf("Field on non-object ok = true, want false")
	}

	tags, _ := obj.Field("tags")
	if v, ok := tags.Index(1); !ok || !v.Equal(String("vip")) {
		t.Errorf("Index(1) = %v, %v", v.Display(), ok)
	}
	if _, ok := tags.Index(2); ok {
		t.Errorf("Index(2) ok = true, want false for out of range")
	}
	if _, ok := tags.Index(-1); ok {
		t.Errorf("Index(-1) ok = true, want false")
	}
}

func TestValue_Len(t *testing.T) {
	tests := []struct {
		name   string
		v      Value
		want   int
		wantOK bool
	}{
		{"array", Array(Int(1), Int(2)), 2, true},
		{"object", Object(map[string]Value{"a": Int(1)}), 1, true},
		{"string runes", String("héllo"), 5, true},
		{"number", Number(5), 0, false},
		{"null", Null(), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.v.Len()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Len() = %d, %v; want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestValue_KeysSorted(t *testing.T) {
	obj := Object(map[string]Value{"zeta": Int(1), "alpha": Int(2), "mid": Int(3)})
	want := []string{"alpha", "mid", "zeta"}
	for i := 0; i < 10; i++ {
		if got := obj.Keys(); !reflect.DeepEqual(got, want) {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}
}

func TestFromJSON(t *testing.T) {
	v, err := FromJSON([]byte(`{
		"amount": 950,
		"approved": false,
		"memo": null,
		"card": {"bin": "411111"},
		"tags": ["new", 3]
	}`))
	if err != nil {
		t.Fatalf("FromJSON() error = %v, want nil", err)
	}

	if amount, _ := v.Field("amount"); !amount.Equal(Number(950)) {
		t.Errorf("amount = %v, want 950", amount.Display())
	}
	if approved, _ := v.Field("approved"); !approved.Equal(Bool(false)) {
		t.Errorf("approved = %v, want false", approved.Display())
	}
	if memo, ok := v.Field("memo"); !ok || !memo.IsNull() {
		t.Errorf("memo = %v, %v; want explicit null member", memo.Display(), ok)
	}
	card, _ := v.Field("card")
	if bin, _ := card.Field("bin"); !bin.Equal(String("411111")) {
		t.Errorf("card.bin = %v", bin.Display())
	}
	tags, _ := v.Field("tags")
	if !tags.Equal(Array(String("new"), Number(3))) {
		t.Errorf("tags = %v", tags.Display())
	}

	if _, err := FromJSON([]byte(`{broken`)); err == nil {
		t.Errorf("FromJSON(broken) error = nil, want parse error")
	}
}

func TestFromAny_IntegerWidening(t *testing.T) {
	for _, raw := range []any{int(7), int32(7), int64(7), uint64(7), float32(7)} {
		v, err := FromAny(raw)
		if err != nil {
			t.Fatalf("FromAny(%T) error = %v, want nil", raw, err)
		}
		if !v.Equal(Number(7)) {
			t.Errorf("FromAny(%T) = %v, want 7", raw, v.Display())
		}
	}
}

func TestFromAny_YAMLMapShape(t *testing.T) {
	v, err := FromAny(map[any]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("FromAny() error = %v, want nil", err)
	}
	if a, _ := v.Field("a"); !a.Equal(Number(1)) {
		t.Errorf("a = %v, want 1", a.Display())
	}

	if _, err := FromAny(map[any]any{42: "bad key"}); err == nil {
		t.Errorf("FromAny(non-string key) error = nil, want error")
	}
	if _, err := FromAny(struct{}{}); err == nil {
		t.Errorf("FromAny(struct) error = nil, want error")
	}
}

func TestValue_Display(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Null(), "null"},
		{Bool(true), "true"},
		{Number(42), "42"},
		{Number(0.5), "0.5"},
		{String("hi"), "hi"},
		{Array(Int(1), String("a")), "[1, a]"},
		{Object(map[string]Value{"b": Int(2), "a": Int(1)}), "{a: 1, b: 2}"},
	}
	for _, tt := range tests {
		if got := tt.v.Display(); got != tt.want {
			t.Errorf("Display() = %q, want %q", got, tt.want)
		}
	}
}
