package serializer

import "testing"

type widgetValue struct {
	Name  string
	Price float64
}

func TestJSONRoundTrip(t *testing.T) {
	s := Resolve[widgetValue](nil)
	if s.TypeTag() != "json" {
		t.Fatalf("TypeTag = %q, want json", s.TypeTag())
	}
	v := widgetValue{Name: "gadget", Price: 9.99}
	data, err := s.Serialize(v)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got != v {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, v)
	}
}

func TestCustomConverterTakesPrecedence(t *testing.T) {
	conv := &Converter[widgetValue]{
		Tag: "upper-name",
		SerializeFn: func(v widgetValue) ([]byte, error) {
			return []byte(v.Name), nil
		},
		DeserializeFn: func(b []byte) (widgetValue, error) {
			return widgetValue{Name: string(b)}, nil
		},
	}
	s := Resolve[widgetValue](conv)
	if s.TypeTag() != "upper-name" {
		t.Fatalf("TypeTag = %q, want upper-name", s.TypeTag())
	}
	data, _ := s.Serialize(widgetValue{Name: "x"})
	if string(data) != "x" {
		t.Fatalf("converter was not used: got %q", data)
	}
}
