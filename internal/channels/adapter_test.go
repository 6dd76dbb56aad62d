package channels

import (
	"context"
	"reflect"
	"testing"
)

type fakeAdapter struct {
	name      string
	delivered [][]byte
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Deliver(_ context.Context, _ string, payload []byte) (DeliveryResult, error) {
	f.delivered = append(f.delivered, payload)
	return DeliveryResult{MessageID: "m1", Parts: 1}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	slack := &fakeAdapter{name: "slack"}
	if err := r.Register(slack); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&fakeAdapter{name: "telegram"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := r.Get("slack")
	if !ok || got != Adapter(slack) {
		t.Fatal("Get did not return the registered adapter")
	}
	if _, ok := r.Get("discord"); ok {
		t.Fatal("Get returned an adapter for an unknown name")
	}
	if names := r.Names(); !reflect.DeepEqual(names, []string{"slack", "telegram"}) {
		t.Fatalf("Names = %v", names)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeAdapter{name: "slack"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&fakeAdapter{name: "slack"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
