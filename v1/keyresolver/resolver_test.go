package keyresolver

import (
	"errors"
	"testing"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

type customer struct {
	ID      int
	Region  string
	private string
}

type order struct {
	ID       int64
	Customer *customer
	Tags     map[string]string
	Lines    []string
}

type Shipment struct {
	ID string
}

type delivery struct {
	*Shipment
}

type sku string

func (s sku) String() string { return "sku-" + string(s) }

func TestResolveStaticTemplate(t *testing.T) {
	r := New()
	defer r.Close()
	got, err := r.Resolve("inventory", Invocation{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != DefaultPrefix+"inventory" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveNamedAndPositional(t *testing.T) {
	r := New(WithPrefix("app:"))
	defer r.Close()
	inv := Bind([]string{"id", "user"}, 42, "bob", "extra")

	cases := map[string]string{
		"order:{id}":          "app:order:42",
		"order:{0}":           "app:order:42",
		"{user}/{1}/{2}":      "app:bob/bob/extra",
		"literal {{braces}}":  "app:literal {braces}",
		"order:{ id }:by:{1}": "app:order:42:by:bob",
	}
	for tpl, want := range cases {
		got, err := r.Resolve(tpl, inv)
		if err != nil {
			t.Fatalf("resolve %q: %v", tpl, err)
		}
		if got != want {
			t.Fatalf("resolve %q = %q, want %q", tpl, got, want)
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := New()
	defer r.Close()
	first, err := r.Resolve("order:{id}", Bind([]string{"id"}, 42))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := r.Resolve("order:{id}", Bind([]string{"id"}, 42))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got != first {
			t.Fatalf("iteration %d: %q != %q", i, got, first)
		}
	}
	if first != DefaultPrefix+"order:42" {
		t.Fatalf("unexpected key %q", first)
	}
}

func TestResolveFieldPaths(t *testing.T) {
	r := New()
	defer r.Close()
	o := &order{
		ID:       7,
		Customer: &customer{ID: 3, Region: "eu"},
		Tags:     map[string]string{"channel": "web"},
		Lines:    []string{"a", "b"},
	}
	inv := Bind([]string{"o", "s"}, o, sku("x1"))

	cases := map[string]string{
		"{o.ID}":              "7",
		"{o.Customer.Region}": "eu",
		"{o.customer.id}":     "3",
		"{o.Tags.channel}":    "web",
		"{o.Lines.1}":         "b",
		"{s}":                 "sku-x1",
	}
	for tpl, want := range cases {
		got, err := r.Resolve(tpl, inv)
		if err != nil {
			t.Fatalf("resolve %q: %v", tpl, err)
		}
		if got != DefaultPrefix+want {
			t.Fatalf("resolve %q = %q, want %q", tpl, got, DefaultPrefix+want)
		}
	}
}

func TestResolveRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("config", struct{ Tenant string }{Tenant: "acme"})
	r := New(WithRegistry(reg))
	defer r.Close()

	got, err := r.Resolve("{@config.Tenant}:order:{id}", Bind([]string{"id"}, 1))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != DefaultPrefix+"acme:order:1" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveWithParams(t *testing.T) {
	r := New()
	defer r.Close()
	inv := Bind([]string{"id", "sku"}, 42, "x")

	got, err := r.ResolveWithParams("order", "{id}:{sku}", inv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != DefaultPrefix+"order:42:x" {
		t.Fatalf("got %q", got)
	}
	got, err = r.ResolveWithParams("", "{id}", inv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != DefaultPrefix+"42" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveFailures(t *testing.T) {
	reg := NewRegistry()
	r := New(WithRegistry(reg))
	defer r.Close()
	inv := Bind([]string{"o", "nilptr", "d"}, order{ID: 1}, (*customer)(nil), delivery{})

	cases := []string{
		"order:{missing}",
		"order:{5}",
		"order:{o.Nope}",
		"order:{o.Customer.Region}",
		"order:{o.Tags.channel}",
		"order:{nilptr}",
		"order:{@unknown}",
		"order:{",
		"order:}",
		"order:{}",
		"order:{o..ID}",
		"{o.Customer.private}",
		"order:{d.ID}",
	}
	for _, tpl := range cases {
		got, err := r.Resolve(tpl, inv)
		if err == nil {
			t.Fatalf("resolve %q: expected error, got %q", tpl, got)
		}
		if !errors.Is(err, wardenerrors.ErrKeyResolution) {
			t.Fatalf("resolve %q: expected ErrKeyResolution, got %v", tpl, err)
		}
		var kre *wardenerrors.KeyResolutionError
		if !errors.As(err, &kre) || kre.Template != tpl {
			t.Fatalf("resolve %q: expected KeyResolutionError for template, got %v", tpl, err)
		}
	}
	if _, err := r.Resolve("", inv); !errors.Is(err, wardenerrors.ErrKeyResolution) {
		t.Fatalf("expected empty key to fail, got %v", err)
	}
}

func TestResolveWithoutCache(t *testing.T) {
	r := New(WithCacheSize(0))
	defer r.Close()
	got, err := r.Resolve("order:{0}", Bind(nil, 9))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != DefaultPrefix+"order:9" {
		t.Fatalf("got %q", got)
	}
}
