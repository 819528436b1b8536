package dep

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ccmrt/internal/ir"
)

func TestParseVariants(t *testing.T) {
	tests := []struct {
		name  string
		input ir.IRArray
		want  Descriptor
	}{
		{
			name:  "load",
			input: ir.A("ccm.load", "a.css", ir.A("b.json", ir.O("q", 1))),
			want:  &LoadResource{Resources: ir.A("a.css", ir.A("b.json", ir.O("q", 1)))},
		},
		{
			name:  "component with defaults",
			input: ir.A("ccm.component", "chat-1.0.0", ir.O("color", "red")),
			want:  &RegisterComponent{Ref: ir.IRString("chat-1.0.0"), Defaults: ir.O("color", "red")},
		},
		{
			name:  "instance without config",
			input: ir.A("ccm.instance", "chat"),
			want:  &CreateInstance{Ref: ir.IRString("chat")},
		},
		{
			name:  "start renders",
			input: ir.A("ccm.start", "chat", ir.O("x", 1)),
			want:  &CreateInstance{Ref: ir.IRString("chat"), Config: ir.O("x", 1), Render: true},
		},
		{
			name:  "instance with record config",
			input: ir.A("ccm.instance", "chat", ir.A("ccm.dataset", ir.O("store", "cfg"), "demo")),
			want: &CreateInstance{
				Ref:    ir.IRString("chat"),
				Config: &FetchRecord{Settings: ir.O("store", "cfg"), Lookup: ir.IRString("demo")},
			},
		},
		{
			name:  "proxy",
			input: ir.A("ccm.proxy", "chat", ir.O("title", "later")),
			want:  &CreateLazyProxy{Ref: ir.IRString("chat"), Config: ir.O("title", "later")},
		},
		{
			name:  "store",
			input: ir.A("ccm.store", ir.O("store", "notes")),
			want:  &OpenStore{Settings: ir.O("store", "notes")},
		},
		{
			name:  "store without settings",
			input: ir.A("ccm.store"),
			want:  &OpenStore{Settings: ir.IRObject{}},
		},
		{
			name:  "dataset query",
			input: ir.A("ccm.dataset", ir.O("url", "http://x"), ir.O("year", 2020)),
			want:  &FetchRecord{Settings: ir.O("url", "http://x"), Lookup: ir.O("year", 2020)},
		},
		{
			name:  "get alias",
			input: ir.A("ccm.get", ir.O("store", "s"), "k"),
			want:  &FetchRecord{Settings: ir.O("store", "s"), Lookup: ir.IRString("k")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, Is(tt.input))
		})
	}
}

func TestParseNonDescriptors(t *testing.T) {
	for _, v := range []ir.IRValue{
		ir.IRString("ccm.instance"),
		ir.IRArray{},
		ir.A("plain", "list"),
		ir.A("ccm.unknown", "x"),
		ir.A(1, 2),
		ir.O("key", "k"),
	} {
		d, err := Parse(v)
		assert.NoError(t, err)
		assert.Nil(t, d)
		assert.False(t, Is(v))
	}
}

func TestParseInvalid(t *testing.T) {
	for _, v := range []ir.IRArray{
		ir.A("ccm.load"),
		ir.A("ccm.instance"),
		ir.A("ccm.component", ir.A("x")),
		ir.A("ccm.store", 5),
	} {
		_, err := Parse(v)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalid), "%v", err)
	}
}

func TestParseTypedPassThrough(t *testing.T) {
	d := &OpenStore{Settings: ir.O("store", "s")}
	got, err := Parse(d)
	require.NoError(t, err)
	assert.Same(t, d, got)
	assert.True(t, Is(d))
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, in := range []ir.IRArray{
		ir.A("ccm.load", "a.css"),
		ir.A("ccm.component", "chat", ir.O("c", 1)),
		ir.A("ccm.start", "chat"),
		ir.A("ccm.proxy", "chat", ir.O("t", "x")),
		ir.A("ccm.store", ir.O("store", "s")),
		ir.A("ccm.dataset", ir.O("store", "s"), "k"),
	} {
		d, err := Parse(in)
		require.NoError(t, err)
		assert.Equal(t, in, d.Encode())
	}
}

func TestDisplayName(t *testing.T) {
	d := &FetchRecord{Settings: ir.O("store", "s"), Lookup: ir.IRString("k")}
	assert.Equal(t, `["ccm.dataset",{"store":"s"},"k"]`, d.DisplayName())
}
