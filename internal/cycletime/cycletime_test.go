package cycletime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want CycleTime
		ok   bool
	}{
		{name: "integers", in: "5(12)4", want: CycleTime{5, 12, 4}, ok: true},
		{name: "decimals", in: "5.5(13.0)5.0", want: CycleTime{5.5, 13, 5}, ok: true},
		{name: "surrounding whitespace", in: "  3 ( 7.5 ) 2  ", want: CycleTime{3, 7.5, 2}, ok: true},
		{name: "zeros", in: "0(0)0", want: CycleTime{}, ok: true},
		{name: "empty", in: "", ok: false},
		{name: "blank", in: "   ", ok: false},
		{name: "letters", in: "abc", ok: false},
		{name: "negative", in: "-1(2)3", ok: false},
		{name: "missing paren", in: "5(12 4", ok: false},
		{name: "trailing junk", in: "5(12)4x", ok: false},
		{name: "dangling dot", in: "5.(12)4", ok: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Parse(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, ct := range []CycleTime{
		{0, 0, 0},
		{5, 12, 4},
		{5.5, 13, 5},
		{0.1, 120.9, 33.3},
		{1000, 0.5, 7},
	} {
		got, ok := Parse(ct.String())
		require.True(t, ok, "parse %q", ct.String())
		assert.Equal(t, ct, got)
	}
	assert.Equal(t, "5.0(12.0)4.0", CycleTime{5, 12, 4}.String())
	assert.Equal(t, "", Format(nil))
	assert.Nil(t, Optional("bad"))
	assert.Equal(t, &CycleTime{1, 2, 3}, Optional("1(2)3"))
}

func TestValidate(t *testing.T) {
	ok, msg := Validate("")
	assert.True(t, ok)
	assert.Empty(t, msg)

	ok, _ = Validate("5(12)4")
	assert.True(t, ok)

	ok, msg = Validate("bad")
	assert.False(t, ok)
	assert.Equal(t, FormatHint, msg)
}

func TestAverage(t *testing.T) {
	got := Average(&CycleTime{4, 10, 4}, &CycleTime{6, 14, 6}, nil)
	require.NotNil(t, got)
	assert.Equal(t, CycleTime{5, 12, 5}, *got)

	got = Average(Optional("5(12)4"), Optional("6(14)6"))
	require.NotNil(t, got)
	assert.Equal(t, "5.5(13.0)5.0", got.String())

	assert.Nil(t, Average(nil, nil, nil))
	assert.Nil(t, Average())
}

func TestTotal(t *testing.T) {
	assert.InDelta(t, 21.0, CycleTime{5, 12, 4}.Total(), 1e-9)
}

func TestJSONUsesCanonicalText(t *testing.T) {
	b, err := json.Marshal(struct {
		R *CycleTime `json:"r"`
	}{&CycleTime{Pre: 5, Machine: 12, Post: 4}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"r": "5.0(12.0)4.0"}`, string(b))

	var ct CycleTime
	require.NoError(t, json.Unmarshal([]byte(`" 6 (14) 6 "`), &ct))
	assert.Equal(t, CycleTime{Pre: 6, Machine: 14, Post: 6}, ct)
	assert.Error(t, json.Unmarshal([]byte(`"6-14-6"`), &ct))
}
