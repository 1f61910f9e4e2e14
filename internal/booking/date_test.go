package booking

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    Date
		wantErr bool
	}{
		{in: "2024-01-05", want: Date{Year: 2024, Month: time.January, Day: 5}},
		{in: "2024-02-29", want: Date{Year: 2024, Month: time.February, Day: 29}},
		{in: "2024-02-30", wantErr: true},
		{in: "2023-02-29", wantErr: true},
		{in: "2024-1-5", wantErr: true},
		{in: "05-01-2024", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestDateOrderingAndArithmetic(t *testing.T) {
	d := MustParseDate("2024-12-31")

	assert.Equal(t, MustParseDate("2025-01-01"), d.AddDays(1))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.False(t, d.Before(d))
	assert.True(t, Date{}.IsZero())
	assert.Equal(t, "", Date{}.String())
}

func TestDateJSON(t *testing.T) {
	type body struct {
		Date Date `json:"date"`
	}

	out, err := json.Marshal(body{Date: MustParseDate("2024-01-05")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-01-05"}`, string(out))

	var in body
	require.NoError(t, json.Unmarshal([]byte(`{"date":"2024-03-01"}`), &in))
	assert.Equal(t, MustParseDate("2024-03-01"), in.Date)

	require.Error(t, json.Unmarshal([]byte(`{"date":"2024-02-30"}`), &in))
	require.Error(t, json.Unmarshal([]byte(`{"date":20240301}`), &in))
}
