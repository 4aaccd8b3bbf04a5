package power

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		token   string
		want    State
		wantErr bool
	}{
		{token: "on", want: On},
		{token: "off", want: Off},
		{token: "ON", wantErr: true},
		{token: "", wantErr: true},
		{token: "toggle", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := ParseToken(tt.token)
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrUnknownToken))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.token, got.Token())
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	got, err := DecodeResponse([]byte(`{"state": true}`))
	require.NoError(t, err)
	require.Equal(t, On, got)

	got, err = DecodeResponse([]byte(`{"state":false}`))
	require.NoError(t, err)
	require.Equal(t, Off, got)

	_, err = DecodeResponse([]byte(`{}`))
	require.ErrorIs(t, err, ErrMissingState)

	_, err = DecodeResponse([]byte(`{"state":"on"}`))
	require.Error(t, err)

	_, err = DecodeResponse([]byte(`<html>`))
	require.Error(t, err)
}

func TestNewResponseEncoding(t *testing.T) {
	data, err := json.Marshal(NewResponse(On))
	require.NoError(t, err)
	require.JSONEq(t, `{"state":true}`, string(data))
}

func TestBadgeFor(t *testing.T) {
	require.Equal(t, Badge{Text: "MAINS ON", Class: "danger"}, BadgeFor(On))
	require.Equal(t, Badge{Text: "OFF", Class: "secondary"}, BadgeFor(Off))
}
