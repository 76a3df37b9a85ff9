package backend

import (
	"testing"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoints_Resolve(t *testing.T) {
	e := NewEndpoints(config.EndpointsConfig{
		BaseURL: "http://api.local:8010/",
		Number:  "/api/v1/GetByNumber",
		Serial:  "https://other.local/serial",
	})

	got, err := e.Resolve(EndpointOrderByNumber)
	require.NoError(t, err)
	assert.Equal(t, "http://api.local:8010/api/v1/GetByNumber", got)

	got, err = e.Resolve(EndpointOrderBySerial)
	require.NoError(t, err)
	assert.Equal(t, "https://other.local/serial", got)

	_, err = e.Resolve(EndpointRating)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.False(t, e.Configured(EndpointRating))
}

func TestEndpoints_Validate(t *testing.T) {
	valid := config.EndpointsConfig{
		BaseURL:    "http://api.local",
		Number:     "/n",
		Serial:     "/s",
		NationalID: "/c",
	}
	assert.NoError(t, NewEndpoints(valid).Validate())

	missing := valid
	missing.Serial = ""
	assert.ErrorIs(t, NewEndpoints(missing).Validate(), ErrConfiguration)

	noBase := valid
	noBase.BaseURL = ""
	noBase.Complaint = "/complaints"
	err := NewEndpoints(noBase).Validate()
	assert.ErrorIs(t, err, ErrConfiguration)
}
