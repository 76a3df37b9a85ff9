package orders

import (
	"testing"

	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"github.com/stretchr/testify/assert"
)

func TestValidateNationalID(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{input: "0012345679", want: "0012345679", ok: true},
		{input: " 0012345679 ", want: "0012345679", ok: true},
		{input: "۰۰۱۲۳۴۵۶۷۹", want: "0012345679", ok: true},
		{input: "0012345678"},
		{input: "1234567890"},
		{input: "123"},
		{input: "00123456a9"},
		{input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ValidateNationalID(tt.input)
			if !tt.ok {
				assert.ErrorIs(t, err, backend.ErrValidation)
				assert.Equal(t, backend.KindValidation, backend.KindOf(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateOrderNumber(t *testing.T) {
	got, err := ValidateOrderNumber("72113")
	assert.NoError(t, err)
	assert.Equal(t, "72113", got)

	got, err = ValidateOrderNumber("ab-12")
	assert.NoError(t, err)
	assert.Equal(t, "AB-12", got)

	got, err = ValidateOrderNumber("٧٢١١٣")
	assert.NoError(t, err)
	assert.Equal(t, "72113", got)

	for _, bad := range []string{"", "12 34", "A_1", "سفارش"} {
		_, err := ValidateOrderNumber(bad)
		assert.ErrorIs(t, err, backend.ErrValidation, bad)
	}
}

func TestValidatePhone(t *testing.T) {
	for _, good := range []string{"09121234567", "9121234567", "+989121234567", "۰۹۱۲۱۲۳۴۵۶۷"} {
		_, err := ValidatePhone(good)
		assert.NoError(t, err, good)
	}
	for _, bad := range []string{"02112345678", "0912123456", "phone"} {
		_, err := ValidatePhone(bad)
		assert.ErrorIs(t, err, backend.ErrValidation, bad)
	}
}

func TestValidateSerial(t *testing.T) {
	got, err := ValidateSerial(" SN 123-45 ")
	assert.NoError(t, err)
	assert.Equal(t, "SN123-45", got)

	_, err = ValidateSerial("x")
	assert.ErrorIs(t, err, backend.ErrValidation)
}
