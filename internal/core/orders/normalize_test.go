package orders

import (
	"testing"

	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderPayload = `{
  "data": {
    "number": 72113,
    "contactId_name": "  Ali   Rezaei ",
    "contactId_nationalCode": "001-234567-9",
    "contactId_phone": "09121234567",
    "$$_contactId_cityId": "Isfahan",
    "status": "3",
    "steps": 3,
    "$$_steps": "در حال تعمیر",
    "warehouseRecieptId_createdOn": "2024-3-7T10:11:12",
    "preReceptionId_createdOn": "1403/1/5 09:00",
    "preReceptionId_number": 99001,
    "factorId_totalPriceWithTax": 1250000,
    "factorId_paymentLink": "https://pay.example/abc",
    "items": [
      {"$$_deviceId": "Galaxy A52", "serialNumber": "SN-1", "passDescription": "screen replaced"},
      {"$$_deviceId": "Charger", "serialNumber": "SN-2"}
    ]
  }
}`

func TestNormalizeOrder(t *testing.T) {
	order, found, err := normalizeOrder([]byte(orderPayload))
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, "72113", order.Number)
	assert.Equal(t, "Ali Rezaei", order.CustomerName)
	assert.Equal(t, "0012345679", order.NationalID)
	assert.Equal(t, "Isfahan", order.City)
	assert.Equal(t, "Galaxy A52", order.DeviceModel)
	assert.Equal(t, "SN-1", order.SerialNumber)
	assert.Equal(t, 3, order.Status)
	assert.Equal(t, StepRepair, order.Step)
	assert.Equal(t, "در حال تعمیر", order.StepName())
	assert.Equal(t, "2024/03/07", order.RegistrationDate)
	assert.Equal(t, "1403/01/05", order.PreReceptionDate)
	assert.Equal(t, "99001", order.TrackingCode)
	assert.Equal(t, "screen replaced", order.RepairDescription)
	assert.Equal(t, int64(1250000), order.TotalCost)
	assert.Equal(t, "https://pay.example/abc", order.PaymentLink)
	require.Len(t, order.Devices, 2)
	assert.Equal(t, "Charger", order.Devices[1].Model)
}

func TestNormalizeOrder_FlatAndListEnvelopes(t *testing.T) {
	flat := `{"number":"A-1","$$_contactId":"Sara","$$_deviceId":"Router","serialNumber":"R1","steps":50}`
	order, found, err := normalizeOrder([]byte(flat))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Sara", order.CustomerName)
	assert.Equal(t, "Router", order.DeviceModel)
	assert.Equal(t, StepCompleted, order.Step)

	list := `{"data":[{"number":"7","devices":[{"model":"TV"}]}]}`
	order, found, err = normalizeOrder([]byte(list))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "7", order.Number)
	assert.Equal(t, "TV", order.DeviceModel)
	assert.Equal(t, StepEntry, order.Step)
}

func TestNormalizeOrder_NotFound(t *testing.T) {
	for _, payload := range []string{
		`null`,
		`{}`,
		`{"data":null}`,
		`{"data":{"status":1}}`,
		`{"success":false,"number":"1"}`,
		`[]`,
	} {
		_, found, err := normalizeOrder([]byte(payload))
		assert.NoError(t, err, payload)
		assert.False(t, found, payload)
	}

	_, _, err := normalizeOrder([]byte(`{`))
	assert.ErrorIs(t, err, backend.ErrServer)
}

func TestNormalizeCustomer(t *testing.T) {
	payload := `{"user":{"$$_contactId":"Sara","contactId_nationalId":"0012345679","contactId_phone":"0912 123 4567",
		"items":[{"number":"1","$$_deviceId":"TV"},{"status":2}]}}`

	customer, found, err := normalizeCustomer([]byte(payload))
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, "Sara", customer.Name)
	assert.Equal(t, "0012345679", customer.NationalID)
	assert.Equal(t, "0912 123 4567", customer.Phone)
	require.Len(t, customer.Orders, 1)
	assert.Equal(t, "TV", customer.Orders[0].DeviceModel)

	_, found, err = normalizeCustomer([]byte(`{"authenticated":false}`))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNormalizeOrderList(t *testing.T) {
	orders, err := normalizeOrderList([]byte(`{"orders":[{"number":"1","$$_deviceId":"TV"},{"data":{"number":"2","$$_deviceId":"Radio"}},{"x":1}]}`))
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "Radio", orders[1].DeviceModel)

	orders, err = normalizeOrderList([]byte(`[{"number":"3"}]`))
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestFormatDate(t *testing.T) {
	assert.Equal(t, "2024/01/02", formatDate("2024-1-2 08:00:00"))
	assert.Equal(t, "1402/11/30", formatDate("1402/11/30"))
	assert.Equal(t, "tomorrow", formatDate("tomorrow"))
	assert.Empty(t, formatDate(""))
}
