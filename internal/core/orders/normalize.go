package orders

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PocketPalCo/support-bot/internal/core/backend"
)

// object is a loosely typed JSON object from the backend. Its accessors take
// alias lists because the same field shows up under different names
// depending on the endpoint.
type object map[string]any

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", backend.ErrServer, err)
	}
	return v, nil
}

func (o object) str(keys ...string) string {
	for _, k := range keys {
		switch v := o[k].(type) {
		case string:
			if s := sanitize(v); s != "" && !strings.EqualFold(s, "none") && s != "null" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (o object) int(keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := o[k].(type) {
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return i, true
			}
			if f, err := v.Float64(); err == nil {
				return int64(f), true
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(digits(v)), 10, 64); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

func (o object) list(keys ...string) []object {
	for _, k := range keys {
		items, ok := o[k].([]any)
		if !ok {
			continue
		}
		out := make([]object, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				out = append(out, object(m))
			}
		}
		return out
	}
	return nil
}

// unwrap strips the first envelope key present in v. A list envelope yields
// its first object.
func unwrap(v any, keys ...string) object {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range keys {
			if inner, ok := t[k]; ok && inner != nil {
				return unwrap(inner)
			}
		}
		return object(t)
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				return object(m)
			}
		}
	}
	return nil
}

func rejected(o object) bool {
	for _, k := range []string{"success", "authenticated", "found"} {
		if b, ok := o[k].(bool); ok && !b {
			return true
		}
	}
	return false
}

func normalizeOrder(raw []byte) (*Order, bool, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	data := unwrap(v, "data")
	if data == nil || rejected(data) {
		return nil, false, nil
	}
	order, ok := orderFromObject(data)
	return order, ok, nil
}

func orderFromObject(o object) (*Order, bool) {
	devices := o.list("items", "devices")
	first := object{}
	if len(devices) > 0 {
		first = devices[0]
	}

	order := &Order{
		Number:            o.str("number", "orderNumber", "order_number"),
		CustomerName:      o.str("contactId_name", "$$_contactId", "customer_name"),
		NationalID:        digits(o.str("contactId_nationalCode", "contactId_nationalId", "nationalId", "national_id")),
		Phone:             o.str("contactId_phone", "phone"),
		City:              o.str("$$_contactId_cityId", "contactId_cityId", "city"),
		DeviceModel:       firstNonEmpty(first.str("$$_deviceId", "model"), o.str("$$_deviceId", "device_model")),
		SerialNumber:      firstNonEmpty(first.str("serialNumber", "serial"), o.str("serialNumber", "serial_number")),
		StepLabel:         o.str("$$_steps"),
		RegistrationDate:  formatDate(o.str("warehouseRecieptId_createdOn", "createdOn")),
		PreReceptionDate:  formatDate(o.str("preReceptionId_createdOn")),
		TrackingCode:      o.str("preReceptionId_number", "tracking_code"),
		RepairDescription: firstNonEmpty(first.str("passDescription"), o.str("passDescription", "repair_description")),
		PaymentLink:       o.str("factorId_paymentLink", "payment_link"),
	}

	if status, ok := o.int("status"); ok {
		order.Status = int(status)
	}
	if step, ok := o.int("steps", "step"); ok {
		order.Step = WorkflowStep(step)
	} else {
		order.Step = WorkflowStep(order.Status)
	}
	if cost, ok := o.int("factorId_totalPriceWithTax", "total_cost"); ok {
		order.TotalCost = cost
	}

	for _, d := range devices {
		order.Devices = append(order.Devices, Device{
			Model:        d.str("$$_deviceId", "model"),
			SerialNumber: d.str("serialNumber", "serial"),
			Status:       d.str("$$_status", "status"),
			Description:  d.str("passDescription", "description"),
		})
	}

	if order.Number == "" && order.CustomerName == "" && order.DeviceModel == "" {
		return nil, false
	}
	return order, true
}

func normalizeCustomer(raw []byte) (*Customer, bool, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	data := unwrap(v, "data", "user")
	if data == nil || rejected(data) {
		return nil, false, nil
	}

	customer := &Customer{
		Name:        data.str("$$_contactId", "name", "contactId_name"),
		NationalID:  digits(data.str("contactId_nationalCode", "contactId_nationalId", "nationalId", "national_id")),
		Phone:       data.str("contactId_phone", "phone"),
		City:        data.str("$$_contactId_cityId", "contactId_cityId", "city"),
		PaymentLink: data.str("factorId_paymentLink"),
	}
	for _, item := range data.list("items", "orders") {
		if order, ok := orderFromObject(item); ok {
			customer.Orders = append(customer.Orders, *order)
		}
	}

	if customer.Name == "" && customer.NationalID == "" {
		return nil, false, nil
	}
	return customer, true, nil
}

func normalizeOrderList(raw []byte) ([]Order, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}

	var items []object
	switch t := v.(type) {
	case []any:
		items = object{"items": t}.list("items")
	case map[string]any:
		items = object(t).list("data", "orders", "items")
	}

	orders := make([]Order, 0, len(items))
	for _, item := range items {
		if order, ok := orderFromObject(unwrap(map[string]any(item), "data")); ok {
			orders = append(orders, *order)
		}
	}
	return orders, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sanitize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// formatDate drops the time part and zero pads numeric dates to yyyy/mm/dd.
func formatDate(s string) string {
	if s == "" {
		return ""
	}
	if i := strings.IndexAny(s, " T"); i > 0 {
		s = s[:i]
	}
	for _, sep := range []string{"-", "/"} {
		parts := strings.Split(s, sep)
		if len(parts) != 3 || !allDigits(parts) {
			continue
		}
		y, _ := strconv.Atoi(parts[0])
		m, _ := strconv.Atoi(parts[1])
		d, _ := strconv.Atoi(parts[2])
		return fmt.Sprintf("%04d/%02d/%02d", y, m, d)
	}
	return s
}

func allDigits(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
